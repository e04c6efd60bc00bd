// Package corelog is an allocation-light logger for the coordination core.
// It mirrors every line to the console and, optionally, to a UART ring
// buffer, the way the platform's own boot logger does. No fmt, no append;
// parts are written directly as they are produced.
package corelog

import (
	"github.com/lemonforest/mlehaptics-sub011/x/shmring"
	"github.com/lemonforest/mlehaptics-sub011/x/strconvx"
)

var nl = [...]byte{'\n'}

// Logger writes tag-prefixed lines to the console and an optional UART mirror.
type Logger struct {
	tag   string
	uart1 *shmring.Ring
}

// New returns a Logger that prefixes every line with "[tag] ".
func New(tag string) *Logger { return &Logger{tag: tag} }

// SetUART1 attaches (or detaches, with nil) a mirror ring for log output.
func (l *Logger) SetUART1(r *shmring.Ring) { l.uart1 = r }

// With returns a child logger that shares the UART mirror but uses its own tag.
func (l *Logger) With(tag string) *Logger {
	return &Logger{tag: tag, uart1: l.uart1}
}

func (l *Logger) writeString(s string) {
	if s == "" {
		return
	}
	print(s)
	if l.uart1 != nil {
		_ = l.uart1.TryWriteFrom([]byte(s))
	}
}

func (l *Logger) writePart(v any) {
	switch x := v.(type) {
	case string:
		l.writeString(x)
	case []byte:
		l.writeString(string(x))
	case int:
		l.writeString(strconvx.Itoa(x))
	case int8:
		l.writeString(strconvx.Itoa(int(x)))
	case int16:
		l.writeString(strconvx.Itoa(int(x)))
	case int32:
		l.writeString(strconvx.Itoa(int(x)))
	case int64:
		l.writeString(strconvx.Itoa(int(x)))
	case uint:
		l.writeString(strconvx.Itoa(int(x)))
	case uint8:
		l.writeString(strconvx.Itoa(int(x)))
	case uint16:
		l.writeString(strconvx.Itoa(int(x)))
	case uint32:
		l.writeString(strconvx.Itoa(int(x)))
	case uint64:
		l.writeString(strconvx.Itoa(int(x)))
	case bool:
		if x {
			l.writeString("true")
		} else {
			l.writeString("false")
		}
	case error:
		l.writeString(x.Error())
	default:
		l.writeString("?")
	}
}

func (l *Logger) newline() {
	print("\n")
	if l.uart1 != nil {
		_ = l.uart1.TryWriteFrom(nl[:])
	}
}

// Print writes parts with no separators and no trailing newline.
func (l *Logger) Print(parts ...any) {
	if l.tag != "" {
		l.writeString("[" + l.tag + "] ")
	}
	for i := range parts {
		l.writePart(parts[i])
	}
}

// Println writes parts followed by a newline.
func (l *Logger) Println(parts ...any) { l.Print(parts...); l.newline() }

// Warn writes a "warn: " prefixed line.
func (l *Logger) Warn(parts ...any) {
	all := append([]any{"warn: "}, parts...)
	l.Println(all...)
}
