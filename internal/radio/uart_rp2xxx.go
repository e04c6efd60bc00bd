//go:build rp2040 || rp2350

package radio

import (
	"context"
	"io"

	"github.com/jangala-dev/tinygo-uartx/uartx"
)

// UARTDial is injected by platform code on real hardware. It mirrors the
// platform bridge service's own dial seam: given a baud rate and pin
// selection it opens the physical half-duplex serial link a real radio
// module rides over, framed the same way SimLink frames in-memory traffic
// (one length byte, up to 32 bytes of payload).
var UARTDial func(ctx context.Context, cfg UARTConfig) (io.ReadWriteCloser, error)

// UARTConfig carries enough information for UARTDial to open the bus.
type UARTConfig struct {
	Instance string // "uart0" or "uart1"
	BaudRate int
	TXPin    int
	RXPin    int
}

func defaultUARTDial(ctx context.Context, cfg UARTConfig) (io.ReadWriteCloser, error) {
	var hw *uartx.UART
	switch cfg.Instance {
	case "uart0":
		hw = uartx.UART0
	case "uart1":
		hw = uartx.UART1
	default:
		hw = uartx.UART0
	}
	if err := hw.Configure(uartx.UARTConfig{BaudRate: cfg.BaudRate}); err != nil {
		return nil, err
	}
	return hw, nil
}

func init() {
	if UARTDial == nil {
		UARTDial = defaultUARTDial
	}
}
