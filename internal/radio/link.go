// Package radio adapts the abstract hwiface.PacketLink into the
// connection-lifecycle state machine described in SPEC_FULL.md: dial with
// backoff, publish LinkState transitions retained on the bus, and retry
// forever until the context is cancelled. The approach — and the backoff
// helper itself — is lifted from the platform's own link-supervision
// service.
package radio

import (
	"context"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/bus"
	"github.com/lemonforest/mlehaptics-sub011/internal/corelog"
	"github.com/lemonforest/mlehaptics-sub011/internal/hwiface"
)

// LinkState is the lifecycle of a single peer connection.
type LinkState int

const (
	Idle LinkState = iota
	Connecting
	Up
	Degraded
	Down
)

func (s LinkState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Up:
		return "up"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// StateTopic is the retained bus topic the supervisor publishes LinkState
// transitions on, so a late subscriber (internal/coord, a test harness)
// sees the current state without racing the publish.
func StateTopic() bus.Topic { return bus.T("radio", "state") }

// Supervisor owns the connect/retry lifecycle for one peer over a PacketLink.
type Supervisor struct {
	link hwiface.PacketLink
	peer hwiface.PeerID
	conn *bus.Connection
	log  *corelog.Logger

	connected  chan struct{}
	disconnect chan string
}

// NewSupervisor wires callbacks on link and returns a Supervisor ready to Run.
func NewSupervisor(link hwiface.PacketLink, peer hwiface.PeerID, conn *bus.Connection, log *corelog.Logger) *Supervisor {
	s := &Supervisor{
		link:       link,
		peer:       peer,
		conn:       conn,
		log:        log,
		connected:  make(chan struct{}, 1),
		disconnect: make(chan string, 1),
	}
	link.OnConnect(func(peer hwiface.PeerID, hint string) {
		select {
		case s.connected <- struct{}{}:
		default:
		}
	})
	link.OnDisconnect(func(peer hwiface.PeerID, reason string) {
		select {
		case s.disconnect <- reason:
		default:
		}
	})
	return s
}

// Run supervises the connection until ctx is cancelled, reconnecting with
// exponential backoff (250ms..5s) on every drop — the same cadence the
// platform's link supervisor uses.
func (s *Supervisor) Run(ctx context.Context) {
	s.publishState(Idle, "awaiting_connect")
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.publishState(Connecting, "dialing")
		if err := s.link.Connect(s.peer); err != nil {
			delay := backoff()
			s.log.Warn("connect failed, retrying in", delay.String())
			s.publishState(Degraded, "connect_failed_retrying")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		if !s.awaitConnected(ctx) {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		s.publishState(Up, "link_established")

		select {
		case <-ctx.Done():
			return
		case reason := <-s.disconnect:
			s.publishState(Down, reason)
			delay := backoff()
			if !sleep(ctx, delay) {
				return
			}
		}
	}
}

func (s *Supervisor) awaitConnected(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.connected:
		return true
	case <-time.After(5 * time.Second):
		return false
	}
}

func (s *Supervisor) publishState(state LinkState, status string) {
	if s.conn == nil {
		return
	}
	msg := s.conn.NewMessage(StateTopic(), map[string]any{
		"state":  state.String(),
		"status": status,
	}, true)
	s.conn.Publish(msg)
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
