package timesync

import (
	"context"
	"testing"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/internal/clock"
	"github.com/lemonforest/mlehaptics-sub011/internal/corelog"
	"github.com/lemonforest/mlehaptics-sub011/proto"
)

// loopback wires a Client directly to a Server in the same process: Send
// decodes and dispatches synchronously to the other side's HandleMessage.
type loopback struct {
	deliverTo func(proto.Message)
}

func (l *loopback) Send(payload []byte) error {
	msg, err := proto.Decode(payload)
	if err != nil {
		return err
	}
	l.deliverTo(msg)
	return nil
}

func newPair(t *testing.T) (*Client, *Server, *clock.Filter, *clock.Filter) {
	t.Helper()
	clientClk := clock.New(nil)
	serverClk := clock.New(nil)
	log := corelog.New("test")

	var srv *Server
	var cli *Client

	clientTransport := &loopback{deliverTo: func(m proto.Message) { srv.HandleMessage(m) }}
	serverTransport := &loopback{deliverTo: func(m proto.Message) { cli.HandleMessage(m) }}

	srv = NewServer(serverTransport, serverClk, log)
	cli = NewClient(clientTransport, clientClk, log, nil)
	return cli, srv, clientClk, serverClk
}

func TestHandshakeBootstrapsClientFilter(t *testing.T) {
	cli, srv, clientClk, _ := newPair(t)
	srv.SetMotorState(MotorState{EpochUs: 1000, CyclePeriodMs: 500, MotorDutyPct: 50, ModeID: proto.ModeM0})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cli.Handshake(ctx); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if clientClk.SampleCount() != 0 {
		t.Fatalf("bootstrap should reset sample count, got %d", clientClk.SampleCount())
	}
}

func TestImmediateBeaconArrivesAfterHandshake(t *testing.T) {
	var got BeaconInfo
	var gotCount int
	clientClk := clock.New(nil)
	serverClk := clock.New(nil)
	log := corelog.New("test")

	var srv *Server
	var cli *Client
	clientTransport := &loopback{deliverTo: func(m proto.Message) { srv.HandleMessage(m) }}
	serverTransport := &loopback{deliverTo: func(m proto.Message) { cli.HandleMessage(m) }}
	srv = NewServer(serverTransport, serverClk, log)
	cli = NewClient(clientTransport, clientClk, log, func(bi BeaconInfo) {
		got = bi
		gotCount++
	})
	srv.SetMotorState(MotorState{EpochUs: 42, CyclePeriodMs: 1000, MotorDutyPct: 60, ModeID: proto.ModeM2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cli.Handshake(ctx); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if gotCount == 0 {
		t.Fatal("expected onBeacon to fire from the immediate bootstrap beacon")
	}
	if got.ModeID != proto.ModeM2 || got.EpochUs != 42 {
		t.Fatalf("unexpected beacon info: %+v", got)
	}
}

func TestLockRequiresMinimumBeaconsAndSamples(t *testing.T) {
	cli, srv, _, _ := newPair(t)
	srv.SetMotorState(MotorState{EpochUs: 1, CyclePeriodMs: 200, MotorDutyPct: 50, ModeID: proto.ModeM0})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cli.Handshake(ctx); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if cli.Locked() {
		t.Fatal("should not be Locked after just one beacon")
	}
	for i := 0; i < 12; i++ {
		srv.sendBeacon()
	}
	if !cli.Locked() {
		t.Fatal("expected Locked after enough beacons and samples")
	}
}

func TestActivationReportFeedsServerBias(t *testing.T) {
	cli, srv, _, _ := newPair(t)
	srv.SetMotorState(MotorState{EpochUs: 1, CyclePeriodMs: 200, MotorDutyPct: 50, ModeID: proto.ModeM0})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cli.Handshake(ctx); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if err := cli.SendActivationReport(3, 5); err != nil {
		t.Fatalf("activation report send failed: %v", err)
	}
}

func TestHandshakeTimesOutWithNoResponse(t *testing.T) {
	clk := clock.New(nil)
	log := corelog.New("test")
	badTransport := &loopback{deliverTo: func(proto.Message) {}}
	cli := NewClient(badTransport, clk, log, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := cli.Handshake(ctx); err == nil {
		t.Fatal("expected handshake to fail when no response ever arrives")
	}
}
