package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/internal/clock"
	"github.com/lemonforest/mlehaptics-sub011/internal/corelog"
	"github.com/lemonforest/mlehaptics-sub011/proto"
)

// MotorState is what the scheduler currently publishes into every beacon.
type MotorState struct {
	EpochUs       uint64
	CyclePeriodMs uint16
	MotorDutyPct  uint8
	ModeID        proto.ModeID
}

// Server is the SERVER-side half of the protocol: answers handshakes,
// emits the adaptive beacon stream, and folds ActivationReports back into
// a small bias correction on the time it reports.
type Server struct {
	transport Transport
	clk       *clock.Filter
	log       *corelog.Logger

	mu        sync.Mutex
	quality   quality
	seq       uint8
	state     MotorState
	biasUs    int64
	forceChan chan struct{}
}

// NewServer constructs a Server with no motor state yet set; SetMotorState
// must be called once the scheduler has a session running.
func NewServer(transport Transport, clk *clock.Filter, log *corelog.Logger) *Server {
	return &Server{
		transport: transport,
		clk:       clk,
		log:       log,
		forceChan: make(chan struct{}, 1),
	}
}

// SetMotorState updates what subsequent beacons advertise and requests a
// forced burst, since a mode/epoch change is one of the named burst
// triggers.
func (s *Server) SetMotorState(st MotorState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.requestForcedBurst()
}

func (s *Server) requestForcedBurst() {
	select {
	case s.forceChan <- struct{}{}:
	default:
	}
}

// HandleMessage processes one decoded Coordination Message from the peer.
func (s *Server) HandleMessage(msg proto.Message) {
	switch m := msg.(type) {
	case proto.TimeRequest:
		s.handleTimeRequest(m)
	case proto.ActivationReport:
		s.handleActivationReport(m)
	}
}

func (s *Server) handleTimeRequest(req proto.TimeRequest) {
	t2 := s.clk.NowLocal()
	resp := proto.TimeResponse{T1: req.T1, T2: t2, T3: s.clk.NowLocal()}
	if err := s.transport.Send(resp.Encode()); err != nil {
		s.log.Warn("timesync: time response send failed:", err)
		return
	}
	// Immediate bootstrap beacon, cutting first-sample wait.
	s.sendBeacon()
	s.requestForcedBurst()
}

func (s *Server) handleActivationReport(rep proto.ActivationReport) {
	t4 := s.clk.NowLocal()
	hs := clock.ComputeHandshake(rep.T1, rep.T2, rep.T3, t4)
	// Fold the bias sample in gently: a single paired-timestamp report
	// should nudge, not override, the time this SERVER reports.
	s.mu.Lock()
	s.biasUs += (hs.RawOffsetUs - s.biasUs) / 4
	s.mu.Unlock()
}

func (s *Server) sendBeacon() {
	s.mu.Lock()
	st := s.state
	s.seq++
	seq := s.seq
	bias := s.biasUs
	s.mu.Unlock()

	beacon := proto.Beacon{
		Seq:             seq,
		ServerTimeUs:    uint64(int64(s.clk.NowLocal()) + bias),
		MotorEpochUs:    st.EpochUs,
		CyclePeriodMs:   st.CyclePeriodMs,
		MotorActiveDuty: st.MotorDutyPct,
		ModeID:          st.ModeID,
	}
	if err := s.transport.Send(beacon.Encode()); err != nil {
		s.log.Warn("timesync: beacon send failed:", err)
	}
}

// Run drives the adaptive beacon ticker and forced bursts until ctx ends.
func (s *Server) Run(ctx context.Context) {
	s.mu.Lock()
	interval := s.quality.interval()
	s.mu.Unlock()

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.sendBeacon()
			s.mu.Lock()
			s.quality.good()
			tick.Reset(s.quality.interval())
			s.mu.Unlock()
		case <-s.forceChan:
			s.runBurst(ctx)
			s.mu.Lock()
			s.quality.bad()
			tick.Reset(s.quality.interval())
			s.mu.Unlock()
		}
	}
}

func (s *Server) runBurst(ctx context.Context) {
	for i := 0; i < forcedBurstCount; i++ {
		s.sendBeacon()
		if i == forcedBurstCount-1 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(forcedBurstSpacing):
		}
	}
}
