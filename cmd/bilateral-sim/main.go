// Command bilateral-sim runs two coordination cores against each other
// in-process, over a simulated radio link, so the full bilateral
// handshake/beacon/scheduler/mode-change flow can be exercised and
// narrated without real hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/lemonforest/mlehaptics-sub011/bus"
	"github.com/lemonforest/mlehaptics-sub011/internal/clock"
	"github.com/lemonforest/mlehaptics-sub011/internal/coord"
	"github.com/lemonforest/mlehaptics-sub011/internal/corelog"
	"github.com/lemonforest/mlehaptics-sub011/internal/hwiface"
	"github.com/lemonforest/mlehaptics-sub011/internal/motor"
	"github.com/lemonforest/mlehaptics-sub011/internal/radio"
	"github.com/lemonforest/mlehaptics-sub011/internal/settings"
	"github.com/lemonforest/mlehaptics-sub011/internal/timesync"
	"github.com/lemonforest/mlehaptics-sub011/internal/watchdog"
	"github.com/lemonforest/mlehaptics-sub011/proto"
)

var topicMotorState = bus.MotorStateTopic()

// ---- hardware stand-ins -----------------------------------------------------

type motorStub struct {
	name string
	log  *corelog.Logger
}

func (m *motorStub) Forward(pct uint8) error {
	m.log.Println("motor forward", int(pct), "%")
	return nil
}
func (m *motorStub) Reverse(pct uint8) error {
	m.log.Println("motor reverse", int(pct), "%")
	return nil
}
func (m *motorStub) Coast() error             { return nil }
func (m *motorStub) ReadBackEMFmV() (int16, error) { return 0, nil }

type ledStub struct{ log *corelog.Logger }

func (l *ledStub) SetColor(r, g, b uint8) error {
	l.log.Println("led color", int(r), int(g), int(b))
	return nil
}
func (l *ledStub) Clear() error { return nil }

type batteryStub struct{ pct uint8 }

func (b *batteryStub) PercentCharge() (uint8, error) { return b.pct, nil }

type memStore struct{ kv map[string][]byte }

func newMemStore() *memStore { return &memStore{kv: map[string][]byte{}} }
func (s *memStore) Read(key string) ([]byte, bool, error) {
	v, ok := s.kv[key]
	return v, ok, nil
}
func (s *memStore) Write(key string, value []byte) error {
	s.kv[key] = append([]byte(nil), value...)
	return nil
}

// ---- per-peer transport seam -------------------------------------------------

type peerTransport struct {
	link hwiface.PacketLink
	peer hwiface.PeerID
}

func (t *peerTransport) Send(payload []byte) error { return t.link.Send(t.peer, payload) }

var _ timesync.Transport = (*peerTransport)(nil)

// ---- device: one coordination core wired end to end --------------------------

type device struct {
	name string
	mac  hwiface.PeerID

	battery *batteryStub
	led     *ledStub
	motorHW *motorStub
	store   *settings.Store

	clk *clock.Filter
	wd  *watchdog.Monitor
	log *corelog.Logger

	link      hwiface.PacketLink
	transport *peerTransport
	coordnr   *coord.Coordinator

	tsClient *timesync.Client
	tsServer *timesync.Server

	sched *motor.Scheduler
	pub   *busPublisher
	conn  *bus.Connection
	role  proto.Role
}

type busPublisher struct {
	conn   *bus.Connection
	server *timesync.Server // nil unless this device is SERVER
	client *timesync.Client // nil unless this device is CLIENT
	peerTx *peerTransport
}

func (p *busPublisher) PublishMotorStarted(epochUs uint64, cyclePeriodMs uint16) {
	_ = p.peerTx.Send(proto.MotorStarted{EpochUs: epochUs, CyclePeriodMs: cyclePeriodMs}.Encode())
}

func (p *busPublisher) PublishState(state string, mode proto.ModeID) {
	p.conn.Publish(p.conn.NewMessage(topicMotorState, map[string]any{
		"state": state,
		"mode":  mode.String(),
	}, true))
}

func (p *busPublisher) PublishModeState(epochUs uint64, cyclePeriodMs uint16, dutyPct uint8, mode proto.ModeID) {
	if p.server != nil {
		p.server.SetMotorState(timesync.MotorState{
			EpochUs:       epochUs,
			CyclePeriodMs: cyclePeriodMs,
			MotorDutyPct:  dutyPct,
			ModeID:        mode,
		})
	}
}

func (p *busPublisher) PublishActivationMeasurement(cycleIndex uint16, phaseErrorMs int16) {
	if p.client != nil {
		_ = p.client.SendActivationReport(cycleIndex, phaseErrorMs)
		p.conn.Publish(p.conn.NewMessage(bus.TimesyncActivationTopic(), map[string]any{
			"cycle_index":    cycleIndex,
			"phase_error_ms": phaseErrorMs,
		}, false))
	}
}

var _ motor.Publisher = (*busPublisher)(nil)

func newDevice(name string, mac hwiface.PeerID, battPct uint8, b *bus.Bus, link hwiface.PacketLink) *device {
	log := corelog.New(name)
	d := &device{
		name:    name,
		mac:     mac,
		battery: &batteryStub{pct: battPct},
		led:     &ledStub{log: log},
		motorHW: &motorStub{name: name, log: log},
		store:   settings.NewStore(newMemStore()),
		clk:     clock.New(clock.SystemNow),
		log:     log,
		link:    link,
		conn:    b.NewConnection(name),
	}
	d.wd = watchdog.New(2*time.Second, func() { d.log.Warn("watchdog starved") })
	d.coordnr = coord.New(mac, d.battery, d.led, log)
	return d
}

// wirePeer connects this device's transport to the given peer identity and
// resolves Role, constructing whichever of timesync.Client/Server this
// device turns out to be.
func (d *device) wirePeer(peerMAC hwiface.PeerID, peerBatteryPct uint8) {
	d.transport = &peerTransport{link: d.link, peer: peerMAC}

	role, err := d.coordnr.ResolveRole(peerBatteryPct, peerMAC)
	if err != nil {
		d.log.Warn("role resolution failed:", err)
		role = proto.RoleStandalone
	}
	d.role = role
	d.log.Println("resolved role:", role.String())
	d.conn.Publish(d.conn.NewMessage(bus.CoordRoleTopic(), role.String(), true))

	pub := &busPublisher{conn: d.conn, peerTx: d.transport}

	switch role {
	case proto.RoleServer:
		d.tsServer = timesync.NewServer(d.transport, d.clk, d.log)
		pub.server = d.tsServer
	case proto.RoleClient:
		d.tsClient = timesync.NewClient(d.transport, d.clk, d.log, d.onBeaconUpdated)
		pub.client = d.tsClient
	}
	d.pub = pub

	d.sched = motor.New(d.motorHW, d.led, d.clk, d.wd, pub, d.log)

	d.link.OnPacket(func(_ hwiface.PeerID, payload []byte) {
		msg, err := proto.Decode(payload)
		if err != nil {
			d.log.Warn("decode failed:", err)
			return
		}
		d.dispatch(msg)
	})
}

// reconnect re-resolves Role against the peer's current battery level, as
// on a radio reconnect after a dropout. If that resolution finds the
// SERVER/CLIENT roles have swapped, it rebuilds the time-sync half that
// changed and resets the CLIENT filter's fast-attack state so the new
// estimate isn't compared against a now-irrelevant prior offset.
func (d *device) reconnect(peerMAC hwiface.PeerID, peerBatteryPct uint8) {
	prevRole := d.role
	role, err := d.coordnr.ResolveRole(peerBatteryPct, peerMAC)
	if err != nil {
		d.log.Warn("role re-resolution failed:", err)
		return
	}
	d.role = role
	if role == prevRole {
		d.log.Println("reconnected, role unchanged:", role.String())
		return
	}
	d.log.Println("role swapped on reconnect:", prevRole.String(), "->", role.String())
	d.conn.Publish(d.conn.NewMessage(bus.CoordRoleTopic(), role.String(), true))

	switch role {
	case proto.RoleClient:
		if d.tsClient == nil {
			d.tsClient = timesync.NewClient(d.transport, d.clk, d.log, d.onBeaconUpdated)
		}
		d.tsClient.ResetOnRoleSwap()
		d.pub.client = d.tsClient
		d.pub.server = nil
		d.tsServer = nil
	case proto.RoleServer:
		if d.tsServer == nil {
			d.tsServer = timesync.NewServer(d.transport, d.clk, d.log)
		}
		d.pub.server = d.tsServer
		d.pub.client = nil
		d.tsClient = nil
	}
}

var modeCycle = []proto.ModeID{proto.ModeM0, proto.ModeM1, proto.ModeM2, proto.ModeM3}

func nextMode(cur proto.ModeID) proto.ModeID {
	for i, m := range modeCycle {
		if m == cur {
			return modeCycle[(i+1)%len(modeCycle)]
		}
	}
	return proto.ModeM0
}

// pressButton triggers the two-phase mode-change flow. Only a SERVER (or
// Standalone) press carries the authority to pick armed_epoch_us; a
// CLIENT's own press is a local no-op (the scheduler already treats
// ButtonPress that way), matching S5's simultaneous-press resolution
// where SERVER's proposal always wins.
func (d *device) pressButton() {
	if d.role != proto.RoleServer && d.role != proto.RoleStandalone {
		d.sched.PostMessage(motor.ButtonPress{AtLocalUs: d.clk.NowLocal()})
		return
	}
	epochUs, cyclePeriodMs, _, curMode := d.sched.MotorState()
	newMode := nextMode(curMode)
	cfg := d.store.Load().ModeConfigFor(newMode)
	proposal, arm := coord.ProposeModeChange(d.clk.NowSync(), epochUs, uint64(cyclePeriodMs)*1000, newMode, cfg)
	if d.role == proto.RoleServer && d.transport != nil {
		_ = d.transport.Send(proposal.Encode())
	}
	d.conn.Publish(d.conn.NewMessage(bus.CoordModeChangeTopic(), newMode.String(), false))
	d.sched.PostMessage(arm)
}

func (d *device) onBeaconUpdated(info timesync.BeaconInfo) {
	cfg := d.store.Load().ModeConfigFor(info.ModeID)
	cfg.MotorActiveDuty = info.MotorActiveDuty
	d.sched.PostMessage(motor.BeaconUpdated{
		EpochUs:       info.EpochUs,
		CyclePeriodMs: info.CyclePeriodMs,
		Mode:          info.ModeID,
		Config:        cfg.Clamp(),
	})
}

func (d *device) dispatch(msg proto.Message) {
	switch m := msg.(type) {
	case proto.TimeRequest, proto.ActivationReport:
		if d.tsServer != nil {
			d.tsServer.HandleMessage(m)
		}
	case proto.TimeResponse, proto.Beacon:
		if d.tsClient != nil {
			d.tsClient.HandleMessage(m)
		}
	case proto.MotorStarted:
		d.sched.PostMessage(motor.MotorStartedNotice{EpochUs: m.EpochUs, CyclePeriodMs: m.CyclePeriodMs})
	case proto.ModeChangeProposal:
		d.sched.PostMessage(coord.ApplyModeChangeProposal(m))
	case proto.Shutdown:
		d.sched.PostMessage(motor.ShutdownRequested{})
	case proto.FirmwareVersion:
		d.coordnr.CheckFirmwareVersion(proto.FirmwareVersion{Major: 1, Minor: 0, Patch: 0}, m)
	}
}

// publishLockAndOffset republishes a CLIENT's Lock state and filtered
// offset onto the bus at a coarse interval, the same retained-topic pattern
// busPublisher already uses for motor state, so anything observing this
// device (tests, a future UI) doesn't have to reach into clock.Filter or
// timesync.Client directly.
func (d *device) publishLockAndOffset(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var wasLocked bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			locked := d.tsClient.Locked()
			if locked != wasLocked {
				d.conn.Publish(d.conn.NewMessage(bus.TimesyncLockTopic(), locked, true))
				wasLocked = locked
			}
			d.conn.Publish(d.conn.NewMessage(bus.TimesyncOffsetTopic(), d.clk.FilteredOffsetUs(), true))
		}
	}
}

func (d *device) startSession(mode proto.ModeID, ctx context.Context) {
	cfg := d.store.Load().ModeConfigFor(mode)
	d.sched.StartSession(mode, cfg, d.role)
	go d.wd.Run(ctx)
	if d.tsServer != nil {
		go d.tsServer.Run(ctx)
	}
	if d.tsClient != nil {
		go d.tsClient.DisconnectMonitor(ctx, func() {
			d.log.Warn("time-sync beacon stale past disconnect timeout")
		})
		go d.publishLockAndOffset(ctx)
	}
	go func() {
		if d.tsClient != nil {
			if !d.tsClient.WaitForLock(ctx, 5*time.Second) {
				d.log.Warn("starting motor without Lock after 5s wait")
			}
		}
		d.sched.Run(ctx)
	}()
}

// ---- scenario scripting -------------------------------------------------------

// runScenario tokenizes and executes a tiny scripted scenario language,
// e.g. `wait 2s; drop b 100; wait 1s; drop b 0; reconnect b a 95; button a; shutdown a`.
func runScenario(script string, devices map[string]*device) error {
	tokens, err := shlex.Split(script)
	if err != nil {
		return fmt.Errorf("parsing scenario: %w", err)
	}
	i := 0
	next := func() string {
		if i >= len(tokens) {
			return ""
		}
		t := tokens[i]
		i++
		// shlex keeps a trailing ';' on the word before it ("2s;").
		return strings.TrimSuffix(t, ";")
	}
	for i < len(tokens) {
		cmd := next()
		switch cmd {
		case "", ";":
			continue
		case "wait":
			d, err := time.ParseDuration(next())
			if err != nil {
				return err
			}
			time.Sleep(d)
		case "drop":
			name := next()
			pct, _ := strconv.Atoi(next())
			if dev, ok := devices[name]; ok {
				if sl, ok := dev.link.(*radio.SimLink); ok {
					sl.SetDropPercent(pct)
				}
			}
		case "reconnect":
			name := next()
			peerName := next()
			peerBatt, _ := strconv.Atoi(next())
			dev, ok := devices[name]
			peer, peerOk := devices[peerName]
			if ok && peerOk {
				dev.reconnect(peer.mac, uint8(peerBatt))
			}
		case "button":
			name := next()
			if dev, ok := devices[name]; ok {
				dev.pressButton()
			}
		case "shutdown":
			name := next()
			if dev, ok := devices[name]; ok {
				dev.sched.PostMessage(motor.ShutdownRequested{})
			}
		default:
			return fmt.Errorf("unknown scenario command %q", cmd)
		}
	}
	return nil
}

func main() {
	scriptFlag := flag.String("script", "wait 3s", "scripted scenario, e.g. 'wait 2s; drop b 100; wait 1s; drop b 0; reconnect b a 95'")
	durationFlag := flag.Duration("duration", 8*time.Second, "how long the simulation runs after the scenario finishes")
	flag.Parse()

	b := bus.NewBus(16)
	macA := hwiface.PeerID{0, 0, 0, 0, 0, 0xA0}
	macB := hwiface.PeerID{0, 0, 0, 0, 0, 0xB0}

	linkA, linkB := radio.NewSimPair(macA, macB)

	devA := newDevice("A", macA, 90, b, linkA)
	devB := newDevice("B", macB, 70, b, linkB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go linkA.Run(ctx)
	go linkB.Run(ctx)

	devA.wirePeer(macB, 70)
	devB.wirePeer(macA, 90)

	if err := linkA.Connect(macB); err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}

	devA.startSession(proto.ModeM1, ctx)
	devB.startSession(proto.ModeM1, ctx)

	if devB.tsClient != nil {
		hctx, hcancel := context.WithTimeout(ctx, 2*time.Second)
		if err := devB.tsClient.Handshake(hctx); err != nil {
			fmt.Fprintln(os.Stderr, "client handshake failed:", err)
		}
		hcancel()
	}
	if devA.tsClient != nil {
		hctx, hcancel := context.WithTimeout(ctx, 2*time.Second)
		if err := devA.tsClient.Handshake(hctx); err != nil {
			fmt.Fprintln(os.Stderr, "client handshake failed:", err)
		}
		hcancel()
	}

	if script := strings.TrimSpace(*scriptFlag); script != "" {
		if err := runScenario(script, map[string]*device{"a": devA, "b": devB}); err != nil {
			fmt.Fprintln(os.Stderr, "scenario error:", err)
		}
	}

	time.Sleep(*durationFlag)
}
