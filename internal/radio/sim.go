package radio

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/internal/hwiface"
	"github.com/lemonforest/mlehaptics-sub011/x/shmring"
)

const simRingSize = 4096 // power of two, generously larger than any burst of 32B frames

// SimLink is an in-memory hwiface.PacketLink, framed over a pair of
// x/shmring SPSC rings (one per direction), for exercising the core
// without real radio hardware. It can simulate loss (a per-link send-drop
// percentage) so integration tests can reproduce spec scenarios like a 10s
// dropout; it adds no latency.
type SimLink struct {
	self hwiface.PeerID
	peer *SimLink // set after both ends are constructed

	outRing *shmring.Ring // this side's outbox, read by peer
	inRing  *shmring.Ring // this side's inbox, written by peer

	dropPct int // [0,100], percent chance a Send is silently dropped
	rnd     *rand.Rand

	mu           sync.Mutex
	onPacket     func(peer hwiface.PeerID, payload []byte)
	onConnect    func(peer hwiface.PeerID, hint string)
	onDisconnect func(peer hwiface.PeerID, reason string)
	onDiscovery  func(info hwiface.DiscoveryInfo)
	advData      []byte
	connected    bool
	rssi         int8
}

// NewSimPair builds two linked SimLinks representing the two devices'
// radios. Call Run on each with a context to start their reader loops.
func NewSimPair(a, b hwiface.PeerID) (*SimLink, *SimLink) {
	ringAB := shmring.New(simRingSize) // a writes, b reads
	ringBA := shmring.New(simRingSize) // b writes, a reads

	la := &SimLink{self: a, outRing: ringAB, inRing: ringBA, rssi: -40, rnd: rand.New(rand.NewSource(1))}
	lb := &SimLink{self: b, outRing: ringBA, inRing: ringAB, rssi: -40, rnd: rand.New(rand.NewSource(2))}
	la.peer = lb
	lb.peer = la
	return la, lb
}

// SetDropPercent configures this link's simulated send-loss rate, to
// reproduce scenario S3 (temporary radio dropout).
func (l *SimLink) SetDropPercent(pct int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropPct = pct
}

// Run starts the frame-reader goroutine for this end. It returns when ctx
// is cancelled.
func (l *SimLink) Run(ctx context.Context) {
	buf := make([]byte, 1+33)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.inRing.Readable():
		case <-time.After(20 * time.Millisecond):
			// also poll periodically in case the edge-coalesced signal raced a read
		}
		for l.readOneFrame(buf) {
		}
	}
}

// readOneFrame attempts to pull one length-prefixed frame off inRing.
// Returns true if a frame was consumed (so the caller should try again
// immediately, there may be more queued).
func (l *SimLink) readOneFrame(buf []byte) bool {
	if l.inRing.Available() < 1 {
		return false
	}
	p1, _ := l.inRing.ReadAcquire()
	if len(p1) == 0 {
		return false
	}
	frameLen := int(p1[0])
	total := 1 + frameLen
	if l.inRing.Available() < total {
		return false // full frame not queued yet
	}

	full := buf[:total]
	got := l.peekCopy(full)
	if got < total {
		return false
	}
	l.inRing.ReadRelease(total)

	payload := append([]byte(nil), full[1:total]...)
	l.mu.Lock()
	cb := l.onPacket
	l.mu.Unlock()
	if cb != nil {
		cb(l.peer.self, payload)
	}
	return true
}

// peekCopy copies up to len(dst) available bytes without releasing them,
// by acquiring spans repeatedly. It is only safe because this package is
// single-consumer per ring (SimLink owns inRing exclusively).
func (l *SimLink) peekCopy(dst []byte) int {
	p1, p2 := l.inRing.ReadAcquire()
	n := copy(dst, p1)
	if n < len(dst) {
		n += copy(dst[n:], p2)
	}
	return n
}

// Send implements hwiface.PacketLink.
func (l *SimLink) Send(peer hwiface.PeerID, payload []byte) error {
	if len(payload) > 32 {
		return errors.New("radio: payload exceeds simulated MTU")
	}
	l.mu.Lock()
	drop := l.dropPct
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return errors.New("radio: not connected")
	}
	if drop > 0 && l.rnd.Intn(100) < drop {
		return nil // silently dropped, mirroring real radio loss
	}

	frame := make([]byte, 1+len(payload))
	frame[0] = byte(len(payload))
	copy(frame[1:], payload)
	if n := l.outRing.TryWriteFrom(frame); n != len(frame) {
		return errors.New("radio: outbox full")
	}
	return nil
}

func (l *SimLink) OnPacket(fn func(peer hwiface.PeerID, payload []byte)) {
	l.mu.Lock()
	l.onPacket = fn
	l.mu.Unlock()
}
func (l *SimLink) OnConnect(fn func(peer hwiface.PeerID, remoteRoleHint string)) {
	l.mu.Lock()
	l.onConnect = fn
	l.mu.Unlock()
}
func (l *SimLink) OnDisconnect(fn func(peer hwiface.PeerID, reason string)) {
	l.mu.Lock()
	l.onDisconnect = fn
	l.mu.Unlock()
}
func (l *SimLink) OnDiscovery(fn func(info hwiface.DiscoveryInfo)) {
	l.mu.Lock()
	l.onDiscovery = fn
	l.mu.Unlock()
}

func (l *SimLink) RSSI(peer hwiface.PeerID) (int8, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rssi, nil
}

func (l *SimLink) SetAdvertisingData(data []byte) error {
	l.mu.Lock()
	l.advData = append([]byte(nil), data...)
	l.mu.Unlock()
	return nil
}

func (l *SimLink) StartAdvertising(serviceUUID string) error {
	l.mu.Lock()
	adv := append([]byte(nil), l.advData...)
	l.mu.Unlock()
	l.peer.mu.Lock()
	cb := l.peer.onDiscovery
	l.peer.mu.Unlock()
	if cb != nil {
		cb(hwiface.DiscoveryInfo{Peer: l.self, AdvData: adv, RSSI: l.rssi})
	}
	return nil
}
func (l *SimLink) StopAdvertising() error { return nil }

func (l *SimLink) StartScan(ctx context.Context, serviceUUID string) error { return nil }
func (l *SimLink) StopScan() error                                        { return nil }

// Connect completes synchronously in the simulator: both ends transition to
// connected and fire their OnConnect callbacks.
func (l *SimLink) Connect(peer hwiface.PeerID) error {
	l.mu.Lock()
	l.connected = true
	cb := l.onConnect
	l.mu.Unlock()
	if cb != nil {
		cb(l.peer.self, "")
	}

	l.peer.mu.Lock()
	l.peer.connected = true
	pcb := l.peer.onConnect
	l.peer.mu.Unlock()
	if pcb != nil {
		pcb(l.self, "")
	}
	return nil
}

func (l *SimLink) Disconnect(peer hwiface.PeerID) error {
	l.mu.Lock()
	l.connected = false
	cb := l.onDisconnect
	l.mu.Unlock()
	if cb != nil {
		cb(l.peer.self, "local_disconnect")
	}

	l.peer.mu.Lock()
	l.peer.connected = false
	pcb := l.peer.onDisconnect
	l.peer.mu.Unlock()
	if pcb != nil {
		pcb(l.self, "peer_disconnect")
	}
	return nil
}

func (l *SimLink) SetTXPower(dBm int8) error { return nil }

var _ hwiface.PacketLink = (*SimLink)(nil)
