// Package clock implements the Clock & Offset Filter (C1): a monotonic
// local microsecond clock plus a dual-alpha EMA filter that turns noisy
// raw offset samples into a synchronized time domain.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/lemonforest/mlehaptics-sub011/errcode"
)

const (
	fastAttackSamples   = 10
	fastAttackAlphaPct  = 30
	steadyStateAlphaPct = 10
	fastAttackOutlierUs = 50_000
	steadyOutlierUs     = 100_000
	ringSize            = 8
)

// TimestampSample is one raw-offset observation, kept for debug/variance.
type TimestampSample struct {
	RawOffsetUs int64
	RxLocalUs   uint64
}

// FilterOutcome reports what UpdateFilter did with a sample.
type FilterOutcome struct {
	Accepted       bool
	FilteredOffset int64
	OutlierCount   uint32
}

// Now abstracts the monotonic local-time source so tests can control it.
// The production implementation wraps time.Now() monotonic reads.
type Now func() uint64

var processStart = time.Now()

// SystemNow returns microseconds since process start, monotonic.
func SystemNow() uint64 {
	return uint64(time.Since(processStart).Microseconds())
}

// Filter owns the offset-filter state. It is meant to be used by exactly
// one goroutine (the time-sync task); cross-task reads go through
// NowSync, which reads the published offset cell without locking.
type Filter struct {
	now Now

	filteredOffsetUs atomic.Int64 // published cell
	bootstrapped     bool         // false only before the very first Bootstrap
	sampleCount      uint32
	ring             [ringSize]TimestampSample
	ringPos          int
	lastBeaconRxUs   uint64
	outlierCount     uint32
}

// New constructs a Filter. now defaults to SystemNow when nil.
func New(now Now) *Filter {
	if now == nil {
		now = SystemNow
	}
	return &Filter{now: now}
}

// NowLocal returns the local monotonic microsecond time.
func (f *Filter) NowLocal() uint64 { return f.now() }

// NowSync returns local + filtered offset, saturating at zero on underflow.
func (f *Filter) NowSync() uint64 {
	local := int64(f.NowLocal())
	off := f.filteredOffsetUs.Load()
	sum := local + off
	if sum < 0 {
		return 0
	}
	return uint64(sum)
}

// FilteredOffsetUs reads the published offset without locking.
func (f *Filter) FilteredOffsetUs() int64 { return f.filteredOffsetUs.Load() }

// SampleCount reports how many samples have been accepted since the last reset.
func (f *Filter) SampleCount() uint32 { return f.sampleCount }

// OutlierCount reports rejected samples for logging/diagnostics.
func (f *Filter) OutlierCount() uint32 { return f.outlierCount }

// LastBeaconRxUs is the local receive time of the most recently accepted beacon.
func (f *Filter) LastBeaconRxUs() uint64 { return f.lastBeaconRxUs }

// Bootstrap sets filteredOffsetUs directly from the handshake result and
// resets the fast-attack regime.
func (f *Filter) Bootstrap(offsetUs int64) {
	f.filteredOffsetUs.Store(offsetUs)
	f.bootstrapped = true
	f.sampleCount = 0
	f.outlierCount = 0
}

// ResetFastAttack preserves filteredOffsetUs but narrows the outlier
// threshold and re-enters fast-attack alpha, as on a role swap.
func (f *Filter) ResetFastAttack() {
	f.sampleCount = 0
}

func (f *Filter) regime() (alphaPct int64, outlierUs int64) {
	if f.sampleCount < fastAttackSamples {
		return fastAttackAlphaPct, fastAttackOutlierUs
	}
	return steadyStateAlphaPct, steadyOutlierUs
}

// UpdateFilter folds one raw-offset sample (beacon or report) into the EMA,
// rejecting it as an outlier if it strays too far from the current estimate.
func (f *Filter) UpdateFilter(rawOffsetUs int64, rxLocalUs uint64) FilterOutcome {
	alphaPct, outlierUs := f.regime()
	current := f.filteredOffsetUs.Load()
	delta := rawOffsetUs - current
	if delta < 0 {
		delta = -delta
	}
	if f.bootstrapped && delta > outlierUs {
		f.outlierCount++
		return FilterOutcome{Accepted: false, FilteredOffset: current, OutlierCount: f.outlierCount}
	}

	next := current + (rawOffsetUs-current)*alphaPct/100
	f.filteredOffsetUs.Store(next)
	f.ring[f.ringPos%ringSize] = TimestampSample{RawOffsetUs: rawOffsetUs, RxLocalUs: rxLocalUs}
	f.ringPos++
	f.sampleCount++
	f.lastBeaconRxUs = rxLocalUs

	return FilterOutcome{Accepted: true, FilteredOffset: next, OutlierCount: f.outlierCount}
}

// Ring returns a copy of the last up-to-8 raw samples, oldest first.
func (f *Filter) Ring() []TimestampSample {
	n := ringSize
	if int(f.sampleCount) < ringSize {
		n = int(f.sampleCount)
	}
	out := make([]TimestampSample, n)
	start := ((f.ringPos-n)%ringSize + ringSize) % ringSize
	for i := 0; i < n; i++ {
		out[i] = f.ring[(start+i)%ringSize]
	}
	return out
}

// HandshakeResult is what a completed NTP-style 4-timestamp exchange yields.
type HandshakeResult struct {
	RawOffsetUs int64
	RTTUs       int64
}

// ComputeHandshake implements the CLIENT-side NTP formula:
// raw_offset = ((t2-t1)+(t3-t4))/2, rtt = (t4-t1)-(t3-t2).
func ComputeHandshake(t1, t2, t3, t4 uint64) HandshakeResult {
	return HandshakeResult{
		RawOffsetUs: ((int64(t2) - int64(t1)) + (int64(t3) - int64(t4))) / 2,
		RTTUs:       (int64(t4) - int64(t1)) - (int64(t3) - int64(t2)),
	}
}

const maxHandshakeRTTUs = 500_000

// ValidateHandshake rejects a handshake result whose RTT exceeds 500ms.
func ValidateHandshake(r HandshakeResult) error {
	if r.RTTUs > maxHandshakeRTTUs {
		return errcode.HandshakeTimeout
	}
	return nil
}
