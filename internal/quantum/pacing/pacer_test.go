package pacing

import (
	"testing"
	"time"

	"github.com/aetherflow/quantumpacer/internal/quantum/rttstats"
)

// fakeSender is a scriptable Congestion stand-in for exercising Pacer in
// isolation from any real congestion control algorithm.
type fakeSender struct {
	cwndBytes   uint64
	cwndPackets uint64
	bandwidth   Bandwidth
	rate        Bandwidth
	inRecovery  bool
	cwndLimited bool
	canSend     bool

	sentCalls      int
	congestionCalls int
	appLimitedCalls int
	limitCwndCalls  []uint64
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		cwndBytes:   12000,
		cwndPackets: 10,
		bandwidth:   BandwidthFromKBitsPerSecond(10_000),
		rate:        BandwidthFromKBitsPerSecond(10_000),
		canSend:     true,
	}
}

func (f *fakeSender) OnPacketSent(time.Time, uint64, uint64, uint64, bool, *rttstats.RTTStats) {
	f.sentCalls++
}
func (f *fakeSender) OnCongestionEvent(bool, uint64, uint64, time.Time, []Acked, []Lost, uint64, *rttstats.RTTStats, *RecoveryStats) {
	f.congestionCalls++
}
func (f *fakeSender) OnPacketNeutered(uint64)            {}
func (f *fakeSender) OnRetransmissionTimeout(bool)       {}
func (f *fakeSender) OnAppLimited(uint64)                { f.appLimitedCalls++ }
func (f *fakeSender) UpdateMSS(uint64)                   {}
func (f *fakeSender) LimitCwnd(maxBytes uint64)          { f.limitCwndCalls = append(f.limitCwndCalls, maxBytes) }
func (f *fakeSender) CanSend(uint64) bool                { return f.canSend }
func (f *fakeSender) PacingRate(uint64, *rttstats.RTTStats) Bandwidth { return f.rate }
func (f *fakeSender) BandwidthEstimate(*rttstats.RTTStats) Bandwidth  { return f.bandwidth }
func (f *fakeSender) GetCongestionWindow() uint64        { return f.cwndBytes }
func (f *fakeSender) GetCongestionWindowInPackets() uint64 { return f.cwndPackets }
func (f *fakeSender) IsInRecovery() bool                 { return f.inRecovery }
func (f *fakeSender) IsCwndLimited(uint64) bool          { return f.cwndLimited }

func TestDisabledPacerIsPassThrough(t *testing.T) {
	sender := newFakeSender()
	p := New(false, sender)

	decision := p.GetNextReleaseTime()
	if !decision.Time.IsImmediate() || !decision.AllowBurst {
		t.Fatalf("disabled pacer must always return Immediate+burst, got %+v", decision)
	}

	rtt := rttstats.New()
	p.OnPacketSent(time.Now(), 0, 1, 1200, true, rtt)
	if sender.sentCalls != 1 {
		t.Fatal("disabled pacer must still notify the sender")
	}

	again := p.GetNextReleaseTime()
	if !again.Time.IsImmediate() {
		t.Fatal("disabled pacer must never start tracking a release clock")
	}
}

func TestBurstNeverExceedsCongestionWindow(t *testing.T) {
	sender := newFakeSender()
	sender.cwndPackets = 3
	p := New(true, sender)
	rtt := rttstats.New()

	now := time.Now()
	var burstSends int
	for i := 0; i < InitialUnpacedBurst; i++ {
		before := p.burstTokens
		p.OnPacketSent(now, uint64(i)*1200, uint64(i), 1200, true, rtt)
		if p.burstTokens < before {
			burstSends++
		}
	}

	if burstSends > 3 {
		t.Errorf("burst sends = %d, must not exceed cwnd in packets (3)", burstSends)
	}
}

func TestLossCancelsBurstCredit(t *testing.T) {
	sender := newFakeSender()
	p := New(true, sender)
	p.burstTokens = 5

	p.OnCongestionEvent(false, 0, 0, time.Now(), nil, []Lost{{PacketNumber: 1, Bytes: 1200}}, 0, rttstats.New(), &RecoveryStats{})

	if p.burstTokens != 0 {
		t.Errorf("burstTokens = %d after loss, want 0", p.burstTokens)
	}
}

func TestReleaseClockIsMonotone(t *testing.T) {
	sender := newFakeSender()
	sender.cwndPackets = 1
	p := New(true, sender)
	rtt := rttstats.New()

	now := time.Now()
	// Exhaust burst tokens first.
	p.burstTokens = 0
	p.lumpyTokens = 0

	p.OnPacketSent(now, 1000, 1, 1200, true, rtt)
	first := p.idealNextPacketSendTime

	p.OnPacketSent(now.Add(-time.Hour), 1000, 2, 1200, true, rtt)
	second := p.idealNextPacketSendTime

	if second.Time().Before(first.Time()) {
		t.Errorf("release clock moved backward: first=%v second=%v", first.Time(), second.Time())
	}
}

func TestNonRetransmissiblePacketsAreInert(t *testing.T) {
	sender := newFakeSender()
	p := New(true, sender)
	rtt := rttstats.New()

	before := p.GetNextReleaseTime()
	p.OnPacketSent(time.Now(), 0, 1, 1200, false, rtt)
	after := p.GetNextReleaseTime()

	if !before.Time.Equal(after.Time) {
		t.Error("a non-retransmissible send must not perturb the release clock")
	}
	if sender.sentCalls != 1 {
		t.Error("the sender must still observe the non-retransmissible send")
	}
}

func TestMaxPacingRateCapsEffectiveRate(t *testing.T) {
	sender := newFakeSender()
	sender.rate = BandwidthFromKBitsPerSecond(100_000)
	cap := BandwidthFromKBitsPerSecond(5_000)
	p := New(true, sender, WithMaxPacingRate(cap))

	got := p.PacingRate(0, rttstats.New())
	if got != cap {
		t.Errorf("PacingRate() = %v, want capped %v", got, cap)
	}
}

func TestReleaseClockCatchesUpToSentTime(t *testing.T) {
	sender := newFakeSender()
	sender.cwndPackets = 1
	p := New(true, sender)
	p.burstTokens = 0
	p.lumpyTokens = 0
	rtt := rttstats.New()

	past := time.Now().Add(-time.Second)
	p.idealNextPacketSendTime = At(past)

	now := time.Now()
	p.OnPacketSent(now, 1000, 1, 1200, true, rtt)

	if p.idealNextPacketSendTime.Time().Before(now) {
		t.Error("SetMax must pull the release clock forward to at least sentTime")
	}
}

// Scenario S1 from the specification: a connection leaving quiescence gets
// an immediate burst up to InitialUnpacedBurst, clamped to cwnd in packets.
func TestScenarioQuiescenceExitBurst(t *testing.T) {
	sender := newFakeSender()
	sender.cwndPackets = 10
	p := New(true, sender)
	rtt := rttstats.New()

	now := time.Now()
	p.OnPacketSent(now, 0, 1, 1200, true, rtt)

	decision := p.GetNextReleaseTime()
	if !decision.Time.IsImmediate() {
		t.Error("first packet out of quiescence should release immediately")
	}
	if p.burstTokens != InitialUnpacedBurst-1 {
		t.Errorf("burstTokens = %d, want %d", p.burstTokens, InitialUnpacedBurst-1)
	}
}

// Scenario S7: a 5Mbps cap with a 1.25x headroom factor over a 50ms RTT
// yields roughly a 39KB congestion window limit.
func TestScenarioRateCapCwndLimit(t *testing.T) {
	sender := newFakeSender()
	cap := BandwidthFromKBitsPerSecond(5_000)
	p := New(true, sender, WithMaxPacingRate(cap))

	rtt := rttstats.New()
	rtt.Update(50 * time.Millisecond)

	p.OnCongestionEvent(true, 0, 0, time.Now(), nil, nil, 0, rtt, &RecoveryStats{})

	if len(sender.limitCwndCalls) != 1 {
		t.Fatalf("LimitCwnd calls = %d, want 1", len(sender.limitCwndCalls))
	}
	got := sender.limitCwndCalls[0]
	want := uint64(39062)
	if diff := int64(got) - int64(want); diff < -200 || diff > 200 {
		t.Errorf("LimitCwnd(%d), want ~%d", got, want)
	}
}

func TestLowBandwidthClampsLumpyTokensToOne(t *testing.T) {
	sender := newFakeSender()
	sender.bandwidth = BandwidthFromKBitsPerSecond(500)
	sender.cwndPackets = 10
	p := New(true, sender)
	p.burstTokens = 0
	rtt := rttstats.New()

	p.OnPacketSent(time.Now(), 1000, 1, 1200, true, rtt)

	if p.lumpyTokens != 0 {
		t.Errorf("lumpyTokens after low-bandwidth single-token consumption = %d, want 0", p.lumpyTokens)
	}
}

func TestCwndLimitedClampsLumpyTokensToOne(t *testing.T) {
	sender := newFakeSender()
	sender.cwndBytes = 1200
	sender.cwndPackets = 10
	p := New(true, sender)
	p.burstTokens = 0
	rtt := rttstats.New()

	p.OnPacketSent(time.Now(), 1000, 1, 1200, true, rtt)

	if p.lumpyTokens != 0 {
		t.Errorf("lumpyTokens when already at cwnd edge = %d, want 0", p.lumpyTokens)
	}
}

func TestOnAppLimitedResetsPacingLimited(t *testing.T) {
	sender := newFakeSender()
	p := New(true, sender)
	p.pacingLimited = true

	p.OnAppLimited(0)

	if p.pacingLimited {
		t.Error("OnAppLimited should reset pacingLimited to false")
	}
	if sender.appLimitedCalls != 1 {
		t.Error("OnAppLimited should forward to the wrapped sender")
	}
}

func TestTelemetryFallsBackWhenUnimplemented(t *testing.T) {
	sender := newFakeSender()
	p := New(true, sender)

	if got := p.StateStr(); got != "" {
		t.Errorf("StateStr() = %q, want empty for a non-telemetry sender", got)
	}
	if _, ok := p.Ssthresh(); ok {
		t.Error("Ssthresh() ok should be false for a non-telemetry sender")
	}
}
