package pacing

import (
	"time"

	"github.com/aetherflow/quantumpacer/internal/quantum/rttstats"
	"go.uber.org/zap"
)

const (
	// LumpyPacingCwndFraction is the congestion window fraction the pacer
	// allows in bursts during pacing.
	LumpyPacingCwndFraction = 0.25

	// LumpyPacingSize is the number of packets the pacer allows in bursts
	// during pacing, ignored when the flow's estimated bandwidth is below
	// LumpyPacingMinBandwidthKbps.
	LumpyPacingSize = 2

	// LumpyPacingMinBandwidthKbps is the minimum estimated bandwidth below
	// which the pacer will not allow lumpy bursts.
	LumpyPacingMinBandwidthKbps = 1200

	// InitialUnpacedBurst is the configured maximum size of the burst
	// coming out of quiescence. The burst never exceeds the current CWND
	// in packets.
	InitialUnpacedBurst = 10
)

// Recorder receives pacing telemetry. It is satisfied by
// internal/quantum/pacermetrics.Metrics; nil is a valid Recorder's worth of
// no-op (Pacer checks for nil before every call).
type Recorder interface {
	ObserveBurstSend()
	ObserveLumpyRefill(tokens int)
	ObserveLowBandwidthClamp()
	ObserveCwndLimitedClamp()
	ObservePacingDelay(d time.Duration)
}

// Pacer wraps a Congestion implementation and spreads outbound packets over
// time so the aggregate send rate tracks the congestion controller's
// estimate, while still permitting small bursts. One Pacer is owned
// exclusively by one connection path; all mutation must be serialized by
// the caller.
type Pacer struct {
	enabled bool
	sender  Congestion

	maxPacingRate    Bandwidth
	hasMaxPacingRate bool

	burstTokens      int
	initialBurstSize int
	lumpyTokens      int

	idealNextPacketSendTime ReleaseTime
	pacingLimited           bool

	log *zap.Logger
	rec Recorder
}

// Option configures a Pacer at construction time.
type Option func(*Pacer)

// WithLogger attaches a zap logger for pacing state-transition diagnostics.
// Defaults to zap.NewNop() when omitted.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pacer) { p.log = log }
}

// WithRecorder attaches a metrics Recorder. Defaults to nil (no telemetry).
func WithRecorder(rec Recorder) Option {
	return func(p *Pacer) { p.rec = rec }
}

// WithMaxPacingRate installs a hard cap on the pacer's effective rate.
func WithMaxPacingRate(rate Bandwidth) Option {
	return func(p *Pacer) {
		p.maxPacingRate = rate
		p.hasMaxPacingRate = true
	}
}

// New creates a Pacer wrapping sender. enabled=false turns the Pacer into a
// pass-through: every release decision is Immediate with bursting allowed.
func New(enabled bool, sender Congestion, opts ...Option) *Pacer {
	p := &Pacer{
		enabled:                 enabled,
		sender:                  sender,
		burstTokens:             InitialUnpacedBurst,
		initialBurstSize:        InitialUnpacedBurst,
		idealNextPacketSendTime: Immediate(),
		log:                     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetNextReleaseTime is a pure observation of when the next paced packet may
// leave; it does not mutate state.
func (p *Pacer) GetNextReleaseTime() ReleaseDecision {
	if !p.enabled {
		return ReleaseDecision{Time: Immediate(), AllowBurst: true}
	}
	return ReleaseDecision{
		Time:       p.idealNextPacketSendTime,
		AllowBurst: p.burstTokens > 0 || p.lumpyTokens > 0,
	}
}

// GetCongestionWindow passes through to the wrapped sender.
func (p *Pacer) GetCongestionWindow() uint64 {
	return p.sender.GetCongestionWindow()
}

// OnPacketSent is the core pacing algorithm: the sender always observes
// every send; the pacer's own bookkeeping (burst/lumpy tokens, the release
// clock) only applies to enabled pacers and retransmissible packets.
func (p *Pacer) OnPacketSent(sentTime time.Time, bytesInFlight uint64, packetNumber uint64, bytes uint64, isRetransmissible bool, rtt *rttstats.RTTStats) {
	p.sender.OnPacketSent(sentTime, bytesInFlight, packetNumber, bytes, isRetransmissible, rtt)

	if !p.enabled || !isRetransmissible {
		return
	}

	// Leaving quiescence (and not already in recovery): refill the burst
	// allowance, capped to the current CWND in packets.
	if bytesInFlight == 0 && !p.sender.IsInRecovery() {
		cwndPackets := p.sender.GetCongestionWindowInPackets()
		p.burstTokens = minInt(p.initialBurstSize, int(cwndPackets))
		p.log.Debug("pacer: quiescence exit burst refill", zap.Int("burst_tokens", p.burstTokens))
	}

	if p.burstTokens > 0 {
		p.burstTokens--
		p.idealNextPacketSendTime = Immediate()
		p.pacingLimited = false
		if p.rec != nil {
			p.rec.ObserveBurstSend()
		}
		return
	}

	// The next packet should be sent as soon as the current one has been
	// transferred. PacingRate is based on bytes in flight including this
	// packet.
	delay := p.PacingRate(bytesInFlight+bytes, rtt).TransferTime(bytes)

	if !p.pacingLimited || p.lumpyTokens == 0 {
		p.refreshLumpyTokens(bytesInFlight, bytes, rtt)
	}

	p.lumpyTokens--
	p.idealNextPacketSendTime = p.idealNextPacketSendTime.SetMax(sentTime).Inc(delay)
	if p.rec != nil {
		p.rec.ObservePacingDelay(delay)
	}

	// Stop making up for lost time if the underlying sender now forbids
	// sending further.
	p.pacingLimited = p.sender.CanSend(bytesInFlight + bytes)
}

// refreshLumpyTokens recomputes the lumpy pacing token count, applying the
// low-bandwidth and cwnd-limited clamps.
func (p *Pacer) refreshLumpyTokens(bytesInFlight, bytes uint64, rtt *rttstats.RTTStats) {
	cwndFraction := int(float64(p.sender.GetCongestionWindowInPackets()) * LumpyPacingCwndFraction)
	p.lumpyTokens = maxInt(1, minInt(LumpyPacingSize, cwndFraction))

	if p.sender.BandwidthEstimate(rtt) < BandwidthFromKBitsPerSecond(LumpyPacingMinBandwidthKbps) {
		// Below 1.2Mbps a single full-sized packet is already ~10ms of
		// queueing; don't compound that with a burst.
		p.lumpyTokens = 1
		if p.rec != nil {
			p.rec.ObserveLowBandwidthClamp()
		}
	}

	if bytesInFlight+bytes >= p.sender.GetCongestionWindow() {
		// Don't inflate the lump when already at the window edge.
		p.lumpyTokens = 1
		if p.rec != nil {
			p.rec.ObserveCwndLimitedClamp()
		}
	}

	if p.rec != nil {
		p.rec.ObserveLumpyRefill(p.lumpyTokens)
	}
}

// OnCongestionEvent forwards to the wrapped sender, then cancels the burst
// credit on loss and, when a max pacing rate is configured, re-clamps the
// sender's congestion window with 25% headroom so ack compression doesn't
// push the controller below the target rate.
func (p *Pacer) OnCongestionEvent(rttUpdated bool, priorInFlight, bytesInFlight uint64, eventTime time.Time, acked []Acked, lost []Lost, leastUnacked uint64, rtt *rttstats.RTTStats, recovery *RecoveryStats) {
	p.sender.OnCongestionEvent(rttUpdated, priorInFlight, bytesInFlight, eventTime, acked, lost, leastUnacked, rtt, recovery)

	if !p.enabled {
		return
	}

	if len(lost) > 0 {
		p.burstTokens = 0
		p.log.Debug("pacer: loss cancels burst credit", zap.Int("lost_packets", len(lost)))
	}

	if p.hasMaxPacingRate && rttUpdated {
		maxRate := p.maxPacingRate.Mul(1.25)
		maxCwnd := maxRate.ToBytesPerPeriod(rtt.SmoothedRTT())
		p.sender.LimitCwnd(maxCwnd)
		p.log.Debug("pacer: rate cap applied", zap.Uint64("max_cwnd_bytes", maxCwnd))
	}
}

// PacingRate reports the effective pacing rate: the sender's own rate,
// clamped to the configured cap when one is set and the pacer is enabled.
func (p *Pacer) PacingRate(bytesInFlight uint64, rtt *rttstats.RTTStats) Bandwidth {
	senderRate := p.sender.PacingRate(bytesInFlight, rtt)
	if p.enabled && p.hasMaxPacingRate {
		return p.maxPacingRate.Min(senderRate)
	}
	return senderRate
}

// BandwidthEstimate passes through to the wrapped sender.
func (p *Pacer) BandwidthEstimate(rtt *rttstats.RTTStats) Bandwidth {
	return p.sender.BandwidthEstimate(rtt)
}

// OnAppLimited passes through to the wrapped sender and resets
// pacing-limited so the next send starts a fresh lump.
func (p *Pacer) OnAppLimited(bytesInFlight uint64) {
	p.pacingLimited = false
	p.sender.OnAppLimited(bytesInFlight)
}

// UpdateMSS passes through to the wrapped sender.
func (p *Pacer) UpdateMSS(newMSS uint64) {
	p.sender.UpdateMSS(newMSS)
}

// OnPacketNeutered passes through to the wrapped sender.
func (p *Pacer) OnPacketNeutered(packetNumber uint64) {
	p.sender.OnPacketNeutered(packetNumber)
}

// OnRetransmissionTimeout passes through to the wrapped sender.
func (p *Pacer) OnRetransmissionTimeout(packetsRetransmitted bool) {
	p.sender.OnRetransmissionTimeout(packetsRetransmitted)
}

// StateStr returns the wrapped sender's debug state string, when it
// implements TelemetryCongestion.
func (p *Pacer) StateStr() string {
	if t, ok := p.sender.(TelemetryCongestion); ok {
		return t.StateStr()
	}
	return ""
}

// Ssthresh returns the wrapped sender's slow-start threshold, when it
// implements TelemetryCongestion.
func (p *Pacer) Ssthresh() (uint64, bool) {
	if t, ok := p.sender.(TelemetryCongestion); ok {
		return t.Ssthresh()
	}
	return 0, false
}

// IsAppLimited is a test-only observer: the send path is app-limited
// whenever it isn't cwnd-limited.
func (p *Pacer) IsAppLimited(bytesInFlight uint64) bool {
	return !p.IsCwndLimited(bytesInFlight)
}

// IsCwndLimited is a test-only observer: the send path is cwnd-limited when
// the previous send wasn't pacing-limited and the sender itself reports
// cwnd-limited.
func (p *Pacer) IsCwndLimited(bytesInFlight uint64) bool {
	return !p.pacingLimited && p.sender.IsCwndLimited(bytesInFlight)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
