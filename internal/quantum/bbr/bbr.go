// Package bbr implements the BBR congestion control algorithm for the
// quantum transport.
// Based on Google's BBR algorithm: https://queue.acm.org/detail.cfm?id=3022184
package bbr

import (
	"sync"
	"time"

	"github.com/aetherflow/quantumpacer/internal/quantum/pacing"
	"github.com/aetherflow/quantumpacer/internal/quantum/rttstats"
	"go.uber.org/zap"
)

// State represents the current state of BBR
type State int

const (
	// StateStartup is the initial state where BBR aggressively probes for bandwidth
	StateStartup State = iota

	// StateDrain reduces the sending rate to drain the queue built up during startup
	StateDrain

	// StateProbeBW is the steady state where BBR probes for more bandwidth
	StateProbeBW

	// StateProbeRTT reduces inflight data to probe for minimum RTT
	StateProbeRTT
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StateDrain:
		return "DRAIN"
	case StateProbeBW:
		return "PROBE_BW"
	case StateProbeRTT:
		return "PROBE_RTT"
	default:
		return "UNKNOWN"
	}
}

const (
	// StartupGain is the pacing gain used during STARTUP
	StartupGain = 2.77

	// DrainGain is the pacing gain used during DRAIN
	DrainGain = 1.0 / StartupGain

	// ProbeBWCycleLen is the length of the PROBE_BW pacing-gain cycle
	ProbeBWCycleLen = 8

	// ProbeRTTDuration is how long to stay in PROBE_RTT
	ProbeRTTDuration = 200 * time.Millisecond

	// ProbeRTTInterval is the interval between PROBE_RTT states
	ProbeRTTInterval = 10 * time.Second

	// MinPipeCwnd is the minimum cwnd value (in packets)
	MinPipeCwnd = 4

	// HighGain is used to probe for bandwidth
	HighGain = 2.0

	// FullBandwidthThreshold is the threshold to consider bandwidth fully utilized
	// (no growth in 3 rounds)
	FullBandwidthThreshold = 1.25

	// DefaultMSS is the packet size assumed when a connection never calls
	// UpdateMSS.
	DefaultMSS = 1400
)

// ProbeBW gain cycle: alternate between probing higher and lower to find equilibrium
var probeBWGainCycle = []float64{1.25, 0.75, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0}

var _ pacing.Congestion = (*BBR)(nil)
var _ pacing.TelemetryCongestion = (*BBR)(nil)

// BBR implements the BBR congestion control algorithm, and satisfies
// pacing.Congestion so it can be wrapped by a pacing.Pacer.
type BBR struct {
	mu sync.RWMutex

	// State machine
	state        State
	stateEntryAt time.Time

	// Core BBR variables
	btlBw       uint64        // Bottleneck bandwidth (bytes/sec)
	rtProp      time.Duration // Round-trip propagation delay (minimum RTT)
	rtPropStamp time.Time     // Last time rtProp was updated

	// Pacing and windowing
	pacingRate uint64 // Current pacing rate (bytes/sec)
	sendWindow uint32 // Send window size (bytes)
	pacingGain float64
	cwndGain   float64

	// PROBE_BW cycle tracking
	cycleIndex int
	cycleStamp time.Time
	priorCwnd  uint32

	// Bandwidth probing
	bandwidthSamples []bandwidthSample
	lastSampleTime   time.Time
	roundCount       uint64

	// Full bandwidth detection (for STARTUP exit)
	fullBandwidthReached bool
	fullBandwidthCount   int
	lastBandwidthReached uint64

	// Statistics
	deliveredBytes uint64
	deliveredTime  time.Time

	// Configuration
	minRTT       time.Duration
	maxBandwidth uint64
	mss          uint64

	// Collaborator-interface bookkeeping (pacing.Congestion)
	bytesInFlight uint64
	limitedCwnd   uint64 // 0 means unset
	hasLimit      bool
	inRecovery    bool
	appLimited    bool

	log *zap.Logger
}

type bandwidthSample struct {
	bandwidth uint64
	rtt       time.Duration
	timestamp time.Time
}

// Config contains configuration for BBR
type Config struct {
	InitialCwnd  uint32        // Initial congestion window (packets)
	MinRTT       time.Duration // Minimum RTT hint
	MaxBandwidth uint64        // Maximum bandwidth hint (bytes/sec)
	MSS          uint64        // Assumed packet size; defaults to DefaultMSS
	Logger       *zap.Logger   // Defaults to zap.NewNop()
}

// DefaultConfig returns default BBR configuration
func DefaultConfig() *Config {
	return &Config{
		InitialCwnd:  10,
		MinRTT:       10 * time.Millisecond,
		MaxBandwidth: 100 * 1024 * 1024, // 100 MB/s
		MSS:          DefaultMSS,
	}
}

// NewBBR creates a new BBR congestion controller
func NewBBR(config *Config) *BBR {
	if config == nil {
		config = DefaultConfig()
	}
	mss := config.MSS
	if mss == 0 {
		mss = DefaultMSS
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	now := time.Now()

	bbr := &BBR{
		state:            StateStartup,
		stateEntryAt:     now,
		btlBw:            0,
		rtProp:           config.MinRTT,
		rtPropStamp:      now,
		pacingGain:       StartupGain,
		cwndGain:         StartupGain,
		cycleIndex:       0,
		cycleStamp:       now,
		bandwidthSamples: make([]bandwidthSample, 0, 10),
		lastSampleTime:   now,
		deliveredTime:    now,
		minRTT:           config.MinRTT,
		maxBandwidth:     config.MaxBandwidth,
		mss:              mss,
		log:              log,
	}

	bbr.sendWindow = config.InitialCwnd * uint32(mss)
	if bbr.rtProp > 0 {
		bbr.pacingRate = uint64(float64(bbr.sendWindow) / bbr.rtProp.Seconds())
	}

	return bbr
}

// OnPacketSent implements pacing.Congestion. BBR's bandwidth model is driven
// entirely by acknowledgments, so sending only updates in-flight accounting.
func (bbr *BBR) OnPacketSent(sentTime time.Time, bytesInFlightBefore uint64, packetNumber uint64, bytes uint64, isRetransmissible bool, rtt *rttstats.RTTStats) {
	bbr.mu.Lock()
	defer bbr.mu.Unlock()

	bbr.deliveredBytes += bytes
	bbr.bytesInFlight = bytesInFlightBefore + bytes
}

// OnCongestionEvent implements pacing.Congestion: it folds newly acked and
// lost packets into the bandwidth/RTT model, then re-runs the state machine.
func (bbr *BBR) OnCongestionEvent(rttUpdated bool, priorInFlight, bytesInFlight uint64, eventTime time.Time, acked []pacing.Acked, lost []pacing.Lost, leastUnacked uint64, rtt *rttstats.RTTStats, recovery *pacing.RecoveryStats) {
	bbr.mu.Lock()
	defer bbr.mu.Unlock()

	bbr.bytesInFlight = bytesInFlight

	if rttUpdated && rtt != nil && rtt.LatestRTT() > 0 {
		bbr.updateRTT(rtt.LatestRTT(), eventTime)
	}

	var ackedBytes uint64
	for _, a := range acked {
		ackedBytes += a.Bytes
	}
	if ackedBytes > 0 {
		bbr.updateBandwidth(uint32(ackedBytes), bbr.rtProp, eventTime)
		bbr.appLimited = false
	}

	if len(lost) > 0 {
		bbr.inRecovery = true
		if recovery != nil {
			recovery.LossEvents++
			for _, l := range lost {
				recovery.BytesLost += l.Bytes
			}
		}
		bbr.log.Debug("bbr: congestion event with loss", zap.Int("lost_packets", len(lost)))
	} else if ackedBytes > 0 {
		bbr.inRecovery = false
	}

	bbr.updateState(eventTime)
	bbr.updatePacingAndWindow()
}

// updateRTT updates the minimum RTT (rtProp)
func (bbr *BBR) updateRTT(rtt time.Duration, now time.Time) {
	if rtt < bbr.rtProp || now.Sub(bbr.rtPropStamp) > ProbeRTTInterval {
		bbr.rtProp = rtt
		bbr.rtPropStamp = now
	}
}

// updateBandwidth updates the bandwidth estimate
func (bbr *BBR) updateBandwidth(size uint32, rtt time.Duration, now time.Time) {
	timeDelta := now.Sub(bbr.lastSampleTime)
	if timeDelta <= 0 {
		return
	}

	bandwidth := uint64(float64(size) / timeDelta.Seconds())

	sample := bandwidthSample{
		bandwidth: bandwidth,
		rtt:       rtt,
		timestamp: now,
	}
	bbr.bandwidthSamples = append(bbr.bandwidthSamples, sample)

	if len(bbr.bandwidthSamples) > 10 {
		bbr.bandwidthSamples = bbr.bandwidthSamples[1:]
	}

	maxBw := uint64(0)
	for _, s := range bbr.bandwidthSamples {
		if s.bandwidth > maxBw {
			maxBw = s.bandwidth
		}
	}
	bbr.btlBw = maxBw

	bbr.lastSampleTime = now

	if bbr.state == StateStartup {
		bbr.checkFullBandwidth()
	}
}

// checkFullBandwidth checks if we've reached full bandwidth utilization
func (bbr *BBR) checkFullBandwidth() {
	if bbr.btlBw >= bbr.lastBandwidthReached*uint64(FullBandwidthThreshold*100)/100 {
		bbr.lastBandwidthReached = bbr.btlBw
		bbr.fullBandwidthCount = 0
	} else {
		bbr.fullBandwidthCount++
		if bbr.fullBandwidthCount >= 3 {
			bbr.fullBandwidthReached = true
		}
	}
}

// updateState updates the BBR state machine
func (bbr *BBR) updateState(now time.Time) {
	switch bbr.state {
	case StateStartup:
		if bbr.fullBandwidthReached {
			bbr.enterDrain(now)
		}

	case StateDrain:
		inflight := bbr.sendWindow
		bdp := bbr.calculateBDP()
		if inflight <= bdp {
			bbr.enterProbeBW(now)
		}

	case StateProbeBW:
		if now.Sub(bbr.rtPropStamp) > ProbeRTTInterval {
			bbr.enterProbeRTT(now)
		} else {
			bbr.updateProbeBWCycle(now)
		}

	case StateProbeRTT:
		if now.Sub(bbr.stateEntryAt) >= ProbeRTTDuration {
			bbr.enterProbeBW(now)
		}
	}
}

// enterDrain transitions to DRAIN state
func (bbr *BBR) enterDrain(now time.Time) {
	bbr.state = StateDrain
	bbr.stateEntryAt = now
	bbr.pacingGain = DrainGain
	bbr.cwndGain = 2.0
	bbr.log.Debug("bbr: entering DRAIN", zap.Uint64("btl_bw", bbr.btlBw))
}

// enterProbeBW transitions to PROBE_BW state
func (bbr *BBR) enterProbeBW(now time.Time) {
	bbr.state = StateProbeBW
	bbr.stateEntryAt = now
	bbr.cycleIndex = 0
	bbr.cycleStamp = now
	bbr.pacingGain = probeBWGainCycle[0]
	bbr.cwndGain = 2.0
	bbr.log.Debug("bbr: entering PROBE_BW")
}

// enterProbeRTT transitions to PROBE_RTT state
func (bbr *BBR) enterProbeRTT(now time.Time) {
	bbr.state = StateProbeRTT
	bbr.stateEntryAt = now
	bbr.pacingGain = 1.0
	bbr.cwndGain = 1.0
	bbr.priorCwnd = bbr.sendWindow
	bbr.log.Debug("bbr: entering PROBE_RTT")
}

// updateProbeBWCycle updates the PROBE_BW gain cycle
func (bbr *BBR) updateProbeBWCycle(now time.Time) {
	if now.Sub(bbr.cycleStamp) > bbr.rtProp {
		bbr.cycleIndex = (bbr.cycleIndex + 1) % ProbeBWCycleLen
		bbr.cycleStamp = now
		bbr.pacingGain = probeBWGainCycle[bbr.cycleIndex]
	}
}

// updatePacingAndWindow updates pacing rate and congestion window
func (bbr *BBR) updatePacingAndWindow() {
	if bbr.btlBw > 0 {
		bbr.pacingRate = uint64(float64(bbr.btlBw) * bbr.pacingGain)
	}

	bdp := bbr.calculateBDP()
	cwnd := uint32(float64(bdp) * bbr.cwndGain)

	minCwnd := uint32(MinPipeCwnd * bbr.mss)
	if cwnd < minCwnd {
		cwnd = minCwnd
	}

	bbr.sendWindow = cwnd
}

// calculateBDP calculates the bandwidth-delay product
func (bbr *BBR) calculateBDP() uint32 {
	if bbr.btlBw == 0 || bbr.rtProp == 0 {
		return uint32(MinPipeCwnd * bbr.mss)
	}
	bdp := uint64(float64(bbr.btlBw) * bbr.rtProp.Seconds())
	return uint32(bdp)
}

// effectiveCwnd is sendWindow clamped by any pacer-installed rate cap.
func (bbr *BBR) effectiveCwnd() uint64 {
	if bbr.hasLimit && bbr.limitedCwnd < uint64(bbr.sendWindow) {
		return bbr.limitedCwnd
	}
	return uint64(bbr.sendWindow)
}

// GetPacingRate returns the current pacing rate (bytes/sec)
func (bbr *BBR) GetPacingRate() uint64 {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bbr.pacingRate
}

// GetSendWindow returns the current send window (bytes)
func (bbr *BBR) GetSendWindow() uint32 {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bbr.sendWindow
}

// GetCwnd returns the current congestion window (packets)
func (bbr *BBR) GetCwnd() uint32 {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return uint32(uint64(bbr.sendWindow) / bbr.mss)
}

// GetState returns the current BBR state
func (bbr *BBR) GetState() State {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bbr.state
}

// GetBandwidth returns the estimated bottleneck bandwidth (bytes/sec)
func (bbr *BBR) GetBandwidth() uint64 {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bbr.btlBw
}

// GetRTT returns the minimum RTT
func (bbr *BBR) GetRTT() time.Duration {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bbr.rtProp
}

// OnPacketLost is a convenience entry point for callers tracking loss
// outside of a full OnCongestionEvent batch (BBR does not cut cwnd on loss;
// the signal already shows up via the bandwidth samples that stop arriving).
func (bbr *BBR) OnPacketLost(size uint32, now time.Time) {
	bbr.mu.Lock()
	defer bbr.mu.Unlock()
	bbr.inRecovery = true
}

// CalculatePacingDelay calculates the delay between sending packets of the
// given size at the current pacing rate.
func (bbr *BBR) CalculatePacingDelay(packetSize uint32) time.Duration {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()

	if bbr.pacingRate == 0 {
		return 0
	}
	delay := time.Duration(float64(packetSize) / float64(bbr.pacingRate) * float64(time.Second))
	return delay
}

// OnPacketNeutered implements pacing.Congestion. BBR keeps no per-packet
// bookkeeping beyond bytesInFlight, so neutering a packet number is a no-op.
func (bbr *BBR) OnPacketNeutered(packetNumber uint64) {}

// OnRetransmissionTimeout implements pacing.Congestion.
func (bbr *BBR) OnRetransmissionTimeout(packetsRetransmitted bool) {
	bbr.mu.Lock()
	defer bbr.mu.Unlock()
	if packetsRetransmitted {
		bbr.inRecovery = true
		bbr.log.Debug("bbr: retransmission timeout")
	}
}

// OnAppLimited implements pacing.Congestion: bandwidth samples taken while
// app-limited are not reliable evidence of the bottleneck's capacity.
func (bbr *BBR) OnAppLimited(bytesInFlight uint64) {
	bbr.mu.Lock()
	defer bbr.mu.Unlock()
	bbr.appLimited = true
	bbr.bytesInFlight = bytesInFlight
}

// UpdateMSS implements pacing.Congestion.
func (bbr *BBR) UpdateMSS(newMSS uint64) {
	bbr.mu.Lock()
	defer bbr.mu.Unlock()
	if newMSS > 0 {
		bbr.mss = newMSS
	}
}

// LimitCwnd implements pacing.Congestion: installs (or clears, with
// maxBytes==0) a pacer-driven ceiling on the congestion window.
func (bbr *BBR) LimitCwnd(maxBytes uint64) {
	bbr.mu.Lock()
	defer bbr.mu.Unlock()
	bbr.limitedCwnd = maxBytes
	bbr.hasLimit = maxBytes > 0
}

// CanSend implements pacing.Congestion.
func (bbr *BBR) CanSend(bytesInFlight uint64) bool {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bytesInFlight < bbr.effectiveCwnd()
}

// PacingRate implements pacing.Congestion.
func (bbr *BBR) PacingRate(bytesInFlight uint64, rtt *rttstats.RTTStats) pacing.Bandwidth {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return pacing.Bandwidth(bbr.pacingRate)
}

// BandwidthEstimate implements pacing.Congestion.
func (bbr *BBR) BandwidthEstimate(rtt *rttstats.RTTStats) pacing.Bandwidth {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return pacing.Bandwidth(bbr.btlBw)
}

// GetCongestionWindow implements pacing.Congestion (bytes, after any pacer
// rate cap).
func (bbr *BBR) GetCongestionWindow() uint64 {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bbr.effectiveCwnd()
}

// GetCongestionWindowInPackets implements pacing.Congestion.
func (bbr *BBR) GetCongestionWindowInPackets() uint64 {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bbr.effectiveCwnd() / bbr.mss
}

// IsInRecovery implements pacing.Congestion.
func (bbr *BBR) IsInRecovery() bool {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bbr.inRecovery
}

// IsCwndLimited implements pacing.Congestion.
func (bbr *BBR) IsCwndLimited(bytesInFlight uint64) bool {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bytesInFlight >= bbr.effectiveCwnd()
}

// StateStr implements pacing.TelemetryCongestion.
func (bbr *BBR) StateStr() string {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()
	return bbr.state.String()
}

// Ssthresh implements pacing.TelemetryCongestion. BBR has no slow-start
// threshold concept, so it always reports unavailable.
func (bbr *BBR) Ssthresh() (uint64, bool) {
	return 0, false
}

// Reset resets the BBR controller to initial state
func (bbr *BBR) Reset() {
	bbr.mu.Lock()
	defer bbr.mu.Unlock()

	now := time.Now()
	bbr.state = StateStartup
	bbr.stateEntryAt = now
	bbr.btlBw = 0
	bbr.rtProp = bbr.minRTT
	bbr.rtPropStamp = now
	bbr.pacingGain = StartupGain
	bbr.cwndGain = StartupGain
	bbr.cycleIndex = 0
	bbr.fullBandwidthReached = false
	bbr.fullBandwidthCount = 0
	bbr.lastBandwidthReached = 0
	bbr.bandwidthSamples = bbr.bandwidthSamples[:0]
	bbr.inRecovery = false
	bbr.appLimited = false
	bbr.hasLimit = false
	bbr.limitedCwnd = 0
}

// Statistics returns BBR statistics
func (bbr *BBR) Statistics() map[string]interface{} {
	bbr.mu.RLock()
	defer bbr.mu.RUnlock()

	return map[string]interface{}{
		"state":        bbr.state.String(),
		"btl_bw_mbps":  pacing.Bandwidth(bbr.btlBw).MBitsPerSecond(),
		"rtt_ms":       float64(bbr.rtProp.Microseconds()) / 1000,
		"pacing_rate":  bbr.pacingRate,
		"send_window":  bbr.sendWindow,
		"cwnd_packets": uint64(bbr.sendWindow) / bbr.mss,
		"pacing_gain":  bbr.pacingGain,
		"cwnd_gain":    bbr.cwndGain,
		"in_recovery":  bbr.inRecovery,
		"app_limited":  bbr.appLimited,
	}
}
