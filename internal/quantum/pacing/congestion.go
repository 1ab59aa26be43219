package pacing

import (
	"time"

	"github.com/aetherflow/quantumpacer/internal/quantum/rttstats"
)

// Acked describes a packet the congestion controller learned was delivered.
type Acked struct {
	PacketNumber uint64
	Bytes        uint64
}

// Lost describes a packet the congestion controller learned was lost.
type Lost struct {
	PacketNumber uint64
	Bytes        uint64
}

// RecoveryStats accumulates counters the congestion controller updates
// while processing a congestion event (e.g. total retransmissions). It is
// mutated in place by Congestion.OnCongestionEvent, mirroring a recovery
// statistics struct passed by reference.
type RecoveryStats struct {
	LossEvents      uint64
	BytesLost       uint64
	Retransmissions uint64
}

// Congestion is the capability set the Pacer requires from a wrapped
// congestion controller (BBR, Cubic, Reno, ...). The congestion algorithm
// itself, and RTT estimation, are out of scope for this package: Congestion
// is a collaborator interface, and *bbr.BBR is the one concrete
// implementation in this repository.
type Congestion interface {
	OnPacketSent(sentTime time.Time, bytesInFlight uint64, packetNumber uint64, bytes uint64, isRetransmissible bool, rtt *rttstats.RTTStats)
	OnCongestionEvent(rttUpdated bool, priorInFlight, bytesInFlight uint64, eventTime time.Time, acked []Acked, lost []Lost, leastUnacked uint64, rtt *rttstats.RTTStats, recovery *RecoveryStats)
	OnPacketNeutered(packetNumber uint64)
	OnRetransmissionTimeout(packetsRetransmitted bool)
	OnAppLimited(bytesInFlight uint64)
	UpdateMSS(newMSS uint64)
	LimitCwnd(maxBytes uint64)

	CanSend(bytesInFlight uint64) bool
	PacingRate(bytesInFlight uint64, rtt *rttstats.RTTStats) Bandwidth
	BandwidthEstimate(rtt *rttstats.RTTStats) Bandwidth
	GetCongestionWindow() uint64
	GetCongestionWindowInPackets() uint64
	IsInRecovery() bool
	IsCwndLimited(bytesInFlight uint64) bool
}

// TelemetryCongestion is an optional extension some congestion controllers
// satisfy to expose qlog-style debug telemetry. The Pacer falls back to
// empty/zero values when the wrapped Congestion does not implement it,
// rather than requiring every implementation to carry dead methods.
type TelemetryCongestion interface {
	StateStr() string
	Ssthresh() (uint64, bool)
}
