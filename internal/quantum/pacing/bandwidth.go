// Package pacing implements the packet pacer that sits between a Quantum
// congestion controller and the transmission layer, spreading outbound
// packets over time so the aggregate send rate tracks the congestion
// controller's estimate while still permitting small bursts.
package pacing

import "time"

// Bandwidth is a non-negative rate expressed in bytes per second.
type Bandwidth uint64

const (
	bytesPerSecondUnit = 1
	bitsPerByte        = 8
)

// BandwidthFromBitsPerSecond constructs a Bandwidth from a bits/second rate.
func BandwidthFromBitsPerSecond(bps uint64) Bandwidth {
	return Bandwidth(bps / bitsPerByte)
}

// BandwidthFromKBitsPerSecond constructs a Bandwidth from a kilobits/second
// rate, matching the "kbps" constants used throughout the pacing literature
// (e.g. the 1200 kbps lumpy-pacing clamp).
func BandwidthFromKBitsPerSecond(kbps uint64) Bandwidth {
	return BandwidthFromBitsPerSecond(kbps * 1000)
}

// BandwidthFromBytesPerPeriod constructs a Bandwidth from a byte count
// delivered over a duration.
func BandwidthFromBytesPerPeriod(bytes uint64, period time.Duration) Bandwidth {
	if period <= 0 {
		return 0
	}
	return Bandwidth(float64(bytes) / period.Seconds())
}

// Mul scales the bandwidth by a dimensionless factor (e.g. the 1.25 pacing
// headroom used by the rate cap).
func (b Bandwidth) Mul(factor float64) Bandwidth {
	if factor <= 0 {
		return 0
	}
	return Bandwidth(float64(b) * factor)
}

// TransferTime returns the time needed to push bytes at this rate. A zero
// rate yields a zero duration rather than dividing by zero: callers that
// need a real transfer time must guarantee a positive rate first.
func (b Bandwidth) TransferTime(bytes uint64) time.Duration {
	if b == 0 {
		return 0
	}
	seconds := float64(bytes) / float64(b)
	return time.Duration(seconds * float64(time.Second))
}

// ToBytesPerPeriod returns the byte budget available over the given
// duration at this rate.
func (b Bandwidth) ToBytesPerPeriod(period time.Duration) uint64 {
	if period <= 0 {
		return 0
	}
	return uint64(float64(b) * period.Seconds())
}

// Min returns the smaller of b and other.
func (b Bandwidth) Min(other Bandwidth) Bandwidth {
	if other < b {
		return other
	}
	return b
}

// MBitsPerSecond reports the bandwidth in megabits/second, for telemetry
// and the Statistics() maps the rest of the quantum subsystem exposes.
func (b Bandwidth) MBitsPerSecond() float64 {
	return float64(b) * bitsPerByte / 1_000_000
}
