package pacing

import "time"

// ReleaseTime is the earliest instant at which the next paced packet may be
// transmitted. It is either Immediate (no delay) or pinned to a specific
// instant.
//
// inc is only ever called immediately after set_max(sentTime) in
// Pacer.OnPacketSent, so the stored instant is always valid by the time inc
// runs. We still define Inc on the Immediate state rather than asserting,
// per the Open Question in spec.md §9: there it is a no-op that leaves the
// value Immediate, and it does not produce sentTime+d, since this value type
// has no sent_time of its own to fall back on.
type ReleaseTime struct {
	immediate bool
	at        time.Time
}

// Immediate returns a ReleaseTime with no delay.
func Immediate() ReleaseTime {
	return ReleaseTime{immediate: true}
}

// At returns a ReleaseTime pinned to a specific instant.
func At(t time.Time) ReleaseTime {
	return ReleaseTime{at: t}
}

// IsImmediate reports whether the release time carries no delay.
func (r ReleaseTime) IsImmediate() bool {
	return r.immediate
}

// Time returns the pinned instant. Only meaningful when !IsImmediate().
func (r ReleaseTime) Time() time.Time {
	return r.at
}

// SetMax clamps the release time upward to t: if currently Immediate it
// becomes At(t); otherwise it becomes At(max(current, t)).
func (r ReleaseTime) SetMax(t time.Time) ReleaseTime {
	if r.immediate {
		return At(t)
	}
	if t.After(r.at) {
		return At(t)
	}
	return r
}

// Inc advances the release time by d. Called only after SetMax(sentTime) in
// practice, so the Immediate branch is unreachable in normal pacer
// operation; it is still defined, rather than asserted away, so the type
// remains total.
func (r ReleaseTime) Inc(d time.Duration) ReleaseTime {
	if r.immediate {
		return r
	}
	return At(r.at.Add(d))
}

// Equal reports whether two ReleaseTimes represent the same logical value.
// Used only by tests.
func (r ReleaseTime) Equal(other ReleaseTime) bool {
	if r.immediate != other.immediate {
		return false
	}
	if r.immediate {
		return true
	}
	return r.at.Equal(other.at)
}

// ReleaseDecision is the value the pacer returns to the send loop: an
// earliest release time plus whether a burst past that time is allowed.
type ReleaseDecision struct {
	Time       ReleaseTime
	AllowBurst bool
}
