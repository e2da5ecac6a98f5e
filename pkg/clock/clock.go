// Package clock provides a deterministic clock abstraction for Selene OS.
//
// GUARDRAIL: core logic packages MUST NOT call time.Now() directly. Inject a
// Clock instead so projections stay pure functions of the event stream —
// any time-dependent decision must embed the time into the event, not read
// the wall clock again on replay.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
	// UnixNano returns a nanosecond timestamp, used as event created_at.
	// Fixed returns a strictly increasing value on every call; Real
	// returns the wall clock's time.Now().UnixNano(), which does not
	// guarantee that two calls differ.
	UnixNano() int64
}

// Real uses the actual system clock. Use only at application entry points
// (cmd/*) — never inside internal/* packages.
type Real struct{}

// NewReal returns a Clock backed by the system clock.
func NewReal() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) UnixNano() int64 { return time.Now().UnixNano() }

// Fixed always returns the same instant, advancing only through Advance.
// Use for deterministic tests.
type Fixed struct {
	t   time.Time
	ctr int64
}

// NewFixed returns a Clock pinned to t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t}
}

func (f *Fixed) Now() time.Time { return f.t }

// UnixNano returns a strictly increasing value derived from the fixed
// instant, so idempotency/ordering tests can rely on monotonicity without
// depending on the real clock.
func (f *Fixed) UnixNano() int64 {
	f.ctr++
	return f.t.UnixNano() + f.ctr
}

// Advance moves the fixed instant forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.t = f.t.Add(d)
}

var (
	_ Clock = Real{}
	_ Clock = (*Fixed)(nil)
)
