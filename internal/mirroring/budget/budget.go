// Package budget holds the wall-clock deadline shared by one run.
package budget

import (
	"errors"
	"time"
)

// DefaultMaxDuration leaves headroom under a six hour job limit.
const DefaultMaxDuration = 5*time.Hour + 30*time.Minute

// ErrExpired is returned once the run deadline has passed.
var ErrExpired = errors.New("run budget expired")

// Budget is read-only after creation and checked before each unit of work.
type Budget struct {
	start    time.Time
	deadline time.Time
	now      func() time.Time
}

// New starts a budget of d from now. A non-positive d uses DefaultMaxDuration.
func New(d time.Duration) *Budget {
	return NewWithClock(d, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(d time.Duration, now func() time.Time) *Budget {
	if d <= 0 {
		d = DefaultMaxDuration
	}
	start := now()
	return &Budget{start: start, deadline: start.Add(d), now: now}
}

// Deadline returns the absolute deadline.
func (b *Budget) Deadline() time.Time {
	return b.deadline
}

// Expired reports whether the deadline has passed. A nil budget never expires.
func (b *Budget) Expired() bool {
	if b == nil {
		return false
	}
	return !b.now().Before(b.deadline)
}

// Remaining returns the time left, never negative.
func (b *Budget) Remaining() time.Duration {
	if b == nil {
		return time.Duration(1<<63 - 1)
	}
	r := b.deadline.Sub(b.now())
	if r < 0 {
		return 0
	}
	return r
}

// Elapsed returns the time since the budget started.
func (b *Budget) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}

// Check returns ErrExpired once the deadline has passed.
func (b *Budget) Check() error {
	if b.Expired() {
		return ErrExpired
	}
	return nil
}
