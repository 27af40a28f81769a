// Package identity provides the time source and unique-ID generation shared
// by all components. Components accept a Clock so tests can control time;
// production wiring uses SystemClock.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts the monotonic time source used for timestamps, backoff
// scheduling, and staleness checks.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	Current time.Time
}

func (f *FakeClock) Now() time.Time { return f.Current }

// Advance moves the fake clock forward.
func (f *FakeClock) Advance(d time.Duration) { f.Current = f.Current.Add(d) }

// NewID returns a new unique identifier for tasks and workflow states.
// Worker IDs are supplied by the registering process and never generated here.
func NewID() string {
	return uuid.NewString()
}
