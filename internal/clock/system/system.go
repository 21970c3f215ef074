// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// Clock reports the current time in UTC with the monotonic reading stripped,
// so stored timestamps compare equal after a database round trip.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time truncated to microseconds, the precision
// Postgres keeps for timestamptz.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

var _ queue.Clock = Clock{}
