// Package clock provides monotonic timing helpers and request ID generation.
// All timestamps handed to other components come from here so that tests can
// reason about a single time source.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// NewRequestID returns a fresh UUIDv4 string for request correlation.
func NewRequestID() string {
	return uuid.NewString()
}

// ValidRequestID reports whether s is a parseable UUID. Used to decide whether
// an incoming X-Request-ID header can be trusted or must be replaced.
func ValidRequestID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Stopwatch measures elapsed time using the monotonic clock.
type Stopwatch struct {
	start time.Time
}

// NewStopwatch starts a stopwatch at the current instant.
func NewStopwatch() Stopwatch {
	return Stopwatch{start: time.Now()}
}

// Elapsed returns the time since the stopwatch was started.
func (s Stopwatch) Elapsed() time.Duration {
	return time.Since(s.start)
}

// ElapsedMs returns the elapsed time in whole milliseconds.
func (s Stopwatch) ElapsedMs() int64 {
	return s.Elapsed().Milliseconds()
}
