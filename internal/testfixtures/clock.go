package testfixtures

import (
	"sync"
	"time"

	"github.com/example/campus-scheduler/internal/application"
)

// Clock is a controllable time source for tests. Readings are truncated to
// the millisecond, the resolution of record ids and audit timestamps.
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

// NewClock returns a clock set to start, or to ReferenceTime when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	return &Clock{current: start.UTC().Truncate(time.Millisecond)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NowFunc exposes Now for injection into services.
func (c *Clock) NowFunc() func() time.Time {
	if c == nil {
		return time.Now
	}
	return c.Now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t.UTC().Truncate(time.Millisecond)
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d).Truncate(time.Millisecond)
	return c.current
}

// Current is Now without the injection-friendly name.
func (c *Clock) Current() time.Time {
	return c.Now()
}

// Millis is the Unix millisecond reading used in generated record ids.
func (c *Clock) Millis() int64 {
	return c.Now().UnixMilli()
}

// Timestamp formats the current instant as a record audit timestamp.
func (c *Clock) Timestamp() string {
	return application.FormatTimestamp(c.Now())
}
