package core

import (
	"sync"
	"time"
)

// TimestampLayout renders UTC instants with a fixed nine-digit fraction, so
// string order and time order agree.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts any RFC 3339 timestamp, including the shorter
// millisecond form other peers may emit.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Clock hands out strictly increasing timestamps.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock returns a Clock reading now, or the wall clock when now is nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a timestamp later than every previous result and later than
// after, which may be empty. Passing the updatedAt of the version being
// replaced keeps local edits winning over a peer whose clock runs ahead.
func (c *Clock) Next(after string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	if after != "" {
		if prev, err := ParseTimestamp(after); err == nil && !t.After(prev) {
			t = prev.UTC().Add(time.Nanosecond)
		}
	}
	c.last = t
	return FormatTimestamp(t)
}
