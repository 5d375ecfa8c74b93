package model

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic logical clock used to stamp operation log entries.
//
// Wall-clock timestamps can collide or move backwards; Seq cannot. Stores
// seed the clock from the highest persisted value on open.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0. The first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// TimeLayout is the fixed-width UTC layout used for persisted timestamps.
// Fixed width keeps lexical order equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime. Empty input yields the
// zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeLayout, s)
}

// NowFunc returns the current time. Components take one so tests can pin it.
type NowFunc func() time.Time

// SystemNow is the production NowFunc.
func SystemNow() time.Time {
	return time.Now().UTC()
}
