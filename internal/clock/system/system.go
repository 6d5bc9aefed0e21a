// Package system is the wall-clock implementation of crawler.Clock used by
// the scraping server's reaper and the facade's response cache.
package system

import "time"

// Clock reads the real time. Timestamps are UTC so reaping and cache expiry
// compare values from one location.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After fires once d has elapsed.
func (Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
