// Package clock converts wall-clock time into policy days.
//
// A policy day is the number of whole UTC days since the unix epoch. Daily
// spend counters are keyed by it, so every replica agrees on where a day ends.
package clock

import (
	"sync"
	"time"
)

const dayLength = 24 * time.Hour

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

// System is the UTC wall clock
type System struct{}

// Now returns the current UTC time
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a settable clock for tests
type Fixed struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFixed creates a clock frozen at t
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t.UTC()}
}

// Now returns the frozen time
func (f *Fixed) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// Set moves the clock to t
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// Advance moves the clock forward by d
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// PolicyDay returns floor(unix seconds / 86400)
func PolicyDay(t time.Time) int64 {
	secs := t.Unix()
	day := secs / 86400
	if secs < 0 && secs%86400 != 0 {
		day--
	}
	return day
}

// NextReset returns the start of the next policy day
func NextReset(t time.Time) time.Time {
	return time.Unix((PolicyDay(t)+1)*86400, 0).UTC()
}

// UntilNextReset returns the time left in the current policy day
func UntilNextReset(t time.Time) time.Duration {
	return NextReset(t).Sub(t)
}

// StartOfDay returns the first instant of the given policy day
func StartOfDay(day int64) time.Time {
	return time.Unix(day*int64(dayLength/time.Second), 0).UTC()
}
