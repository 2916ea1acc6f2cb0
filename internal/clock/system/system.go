// Package system provides the wall-clock implementation of tracker.Clock.
package system

import (
	"time"

	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// Clock implements tracker.Clock using time.Now and time.AfterFunc.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs fn on its own goroutine once d elapses.
func (Clock) AfterFunc(d time.Duration, fn func()) tracker.Timer {
	return time.AfterFunc(d, fn)
}
