package channel

import (
	"context"
	"sort"
	"time"

	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// Mode names a transport implementation.
type Mode string

// Transport modes.
const (
	ModePoll Mode = "poll"
	ModePush Mode = "push"
)

// Status reports a transport's health for observability.
type Status struct {
	Mode       Mode       `json:"mode"`
	Connected  bool       `json:"connected"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
	// Attempt counts consecutive failures since the last success. Active is
	// false once the transport stopped or gave up and needs Connect.
	Attempt    int    `json:"attempt"`
	Exhausted  bool   `json:"exhausted"`
	Active     bool   `json:"active"`
	Subscribed int    `json:"subscribed"`
	LastError  string `json:"last_error,omitempty"`
}

// Transport moves remote progress into the registry.
type Transport interface {
	// Connect starts delivering updates. Calling it again after exhaustion or
	// Disconnect restarts with a fresh backoff schedule.
	Connect(ctx context.Context) error
	// Disconnect stops delivery and cancels pending retries.
	Disconnect()
	// Refresh asks for an immediate update round.
	Refresh(ctx context.Context) error
	// Subscribe adds job ids to follow. Subscribing twice is a no-op.
	Subscribe(ids ...string)
	// Unsubscribe stops following job ids.
	Unsubscribe(ids ...string)
	Status() Status
}

// Jobs is the registry surface the transports use.
type Jobs interface {
	Target
	IDsByStatus(status tracker.Status) []string
}

// trackedIDs returns processing jobs plus subscribed jobs that are paused, sorted.
func trackedIDs(jobs Jobs, subscribed map[string]struct{}) []string {
	set := make(map[string]struct{})
	for _, id := range jobs.IDsByStatus(tracker.StatusProcessing) {
		set[id] = struct{}{}
	}
	for _, id := range jobs.IDsByStatus(tracker.StatusPaused) {
		if _, ok := subscribed[id]; ok {
			set[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
