package tracker

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a tracked job.
type Status string

// Job status values.
const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusProcessing   Status = "processing"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusIdle,
	StatusInitializing,
	StatusProcessing,
	StatusPaused,
	StatusCompleted,
	StatusError,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the lifecycle. Error is terminal unless
// the recovery flow resets the job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Job is one tracked background scraping task.
type Job struct {
	ID                     string          `json:"id"`
	URL                    string          `json:"url"`
	MaxResults             int             `json:"max_results"`
	Status                 Status          `json:"status"`
	Progress               float64         `json:"progress"`
	CurrentStep            string          `json:"current_step"`
	ProcessedItems         int             `json:"processed_items"`
	TotalItems             int             `json:"total_items"`
	EstimatedTimeRemaining *time.Duration  `json:"estimated_time_remaining,omitempty"`
	Errors                 []string        `json:"errors"`
	IsPaused               bool            `json:"is_paused"`
	CreatedAt              time.Time       `json:"created_at"`
	StartTime              *time.Time      `json:"start_time,omitempty"`
	EndTime                *time.Time      `json:"end_time,omitempty"`
	Results                json.RawMessage `json:"results,omitempty"`
	RetryCount             int             `json:"retry_count"`
}

// Clone returns a deep copy so callers never share mutable state with the
// registry.
func (j Job) Clone() Job {
	cp := j
	if j.EstimatedTimeRemaining != nil {
		eta := *j.EstimatedTimeRemaining
		cp.EstimatedTimeRemaining = &eta
	}
	if j.StartTime != nil {
		ts := *j.StartTime
		cp.StartTime = &ts
	}
	if j.EndTime != nil {
		ts := *j.EndTime
		cp.EndTime = &ts
	}
	if j.Errors != nil {
		cp.Errors = append([]string(nil), j.Errors...)
	}
	if j.Results != nil {
		cp.Results = append(json.RawMessage(nil), j.Results...)
	}
	return cp
}

// LastError returns the most recent error message or "".
func (j Job) LastError() string {
	if len(j.Errors) == 0 {
		return ""
	}
	return j.Errors[len(j.Errors)-1]
}

// Matches reports whether the job was created with the given parameters.
func (j Job) Matches(url string, maxResults int) bool {
	return j.URL == url && j.MaxResults == maxResults
}
