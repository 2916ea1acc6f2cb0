// Package channel keeps the registry in step with the remote system of record.
// Remote payloads are validated into typed updates at the transport boundary
// and applied through Apply, the single path shared by every transport.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/JakeFAU/scrape-job-tracker/internal/registry"
)

// RemoteTuple is the wire shape of one progress report from the backend.
type RemoteTuple struct {
	JobID          string          `json:"jobId"`
	Progress       *float64        `json:"progress,omitempty"`
	Step           string          `json:"step,omitempty"`
	Status         string          `json:"status"`
	Results        json.RawMessage `json:"results,omitempty"`
	Error          string          `json:"error,omitempty"`
	ProcessedItems *int            `json:"processedItems,omitempty"`
	TotalItems     *int            `json:"totalItems,omitempty"`
}

// Update is one of ProcessingUpdate, CompletedUpdate or ErrorUpdate.
type Update interface {
	Job() string
	sealed()
}

// ProcessingUpdate reports progress on a running job.
type ProcessingUpdate struct {
	JobID          string
	Progress       float64
	Step           string
	ProcessedItems *int
	TotalItems     *int
}

// CompletedUpdate reports a finished job.
type CompletedUpdate struct {
	JobID   string
	Results json.RawMessage
}

// ErrorUpdate reports a failed job.
type ErrorUpdate struct {
	JobID   string
	Message string
}

// Job returns the job id.
func (u ProcessingUpdate) Job() string { return u.JobID }

// Job returns the job id.
func (u CompletedUpdate) Job() string { return u.JobID }

// Job returns the job id.
func (u ErrorUpdate) Job() string { return u.JobID }

func (ProcessingUpdate) sealed() {}
func (CompletedUpdate) sealed()  {}
func (ErrorUpdate) sealed()      {}

// Decode errors.
var (
	ErrMissingJobID  = errors.New("tuple has no job id")
	ErrUnknownStatus = errors.New("tuple has unknown status")
	ErrBadProgress   = errors.New("tuple progress is not a finite number")
	ErrBadItemCount  = errors.New("tuple item counts must be non-negative")
)

const defaultRemoteError = "remote job failed"

// Decode validates t and converts it to an Update.
func Decode(t RemoteTuple) (Update, error) {
	id := strings.TrimSpace(t.JobID)
	if id == "" {
		return nil, ErrMissingJobID
	}
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case "processing", "running", "in_progress", "initializing", "pending", "queued":
		u := ProcessingUpdate{JobID: id, Step: t.Step}
		if t.Progress != nil {
			if math.IsNaN(*t.Progress) || math.IsInf(*t.Progress, 0) {
				return nil, ErrBadProgress
			}
			u.Progress = *t.Progress
		}
		if (t.ProcessedItems != nil && *t.ProcessedItems < 0) || (t.TotalItems != nil && *t.TotalItems < 0) {
			return nil, ErrBadItemCount
		}
		u.ProcessedItems = copyInt(t.ProcessedItems)
		u.TotalItems = copyInt(t.TotalItems)
		return u, nil
	case "completed", "complete", "done", "success":
		return CompletedUpdate{JobID: id, Results: append(json.RawMessage(nil), t.Results...)}, nil
	case "error", "failed", "failure":
		msg := strings.TrimSpace(t.Error)
		if msg == "" {
			msg = defaultRemoteError
		}
		return ErrorUpdate{JobID: id, Message: msg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, t.Status)
	}
}

// DecodeMessage parses a push payload holding one tuple or an array of tuples.
func DecodeMessage(data []byte) ([]RemoteTuple, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var tuples []RemoteTuple
		if err := json.Unmarshal(data, &tuples); err != nil {
			return nil, fmt.Errorf("decode tuple batch: %w", err)
		}
		return tuples, nil
	}
	var env struct {
		RemoteTuple
		Updates []RemoteTuple `json:"updates"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode tuple: %w", err)
	}
	if len(env.Updates) > 0 {
		return env.Updates, nil
	}
	return []RemoteTuple{env.RemoteTuple}, nil
}

// Target receives decoded updates. *registry.Registry satisfies it.
type Target interface {
	UpdateProgress(id string, u registry.ProgressUpdate) bool
	CompleteProgress(id string, results json.RawMessage) bool
	ErrorProgress(id, message string) bool
}

// Apply writes u to target and reports whether the registry changed. Updates
// for unknown jobs or invalid transitions are ignored by the registry.
func Apply(target Target, u Update) bool {
	switch u := u.(type) {
	case ProcessingUpdate:
		return target.UpdateProgress(u.JobID, registry.ProgressUpdate{
			Progress:       u.Progress,
			Step:           u.Step,
			ProcessedItems: u.ProcessedItems,
			TotalItems:     u.TotalItems,
		})
	case CompletedUpdate:
		return target.CompleteProgress(u.JobID, u.Results)
	case ErrorUpdate:
		return target.ErrorProgress(u.JobID, u.Message)
	default:
		return false
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
