package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageJobCreated  Stage = "JOB_CREATED"
	StageJobStart    Stage = "JOB_START"
	StageJobProgress Stage = "JOB_PROGRESS"
	StageJobPaused   Stage = "JOB_PAUSED"
	StageJobResumed  Stage = "JOB_RESUMED"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageJobReset    Stage = "JOB_RESET"
	StageJobDeleted  Stage = "JOB_DELETED"
)

// Event captures a single job lifecycle transition.
type Event struct {
	// JobID identifies the job in the registry.
	JobID string
	// TS is the timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the scrape target; it should not contain credentials.
	URL string
	// Progress is the stored percentage after the transition.
	Progress float64
	// Step is the advisory phase label.
	Step string
	// Dur is the job runtime for completion and error events.
	Dur time.Duration
	// Note carries low-volume context such as the error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobCreated, StageJobStart, StageJobProgress, StageJobPaused,
		StageJobResumed, StageJobDone, StageJobReset, StageJobDeleted:
	case StageJobError:
		if e.Note == "" {
			return errors.New("job error requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return errors.New("progress must be within [0,100]")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes a run.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobError
}
