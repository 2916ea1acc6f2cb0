package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/progress"
	"github.com/JakeFAU/scrape-job-tracker/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Progress ticks
// are collapsed to the latest value per job within a batch.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type pendingProgress struct {
	progress float64
	step     string
	at       time.Time
}

// Consume forwards the batch to the repository. It respects ctx deadlines and
// returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[string]pendingProgress)
	order := make([]string, 0)

	flush := func(jobID string) error {
		p, ok := pending[jobID]
		if !ok {
			return nil
		}
		delete(pending, jobID)
		if err := s.repo.RecordProgress(ctx, jobID, p.progress, p.step, p.at); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		return nil
	}

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			if err := s.repo.StartRun(ctx, evt.JobID, evt.URL, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageJobProgress:
			if _, ok := pending[evt.JobID]; !ok {
				order = append(order, evt.JobID)
			}
			pending[evt.JobID] = pendingProgress{progress: evt.Progress, step: evt.Step, at: evt.TS}
		case progress.StageJobDone, progress.StageJobError, progress.StageJobDeleted:
			if err := flush(evt.JobID); err != nil {
				return err
			}
			if err := s.finish(ctx, evt); err != nil {
				return err
			}
		}
	}
	for _, jobID := range order {
		if err := flush(jobID); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) finish(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	switch evt.Stage {
	case progress.StageJobError:
		status = store.RunError
		if evt.Note != "" {
			msg := evt.Note
			note = &msg
		}
	case progress.StageJobDeleted:
		status = store.RunDismissed
	}
	if err := s.repo.FinishRun(ctx, evt.JobID, evt.TS, status, note); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
