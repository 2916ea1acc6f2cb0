package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/scrape-job-tracker/internal/progress"
)

// LogSink emits structured logs for every lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event. Progress ticks are logged at debug level since they
// dominate the stream.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageJobProgress:
			level = zapcore.DebugLevel
		case progress.StageJobError:
			level = zapcore.WarnLevel
		}
		if ce := s.logger.Check(level, "job lifecycle event"); ce != nil {
			ce.Write(
				zap.String("job_id", evt.JobID),
				zap.String("stage", string(evt.Stage)),
				zap.String("url", evt.URL),
				zap.Float64("progress", evt.Progress),
				zap.String("step", evt.Step),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
