// Package publisher announces job lifecycle outcomes to other systems.
// A Notifier listens to registry changes and publishes a Notification when a
// job completes, fails, or is dismissed.
package publisher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/registry"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// Publisher sends a payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification statuses.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusDismissed = "dismissed"
)

// Notification is the published payload.
type Notification struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	URL       string    `json:"url"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Topic   string
	Timeout time.Duration
	Clock   tracker.Clock
	Logger  *zap.Logger
}

// Notifier turns registry changes into published notifications. Publishing
// happens off the caller's goroutine; Close waits for in-flight publishes.
type Notifier struct {
	pub     Publisher
	topic   string
	timeout time.Duration
	clock   tracker.Clock
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewNotifier builds a Notifier.
func NewNotifier(pub Publisher, cfg NotifierConfig) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Notifier{
		pub:     pub,
		topic:   cfg.Topic,
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Handle is a registry.Listener.
func (n *Notifier) Handle(c registry.Change) {
	note, ok := n.notification(c)
	if !ok {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		id, err := n.pub.Publish(ctx, n.topic, note)
		if err != nil {
			n.logger.Warn("publish job notification",
				zap.String("job_id", note.JobID),
				zap.String("status", note.Status),
				zap.Error(err),
			)
			return
		}
		n.logger.Debug("job notification published",
			zap.String("job_id", note.JobID),
			zap.String("status", note.Status),
			zap.String("message_id", id),
		)
	}()
}

// Close stops accepting changes and waits for pending publishes or ctx.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) notification(c registry.Change) (Notification, bool) {
	var status string
	switch {
	case c.Kind == registry.ChangeDeleted:
		status = StatusDismissed
	case c.Kind == registry.ChangeUpdated && c.Previous != c.Job.Status:
		switch c.Job.Status {
		case tracker.StatusCompleted:
			status = StatusCompleted
		case tracker.StatusError:
			status = StatusError
		default:
			return Notification{}, false
		}
	default:
		return Notification{}, false
	}

	note := Notification{
		JobID:     c.JobID,
		Status:    status,
		URL:       c.Job.URL,
		Progress:  c.Job.Progress,
		Timestamp: n.now(),
	}
	if status == StatusError && len(c.Job.Errors) > 0 {
		note.Error = c.Job.Errors[len(c.Job.Errors)-1]
	}
	return note, true
}

func (n *Notifier) now() time.Time {
	if n.clock != nil {
		return n.clock.Now().UTC()
	}
	return time.Now().UTC()
}
