package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-job-tracker/internal/controller"
	"github.com/JakeFAU/scrape-job-tracker/internal/remote"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

type startOptions struct {
	maxResults int
	latitude   float64
	longitude  float64
	geo        bool
	identity   string
	interval   time.Duration
}

func newStartCmd() *cobra.Command {
	opts := &startOptions{}
	cmd := &cobra.Command{
		Use:   "start <url>",
		Short: "Starts a job and follows it until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, appInstance, opts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&opts.maxResults, "max-results", 100, "maximum number of results to collect")
	cmd.Flags().Float64Var(&opts.latitude, "lat", 0, "latitude scoping the scrape")
	cmd.Flags().Float64Var(&opts.longitude, "lon", 0, "longitude scoping the scrape")
	cmd.Flags().StringVar(&opts.identity, "identity", "", "user identity sent to the backend")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "how often to print progress")
	cmd.PreRun = func(cmd *cobra.Command, _ []string) {
		opts.geo = cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon")
	}
	return cmd
}

func runStart(ctx context.Context, app App, opts *startOptions, url string, out io.Writer) error {
	report, err := app.Start(ctx)
	if err != nil {
		return err
	}
	if report.ActiveID != "" {
		fmt.Fprintf(out, "resumed session with job %s\n", report.ActiveID)
	}

	req := controller.StartRequest{URL: url, MaxResults: opts.maxResults, UserIdentity: opts.identity}
	if opts.geo {
		req.Coordinates = &remote.Coordinates{Latitude: opts.latitude, Longitude: opts.longitude}
	}
	t := app.Tracker()
	job, err := t.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	fmt.Fprintf(out, "job %s started for %s\n", job.ID, job.URL)
	return follow(ctx, t, job.ID, opts.interval, out)
}

// follow prints progress until the job completes or fails without a
// scheduled retry.
func follow(ctx context.Context, t Tracker, id string, interval time.Duration, out io.Writer) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	// The retry countdown is scheduled by a listener that runs after the
	// error lands, so one unscheduled read is not yet final.
	settling := false
	for {
		job, ok := t.Job(id)
		if !ok {
			return fmt.Errorf("job %s was dismissed", id)
		}
		line := progressLine(job)
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		switch job.Status {
		case tracker.StatusCompleted:
			fmt.Fprintf(out, "job %s completed with %d items\n", id, job.ProcessedItems)
			return nil
		case tracker.StatusError:
			view, ok := t.ErrorView(id)
			if ok && view.RetryScheduled {
				settling = false
				break
			}
			if settling {
				return fmt.Errorf("job %s failed: %s", id, job.LastError())
			}
			settling = true
		default:
			settling = false
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				fmt.Fprintf(out, "stopped following job %s\n", id)
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func progressLine(job tracker.Job) string {
	line := fmt.Sprintf("[%s] %5.1f%% %d/%d", job.Status, job.Progress, job.ProcessedItems, job.TotalItems)
	if job.CurrentStep != "" {
		line += " " + job.CurrentStep
	}
	if job.EstimatedTimeRemaining != nil {
		line += fmt.Sprintf(" (eta %s)", job.EstimatedTimeRemaining.Round(time.Second))
	}
	if job.Status == tracker.StatusError {
		line += ": " + job.LastError()
	}
	return line
}
