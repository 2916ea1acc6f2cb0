// Package cmd defines and implements the CLI commands for the jobtracker executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/config"
	"github.com/JakeFAU/scrape-job-tracker/internal/controller"
	"github.com/JakeFAU/scrape-job-tracker/internal/recovery"
	"github.com/JakeFAU/scrape-job-tracker/internal/server"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Tracker is the part of the controller the CLI drives.
type Tracker interface {
	Start(ctx context.Context, req controller.StartRequest) (tracker.Job, error)
	Job(id string) (tracker.Job, bool)
	ErrorView(id string) (recovery.ErrorView, bool)
}

// App defines the application interface that commands will use.
type App interface {
	Run(ctx context.Context) error
	Start(ctx context.Context) (controller.InitReport, error)
	Tracker() Tracker
	Close(ctx context.Context) error
}

type serverApp struct {
	*server.App
}

func (a serverApp) Tracker() Tracker { return a.Controller() }

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{app}, nil
}

type rootOptions struct {
	configFile string
	envFile    string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "jobtracker",
		Short: "Tracks long-running scraping jobs on a remote backend.",
		Long: `jobtracker starts scraping jobs on a remote backend and follows them to
completion. It keeps a registry of jobs, receives progress over a poll or push
channel, classifies failures and retries them according to per-category
policies, and restores the active job after a restart.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			return appInstance.Close(context.Background())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config; ignored when missing")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStartCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
