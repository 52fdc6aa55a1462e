package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/tui"
)

var (
	serveTUI   bool
	serveInbox string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler as a long-lived service",
	Long: `Recover the status store, then keep running: the liveness monitor
sweeps stale workers and checkpoints active runs, and graph files dropped
into the inbox directory are submitted as new runs.

A submitted file is renamed to <name>.submitted, or <name>.rejected when
it cannot be parsed or validated. Write files elsewhere and rename them
into the inbox so they are never read half-written.

With NATS enabled every event is republished on events.swarm.<run-id>.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "Watch all runs in the terminal UI")
	serveCmd.Flags().StringVar(&serveInbox, "inbox", "", "Directory to watch for graph files (overrides inbox.dir)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveInbox != "" {
		cfg.Inbox.Dir = serveInbox
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.svc.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	slog.Info("scheduler ready",
		"swept", len(rec.Swept),
		"released", rec.Released,
		"registered", rec.Registered,
		"interrupted_runs", len(rec.InterruptedRuns),
		"inbox", cfg.Inbox.Dir,
	)
	a.bridge(ctx)

	serviceCtx, cancelService := context.WithCancel(ctx)
	defer cancelService()
	errChan := make(chan error, 1)
	go func() { errChan <- a.svc.Start(serviceCtx) }()

	if serveTUI {
		quietLogging()
		workers, _ := a.svc.Pool().Workers(ctx)
		program := tea.NewProgram(tui.New(a.svc.Bus(), "", workers), tea.WithAltScreen())
		if err := runProgram(ctx, program); err != nil {
			return err
		}
		cancelService()
		return <-errChan
	}

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C forces exit.
		stop()
		slog.Info("shutdown signal received, cleaning up")
		return <-errChan
	}
}
