package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/tui"
)

var (
	runTUI     bool
	runJSON    bool
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <graph-file>",
	Short: "Execute a task graph and print its artifact",
	Long: `Load a graph definition (JSON or YAML), execute it on the worker pool
and print the aggregated artifact once every node is terminal.

Ctrl+C cancels the run: in-flight tasks get the configured grace period
to stop before their workers are released.`,
	Args: cobra.ExactArgs(1),
	RunE: runGraph,
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Watch the run in the terminal UI")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the final run status as JSON")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Cancel the run after this long (0 means no limit)")
}

func runGraph(cmd *cobra.Command, args []string) error {
	def, err := orchestrator.LoadGraphDefinition(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	if rec, err := a.svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	} else if len(rec.InterruptedRuns) > 0 || len(rec.Swept) > 0 {
		slog.Info("recovered previous state", "swept", len(rec.Swept), "released", rec.Released, "interrupted_runs", len(rec.InterruptedRuns))
	}
	a.bridge(ctx)

	var program *tea.Program
	if runTUI {
		quietLogging()
		workers, _ := a.svc.Pool().Workers(ctx)
		// The model subscribes before Submit so no event is missed.
		program = tea.NewProgram(tui.New(a.svc.Bus(), "", workers), tea.WithAltScreen())
	}

	runID, err := a.svc.Submit(ctx, def)
	if err != nil {
		return err
	}
	slog.Debug("run submitted", "run_id", runID, "name", def.Name)

	if runTimeout > 0 {
		timer := time.AfterFunc(runTimeout, func() {
			slog.Warn("run timed out, cancelling", "run_id", runID, "timeout", runTimeout)
			_ = a.svc.Cancel(runID)
		})
		defer timer.Stop()
	}

	if program != nil {
		if err := runProgram(ctx, program); err != nil {
			return err
		}
		// Quitting the UI early cancels whatever is left.
		_ = a.svc.Cancel(runID)
	}

	st, err := waitOrCancel(ctx, a.svc, runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runJSON {
		if err := writeJSON(out, st); err != nil {
			return err
		}
	} else {
		printRun(out, st, true)
		printArtifact(out, st)
	}
	if st.State != orchestrator.RunCompleted {
		return fmt.Errorf("run %s %s", runID, st.State)
	}
	return nil
}

// waitOrCancel waits for the run, cancelling it when ctx ends first and
// then waiting for the cancellation to settle.
func waitOrCancel(ctx context.Context, svc *orchestrator.Service, runID string) (*orchestrator.RunStatus, error) {
	st, err := svc.Wait(ctx, runID)
	if err == nil {
		return st, nil
	}
	if ctx.Err() == nil {
		return nil, err
	}

	fmt.Fprintln(os.Stderr, color.YellowString("Interrupted, cancelling run %s...", runID))
	if err := svc.Cancel(runID); err != nil {
		return nil, err
	}
	return svc.Wait(context.Background(), runID)
}

// runProgram runs the UI until the user quits or ctx is cancelled.
func runProgram(ctx context.Context, p *tea.Program) error {
	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		p.Quit()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case err := <-errChan:
			return err
		case <-shutdownCtx.Done():
			slog.Warn("shutdown timeout exceeded, forcing exit")
			return nil
		}
	}
}
