package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover the status store after a crash",
	Long: `Fail busy workers whose last pulse is older than worker_staleness,
recycle finished workers nobody holds, top the pool up to pool_size and
close runs a previous process left running.

Do not run this while another scheduler is using the same store.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.svc.Recover(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, sw := range rec.Swept {
		printStatus(out, "✗", fmt.Sprintf("Swept stale worker %s (task %s)", sw.Record.ID, sw.TaskID), color.FgRed)
	}
	for _, id := range rec.InterruptedRuns {
		printStatus(out, "⚠", "Closed interrupted run "+id, color.FgYellow)
	}
	printStatus(out, "✓", fmt.Sprintf("Released %d workers, registered %d", rec.Released, rec.Registered), color.FgGreen)
	return nil
}
