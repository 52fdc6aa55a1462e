package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	statusJSON  bool
	statusLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded runs",
	Long: `Without arguments, list the most recent runs in the status store.
With a run id, show every node of that run and its artifact.

Run history is only available with a persistent store (store.path).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print as JSON")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of runs to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		st, err := a.svc.GetRunStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if statusJSON {
			return writeJSON(out, st)
		}
		printRun(out, st, true)
		printArtifact(out, st)
		return nil
	}

	runs, err := a.svc.Runs(ctx, statusLimit)
	if err != nil {
		return err
	}
	if statusJSON {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded. Run 'swarm run <graph-file>' to start one.")
		return nil
	}
	for _, st := range runs {
		printRun(out, st, false)
	}
	return nil
}
