package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/agent"
)

var (
	workersJSON bool
	registerCap []string
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers in the status store",
	Args:  cobra.NoArgs,
	RunE:  runWorkersList,
}

var workersRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an idle worker with the given capabilities",
	Args:  cobra.NoArgs,
	RunE:  runWorkersRegister,
}

var workersRetireCmd = &cobra.Command{
	Use:   "retire <worker-id>",
	Short: "Remove an idle, completed or failed worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersRetire,
}

func init() {
	workersCmd.Flags().BoolVar(&workersJSON, "json", false, "Print as JSON")
	workersRegisterCmd.Flags().StringSliceVar(&registerCap, "cap", nil, "Capabilities (repeatable or comma separated)")
	_ = workersRegisterCmd.MarkFlagRequired("cap")

	workersCmd.AddCommand(workersRegisterCmd)
	workersCmd.AddCommand(workersRetireCmd)
}

func runWorkersList(cmd *cobra.Command, args []string) error {
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

	pool := a.svc.Pool()
	workers, err := pool.Workers(ctx)
	if err != nil {
		return err
	}
	capacity, err := pool.Capacity(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if workersJSON {
		return writeJSON(out, map[string]any{"capacity": capacity, "workers": workers})
	}

	fmt.Fprintf(out, "%d running, %d idle, %d of %d slots available\n\n",
		capacity.Running, capacity.Idle, capacity.Available, capacity.Max)
	if len(workers) == 0 {
		fmt.Fprintln(out, "No workers registered.")
		return nil
	}
	for _, w := range workers {
		caps := make([]string, len(w.Capabilities))
		for i, c := range w.Capabilities {
			caps[i] = string(c)
		}
		line := fmt.Sprintf("%-36s %-13s %-24s", w.ID, color.New(workerStateColor(w.State)).Sprint(w.State), strings.Join(caps, ","))
		if w.CurrentTaskID != "" {
			line += " task " + w.CurrentTaskID
		}
		if !w.LastPulse.IsZero() {
			line += fmt.Sprintf(" pulse %s ago", time.Since(w.LastPulse).Round(time.Second))
		}
		if w.LastError != "" {
			line += "  " + color.RedString(w.LastError)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runWorkersRegister(cmd *cobra.Command, args []string) error {
	caps, err := agent.ParseCapabilities(registerCap)
	if err != nil {
		return err
	}
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

	rec, err := a.svc.Pool().Register(ctx, caps)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), "✓", "Registered worker "+rec.ID, color.FgGreen)
	return nil
}

func runWorkersRetire(cmd *cobra.Command, args []string) error {
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

	if err := a.svc.Pool().Retire(ctx, args[0]); err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), "✓", "Retired worker "+args[0], color.FgGreen)
	return nil
}
