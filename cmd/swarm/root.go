package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/config"
)

var (
	configPath string
	verbose    bool
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Task graph scheduler for pools of capability-bound workers",
	Long: `Swarm runs directed acyclic graphs of tasks on a bounded pool of workers.

Each task names the capability it needs. Ready tasks are dispatched in
priority order to idle workers advertising that capability, worker
liveness is tracked through pulses, and the results of the terminal
tasks are aggregated into a single artifact per run.

Worker and run state live in a SQLite status store, so a restarted
scheduler can sweep stale workers and close interrupted runs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(os.Stderr)
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML), replaces .swarm/config.json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging installs the default slog handler. Logs go to --log-file
// when set, otherwise to w.
func setupLogging(w io.Writer) error {
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		w = f
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}

// quietLogging silences logs unless a log file was requested; the TUI
// owns the terminal.
func quietLogging() {
	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
}

// loadConfig reads the layered configuration, honouring --config.
func loadConfig() (*config.SwarmConfig, error) {
	return config.LoadWithProject(configPath)
}
