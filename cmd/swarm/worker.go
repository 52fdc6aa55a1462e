package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/natsbus"
)

var (
	workerCaps        []string
	workerConcurrency int
	workerURL         string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve tasks for a remote scheduler over NATS",
	Long: `Connect to the scheduler's NATS server and execute assignments for the
given capabilities with the locally configured executors. Capabilities
routed to "nats" executors in the local config are skipped.

Several worker processes may serve the same capability; each assignment
goes to exactly one of them.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerCaps, "cap", nil, "Capabilities to serve (defaults to the configured capabilities)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 1, "Assignments executed at once")
	workerCmd.Flags().StringVar(&workerURL, "url", "", "NATS server URL (defaults to nats.url or the local embedded port)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	names := workerCaps
	if len(names) == 0 {
		names = cfg.Capabilities
	}
	caps, err := agent.ParseCapabilities(names)
	if err != nil {
		return err
	}

	url := workerURL
	if url == "" {
		url = cfg.NATS.URL
	}
	if url == "" {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATS.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := natsbus.NewClientFromURL(url)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer client.Close()

	pm := backend.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			slog.Warn("failed to kill subprocesses", "error", err)
		}
	}()

	exec, err := buildLocalExecutor(cfg, pm)
	if err != nil {
		return err
	}

	w := natsbus.NewWorker(client, exec, natsbus.WorkerConfig{
		Capabilities:  caps,
		Concurrency:   workerConcurrency,
		PulseInterval: cfg.PulseInterval.Std(),
	})
	slog.Info("worker connected", "url", url, "capabilities", names, "concurrency", workerConcurrency)
	return w.Run(ctx)
}

// buildLocalExecutor is buildExecutor without "nats" entries, which would
// send assignments straight back to the bus.
func buildLocalExecutor(cfg *config.SwarmConfig, pm *backend.ProcessManager) (backend.Executor, error) {
	local := *cfg
	local.Executors = make(map[string]config.ExecutorConfig, len(cfg.Executors))
	for key, ec := range cfg.Executors {
		if strings.EqualFold(ec.Type, "nats") {
			slog.Warn("skipping nats executor on a worker", "capability", key)
			continue
		}
		local.Executors[key] = ec
	}
	if len(local.Executors) == 0 {
		return nil, fmt.Errorf("no local executors configured")
	}
	return buildExecutor(&local, pm, nil)
}
