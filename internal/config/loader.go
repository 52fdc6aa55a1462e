package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): SWARM_* environment variables,
// project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*SwarmConfig, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ProjectPath is the project config location relative to the working
// directory.
var ProjectPath = filepath.Join(".swarm", "config.json")

// GlobalPath returns ~/.swarm/config.json.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".swarm", "config.json"), nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.swarm/config.json
// Project: .swarm/config.json (relative to cwd)
// SWARM_CONFIG replaces the project path when set.
func LoadDefault() (*SwarmConfig, error) {
	return LoadWithProject("")
}

// LoadWithProject is LoadDefault with an explicit project path. An empty
// path falls back to SWARM_CONFIG and then to ProjectPath.
func LoadWithProject(projectPath string) (*SwarmConfig, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	if projectPath == "" {
		projectPath = ProjectPath
		if v := os.Getenv("SWARM_CONFIG"); v != "" {
			projectPath = v
		}
	}
	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON or YAML config file and merges it into the
// base config. Fields absent from the file keep their current values and
// executor entries are merged by key.
// Missing files are silently skipped.
func mergeConfigFile(base *SwarmConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // Missing file is not an error
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if isYAML(path) {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), base); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// applyEnv overrides settings from SWARM_* environment variables.
func applyEnv(cfg *SwarmConfig) error {
	if v := os.Getenv("SWARM_MAX_CONCURRENT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWARM_MAX_CONCURRENT_WORKERS: %w", err)
		}
		cfg.MaxConcurrentWorkers = n
	}
	if v := os.Getenv("SWARM_WORKER_STALENESS"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SWARM_WORKER_STALENESS: %w", err)
		}
		cfg.WorkerStaleness = Duration(d)
	}
	if v := os.Getenv("SWARM_TASK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SWARM_TASK_TIMEOUT: %w", err)
		}
		cfg.TaskTimeout = Duration(d)
	}
	if v := os.Getenv("SWARM_FAILURE_POLICY"); v != "" {
		cfg.FailurePolicy = v
	}
	if v := os.Getenv("SWARM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SWARM_NATS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWARM_NATS_PORT: %w", err)
		}
		cfg.NATS.Port = port
	}
	if v := os.Getenv("SWARM_NATS_URL"); v != "" {
		cfg.NATS.URL = v
		cfg.NATS.Enabled = true
	}
	if v := os.Getenv("SWARM_INBOX_DIR"); v != "" {
		cfg.Inbox.Dir = v
	}
	return nil
}

// Validate checks the configuration for values the scheduler cannot run
// with.
func (c *SwarmConfig) Validate() error {
	var errs []error

	if c.MaxConcurrentWorkers < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_workers must be at least 1, got %d", c.MaxConcurrentWorkers))
	}
	if c.PoolSize < 0 || c.PoolSize > c.MaxConcurrentWorkers {
		errs = append(errs, fmt.Errorf("pool_size must be between 0 and max_concurrent_workers, got %d", c.PoolSize))
	}
	if c.WorkerStaleness <= 0 {
		errs = append(errs, errors.New("worker_staleness must be positive"))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, errors.New("monitor_interval must be positive"))
	}
	if c.PulseInterval <= 0 || c.PulseInterval >= c.WorkerStaleness {
		errs = append(errs, fmt.Errorf("pulse_interval must be positive and shorter than worker_staleness (%s)", c.WorkerStaleness))
	}
	if c.AcquireRetries < 0 {
		errs = append(errs, fmt.Errorf("acquire_retries must not be negative, got %d", c.AcquireRetries))
	}
	if c.CancelGrace < 0 {
		errs = append(errs, errors.New("cancel_grace must not be negative"))
	}
	if _, err := scheduler.ParseFailurePolicy(c.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := scheduler.ParseAggregationKind(c.DefaultAggregationKind); err != nil {
		errs = append(errs, err)
	}
	if len(c.Capabilities) == 0 {
		errs = append(errs, errors.New("at least one capability is required"))
	} else if _, err := agent.ParseCapabilities(c.Capabilities); err != nil {
		errs = append(errs, err)
	}

	for key, e := range c.Executors {
		if key != FallbackExecutor {
			if _, err := agent.ParseCapability(key); err != nil {
				errs = append(errs, fmt.Errorf("executor %q: %w", key, err))
			}
		}
		switch strings.ToLower(e.Type) {
		case "echo":
		case "command":
			if e.Command == "" {
				errs = append(errs, fmt.Errorf("executor %q: command is required", key))
			}
		case "nats":
			if !c.NATS.Enabled {
				errs = append(errs, fmt.Errorf("executor %q: nats executor requires nats.enabled", key))
			}
		default:
			errs = append(errs, fmt.Errorf("executor %q: unknown type %q", key, e.Type))
		}
	}

	return errors.Join(errs...)
}
