package config

// ExecutorConfig defines how tasks of one capability are executed.
// Executors are keyed by capability; the "*" key is the fallback used
// for every capability without its own entry.
type ExecutorConfig struct {
	Type    string   `json:"type" yaml:"type"`                           // "command", "echo" or "nats"
	Command string   `json:"command,omitempty" yaml:"command,omitempty"` // Binary to run, for "command"
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`       // Default args appended to every invocation
	WorkDir string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// StoreConfig locates the SQLite status store. An empty path keeps all
// state in memory.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// NATSConfig controls the embedded message bus used by remote workers
// and the event bridge.
type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"` // Connect to an external server instead of embedding one
}

// InboxConfig names the directory watched for graph files.
type InboxConfig struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// SwarmConfig is the top-level configuration.
type SwarmConfig struct {
	// Pool and scheduling
	MaxConcurrentWorkers int      `json:"max_concurrent_workers" yaml:"max_concurrent_workers"`
	PoolSize             int      `json:"pool_size" yaml:"pool_size"` // Idle workers registered at startup
	Capabilities         []string `json:"capabilities" yaml:"capabilities"`

	// Liveness and deadlines
	WorkerStaleness Duration `json:"worker_staleness" yaml:"worker_staleness"`
	PulseInterval   Duration `json:"pulse_interval" yaml:"pulse_interval"`
	MonitorInterval Duration `json:"monitor_interval" yaml:"monitor_interval"`
	TaskTimeout     Duration `json:"task_timeout" yaml:"task_timeout"`
	AcquireTimeout  Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
	AcquireRetries  int      `json:"acquire_retries" yaml:"acquire_retries"`
	CancelGrace     Duration `json:"cancel_grace" yaml:"cancel_grace"`

	// Graph defaults
	FailurePolicy          string `json:"failure_policy" yaml:"failure_policy"`
	DefaultAggregationKind string `json:"default_aggregation_kind" yaml:"default_aggregation_kind"`
	RequireProof           bool   `json:"require_proof" yaml:"require_proof"`

	Store     StoreConfig               `json:"store" yaml:"store"`
	NATS      NATSConfig                `json:"nats" yaml:"nats"`
	Inbox     InboxConfig               `json:"inbox" yaml:"inbox"`
	Executors map[string]ExecutorConfig `json:"executors" yaml:"executors"`
}
