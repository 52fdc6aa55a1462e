package config

import (
	"time"

	"github.com/aristath/swarm/internal/agent"
)

// FallbackExecutor is the Executors key used for capabilities without an
// explicit entry.
const FallbackExecutor = "*"

// DefaultConfig returns the default configuration: four concurrent
// workers over the built-in capabilities, an in-memory store and the echo
// executor for every capability.
func DefaultConfig() *SwarmConfig {
	caps := make([]string, 0, 6)
	for _, c := range agent.BuiltinCapabilities() {
		caps = append(caps, string(c))
	}

	return &SwarmConfig{
		MaxConcurrentWorkers: 4,
		PoolSize:             0,
		Capabilities:         caps,

		WorkerStaleness: Duration(2 * time.Minute),
		PulseInterval:   Duration(10 * time.Second),
		MonitorInterval: Duration(15 * time.Second),
		TaskTimeout:     Duration(10 * time.Minute),
		AcquireTimeout:  Duration(30 * time.Second),
		AcquireRetries:  3,
		CancelGrace:     Duration(5 * time.Second),

		FailurePolicy:          "continueIndependent",
		DefaultAggregationKind: "concatenate",

		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Executors: map[string]ExecutorConfig{
			FallbackExecutor: {Type: "echo"},
		},
	}
}
