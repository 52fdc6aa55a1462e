package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/natsbus"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/persistence"
)

// app holds everything a command needs: the store, the service and, when
// enabled, the NATS connection used by remote executors.
type app struct {
	cfg    *config.SwarmConfig
	store  *persistence.SQLiteStore
	svc    *orchestrator.Service
	pm     *backend.ProcessManager
	nats   *natsbus.Bus
	client *natsbus.Client
}

// errReadOnly is returned by the executor of sessions opened only to
// inspect state.
var errReadOnly = errors.New("read-only session cannot execute tasks")

// openApp opens the status store and builds the service. With execute
// false no executor or NATS connection is set up, which is enough for
// commands that only read or tidy state.
func openApp(ctx context.Context, cfg *config.SwarmConfig, execute bool) (*app, error) {
	a := &app{cfg: cfg, pm: backend.NewProcessManager()}

	var err error
	if cfg.Store.Path == "" {
		a.store, err = persistence.NewMemoryStore(ctx)
	} else {
		a.store, err = persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}

	exec := backend.Executor(backend.ExecutorFunc(func(context.Context, backend.Assignment, backend.Heartbeat) (backend.Completion, error) {
		return backend.Completion{}, errReadOnly
	}))
	if execute {
		if err := a.connectNATS(); err != nil {
			a.close()
			return nil, err
		}
		exec, err = buildExecutor(cfg, a.pm, a.client)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.svc, err = orchestrator.NewService(orchestrator.Options{
		Config:   cfg,
		Store:    a.store,
		Runs:     a.store,
		Executor: exec,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// connectNATS embeds a server or dials cfg.NATS.URL when NATS is enabled.
func (a *app) connectNATS() error {
	if !a.cfg.NATS.Enabled {
		return nil
	}
	var err error
	if a.cfg.NATS.URL != "" {
		a.client, err = natsbus.NewClientFromURL(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		return nil
	}

	a.nats, err = natsbus.New(a.cfg.NATS)
	if err != nil {
		return err
	}
	a.client, err = natsbus.NewClient(a.nats)
	if err != nil {
		return fmt.Errorf("connect to embedded nats: %w", err)
	}
	slog.Info("embedded nats server started", "url", a.nats.ClientURL())
	return nil
}

// bridge republishes service events on NATS until ctx is done. It is a
// no-op without a NATS connection.
func (a *app) bridge(ctx context.Context) {
	if a.client == nil {
		return
	}
	go natsbus.Bridge(ctx, a.svc.Bus(), a.client)
}

// close tears everything down in reverse order of construction.
func (a *app) close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if err := a.pm.KillAll(); err != nil {
		slog.Warn("failed to kill subprocesses", "error", err)
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("failed to close status store", "error", err)
		}
	}
}

// buildExecutor routes each capability to the executor configured for
// it. The "*" entry becomes the fallback.
func buildExecutor(cfg *config.SwarmConfig, pm *backend.ProcessManager, client *natsbus.Client) (backend.Executor, error) {
	router := backend.NewRouter()
	for key, ec := range cfg.Executors {
		exec, err := newExecutor(cfg, ec, pm, client)
		if err != nil {
			return nil, fmt.Errorf("executor %q: %w", key, err)
		}
		if key == config.FallbackExecutor {
			router.SetFallback(exec)
			continue
		}
		c, err := agent.ParseCapability(key)
		if err != nil {
			return nil, fmt.Errorf("executor %q: %w", key, err)
		}
		router.Register(c, exec)
	}
	return router, nil
}

func newExecutor(cfg *config.SwarmConfig, ec config.ExecutorConfig, pm *backend.ProcessManager, client *natsbus.Client) (backend.Executor, error) {
	if strings.EqualFold(ec.Type, "nats") {
		if client == nil {
			return nil, errors.New("nats executor requires a nats connection")
		}
		return natsbus.NewRemoteExecutor(client), nil
	}
	return backend.New(backend.Config{
		Type:          ec.Type,
		Command:       ec.Command,
		Args:          ec.Args,
		WorkDir:       ec.WorkDir,
		PulseInterval: cfg.PulseInterval.Std(),
	}, pm)
}
