package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
)

// WorkerConfig configures a remote worker process.
type WorkerConfig struct {
	Capabilities  []agent.Capability
	Concurrency   int           // Assignments executed at once (default 1)
	PulseInterval time.Duration // How often to report liveness while executing
}

// Worker serves assignments published by a RemoteExecutor, running each
// one on a local executor.
type Worker struct {
	client *Client
	exec   backend.Executor
	cfg    WorkerConfig
	host   string
}

// NewWorker creates a worker for the given capabilities.
func NewWorker(client *Client, exec backend.Executor, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	host, _ := os.Hostname()
	return &Worker{client: client, exec: exec, cfg: cfg, host: host}
}

// Run subscribes to every capability's task subject and executes
// assignments until ctx is cancelled, then waits for running ones to
// stop.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.cfg.Capabilities) == 0 {
		return fmt.Errorf("worker has no capabilities")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	for _, c := range w.cfg.Capabilities {
		sub, err := w.client.QueueSubscribe(SubjectTasks(string(c)), QueueWorkers, func(msg *nats.Msg) {
			// Blocks while every slot is busy, which holds back further
			// deliveries on this subscription.
			g.Go(func() error {
				w.handle(gctx, msg)
				return nil
			})
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s tasks: %w", c, err)
		}
		subs = append(subs, sub)
	}
	if err := w.client.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	slog.Info("remote worker ready", "capabilities", w.cfg.Capabilities, "concurrency", w.cfg.Concurrency)

	<-ctx.Done()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	subs = nil
	return g.Wait()
}

func (w *Worker) handle(ctx context.Context, msg *nats.Msg) {
	var a backend.Assignment
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		slog.Warn("malformed assignment", "subject", msg.Subject, "error", err)
		return
	}
	if msg.Reply == "" {
		slog.Warn("assignment without reply subject", "task", a.TaskID)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !a.Deadline.IsZero() {
		var stop context.CancelFunc
		taskCtx, stop = context.WithDeadline(taskCtx, a.Deadline)
		defer stop()
	}

	cancelSub, err := w.client.Subscribe(SubjectCancel(a.WorkerID), func(*nats.Msg) { cancel() })
	if err != nil {
		slog.Warn("failed to subscribe to cancellation", "task", a.TaskID, "error", err)
	} else {
		defer cancelSub.Unsubscribe()
	}

	hb := &remoteHeartbeat{client: w.client, reply: msg.Reply, host: w.host}
	hb.send(Report{Kind: ReportAccepted, Host: w.host})
	slog.Info("assignment accepted", "run", a.RunID, "task", a.TaskID, "capability", a.Capability)

	stop := backend.KeepAlive(taskCtx, hb, w.cfg.PulseInterval)
	comp, err := w.exec.Execute(taskCtx, a, hb)
	stop()

	if err != nil {
		slog.Warn("assignment failed", "task", a.TaskID, "error", err)
		hb.send(Report{Kind: ReportFailed, Host: w.host, Error: err.Error()})
		return
	}
	slog.Info("assignment completed", "task", a.TaskID)
	hb.send(Report{Kind: ReportCompleted, Host: w.host, Result: comp.Result, Proof: comp.ProofOfWork})
}

// remoteHeartbeat turns executor heartbeats into reports.
type remoteHeartbeat struct {
	client *Client
	reply  string
	host   string
}

func (h *remoteHeartbeat) Begin() error {
	return h.send(Report{Kind: ReportWorking, Host: h.host})
}

func (h *remoteHeartbeat) Pulse() error {
	return h.send(Report{Kind: ReportPulse, Host: h.host})
}

func (h *remoteHeartbeat) send(r Report) error {
	if err := h.client.PublishJSON(h.reply, r); err != nil {
		slog.Warn("failed to send report", "kind", r.Kind, "error", err)
		return err
	}
	return nil
}
