package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
)

// RemoteExecutor hands assignments to remote workers over NATS. Each
// assignment is published on its capability's task subject with a private
// reply subject; the worker that picks it up reports progress there.
type RemoteExecutor struct {
	client *Client

	// AcceptTimeout bounds how long an assignment may wait for a worker
	// to pick it up (default 10s).
	AcceptTimeout time.Duration
}

// NewRemoteExecutor creates an executor publishing through client.
func NewRemoteExecutor(client *Client) *RemoteExecutor {
	return &RemoteExecutor{client: client, AcceptTimeout: 10 * time.Second}
}

// Execute publishes a and follows its reports until a terminal one
// arrives or ctx is done. Cancellation is forwarded to the remote worker.
func (e *RemoteExecutor) Execute(ctx context.Context, a backend.Assignment, hb backend.Heartbeat) (backend.Completion, error) {
	reply := e.client.NewInbox()
	ch := make(chan *nats.Msg, 64)
	sub, err := e.client.ChanSubscribe(reply, ch)
	if err != nil {
		return backend.Completion{}, fmt.Errorf("subscribe to reports: %w", err)
	}
	defer sub.Unsubscribe()

	if err := e.client.PublishRequest(SubjectTasks(string(a.Capability)), reply, a); err != nil {
		return backend.Completion{}, fmt.Errorf("publish assignment: %w", err)
	}
	if err := e.client.Flush(); err != nil {
		return backend.Completion{}, fmt.Errorf("publish assignment: %w", err)
	}

	acceptTimeout := e.AcceptTimeout
	if acceptTimeout <= 0 {
		acceptTimeout = 10 * time.Second
	}
	acceptTimer := time.NewTimer(acceptTimeout)
	defer acceptTimer.Stop()
	acceptC := acceptTimer.C

	for {
		select {
		case <-ctx.Done():
			if err := e.client.Publish(SubjectCancel(a.WorkerID), nil); err != nil {
				slog.Warn("failed to forward cancellation", "worker", a.WorkerID, "error", err)
			}
			return backend.Completion{}, ctx.Err()

		case <-acceptC:
			return backend.Completion{}, fmt.Errorf("%w: no remote worker accepted %s task %s within %s",
				agent.ErrWorkerFailure, a.Capability, a.TaskID, acceptTimeout)

		case msg := <-ch:
			var r Report
			if err := json.Unmarshal(msg.Data, &r); err != nil {
				slog.Warn("malformed worker report", "task", a.TaskID, "error", err)
				continue
			}

			switch r.Kind {
			case ReportAccepted:
				acceptC = nil
				slog.Debug("assignment accepted", "task", a.TaskID, "host", r.Host)
			case ReportWorking:
				acceptC = nil
				if err := hb.Begin(); err != nil {
					return backend.Completion{}, err
				}
			case ReportPulse:
				if err := hb.Pulse(); err != nil {
					slog.Debug("pulse rejected", "task", a.TaskID, "error", err)
				}
			case ReportCompleted:
				return backend.Completion{Result: r.Result, ProofOfWork: r.Proof}, nil
			case ReportFailed:
				reason := r.Error
				if reason == "" {
					reason = "remote worker failed"
				}
				return backend.Completion{}, errors.New(reason)
			default:
				slog.Warn("unknown worker report", "task", a.TaskID, "kind", r.Kind)
			}
		}
	}
}
