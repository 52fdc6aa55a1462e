package orchestrator

import (
	"context"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
)

type reportKind int

const (
	reportAcquired reportKind = iota
	reportAcquireFailed
	reportCompleted
	reportFailed
	reportDeadline
)

// report is what helper goroutines send back to the coordinator loop.
// Only the loop touches the graph; everything else talks to it through
// reports.
type report struct {
	kind       reportKind
	taskID     string
	worker     agent.WorkerRecord // acquired worker, or the executing one
	completion backend.Completion
	err        error
}

// reportChannel carries reports to the loop without ever blocking a
// sender after the loop has exited.
type reportChannel struct {
	ch   chan report
	done chan struct{}
}

func newReportChannel(bufferSize int) *reportChannel {
	return &reportChannel{
		ch:   make(chan report, bufferSize),
		done: make(chan struct{}),
	}
}

// send delivers r, or drops it once the loop has stopped listening.
func (rc *reportChannel) send(r report) {
	select {
	case rc.ch <- r:
	case <-rc.done:
	}
}

// close tells senders that nobody is listening any more.
func (rc *reportChannel) close() {
	close(rc.done)
}

// workerHeartbeat lets an executor drive its worker's record.
type workerHeartbeat struct {
	ctx      context.Context
	pool     *agent.Pool
	workerID string
	taskID   string
}

func (h *workerHeartbeat) Begin() error {
	return h.pool.BeginWork(h.ctx, h.workerID, h.taskID)
}

func (h *workerHeartbeat) Pulse() error {
	return h.pool.Pulse(h.ctx, h.workerID, h.taskID)
}
