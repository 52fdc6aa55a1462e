package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    -1, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func newTestClient(t *testing.T, bus *Bus) *Client {
	t.Helper()
	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// startWorker runs a remote worker until the test ends.
func startWorker(t *testing.T, bus *Bus, exec backend.Executor, cfg WorkerConfig) {
	t.Helper()
	w := NewWorker(newTestClient(t, bus), exec, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Let the queue subscriptions reach the server.
	time.Sleep(50 * time.Millisecond)
}

// recordingHeartbeat counts heartbeat calls.
type recordingHeartbeat struct {
	mu     sync.Mutex
	begins int
	pulses int
}

func (h *recordingHeartbeat) Begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begins++
	return nil
}

func (h *recordingHeartbeat) Pulse() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pulses++
	return nil
}

func (h *recordingHeartbeat) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.begins, h.pulses
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPublishJSON(t *testing.T) {
	client := newTestClient(t, newTestBus(t))

	received := make(chan string, 1)
	_, err := client.Subscribe("test.json", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.PublishJSON("test.json", map[string]string{"key": "value"}); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `{"key":"value"}` {
			t.Errorf("expected json, got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRemoteExecutor_Completes(t *testing.T) {
	bus := newTestBus(t)
	startWorker(t, bus, backend.EchoExecutor(), WorkerConfig{
		Capabilities: []agent.Capability{agent.CapFetch},
	})

	exec := NewRemoteExecutor(newTestClient(t, bus))
	hb := &recordingHeartbeat{}
	a := backend.Assignment{RunID: "r1", TaskID: "t1", WorkerID: "w1", Capability: agent.CapFetch, Input: map[string]any{"url": "x"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	comp, err := exec.Execute(ctx, a, hb)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	m, ok := comp.Result.(map[string]any)
	if !ok || m["url"] != "x" {
		t.Errorf("expected the echoed input, got %#v", comp.Result)
	}
	if comp.ProofOfWork != "echo:t1" {
		t.Errorf("unexpected proof %q", comp.ProofOfWork)
	}
	if begins, _ := hb.counts(); begins != 1 {
		t.Errorf("expected the remote Begin to be relayed once, got %d", begins)
	}
}

func TestRemoteExecutor_RelaysPulses(t *testing.T) {
	bus := newTestBus(t)
	slow := backend.ExecutorFunc(func(ctx context.Context, a backend.Assignment, hb backend.Heartbeat) (backend.Completion, error) {
		if err := hb.Begin(); err != nil {
			return backend.Completion{}, err
		}
		time.Sleep(150 * time.Millisecond)
		return backend.Completion{Result: "slow", ProofOfWork: "p"}, nil
	})
	startWorker(t, bus, slow, WorkerConfig{
		Capabilities:  []agent.Capability{agent.CapExec},
		PulseInterval: 20 * time.Millisecond,
	})

	hb := &recordingHeartbeat{}
	_, err := NewRemoteExecutor(newTestClient(t, bus)).Execute(context.Background(),
		backend.Assignment{TaskID: "t1", WorkerID: "w1", Capability: agent.CapExec}, hb)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, pulses := hb.counts(); pulses == 0 {
		t.Error("expected pulses to be relayed while the remote task ran")
	}
}

func TestRemoteExecutor_Failure(t *testing.T) {
	bus := newTestBus(t)
	failing := backend.ExecutorFunc(func(ctx context.Context, a backend.Assignment, hb backend.Heartbeat) (backend.Completion, error) {
		return backend.Completion{}, errors.New("disk full")
	})
	startWorker(t, bus, failing, WorkerConfig{Capabilities: []agent.Capability{agent.CapWrite}})

	_, err := NewRemoteExecutor(newTestClient(t, bus)).Execute(context.Background(),
		backend.Assignment{TaskID: "t1", WorkerID: "w1", Capability: agent.CapWrite}, &recordingHeartbeat{})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected the remote error, got %v", err)
	}
}

func TestRemoteExecutor_NoWorker(t *testing.T) {
	bus := newTestBus(t)
	exec := NewRemoteExecutor(newTestClient(t, bus))
	exec.AcceptTimeout = 50 * time.Millisecond

	_, err := exec.Execute(context.Background(),
		backend.Assignment{TaskID: "t1", WorkerID: "w1", Capability: agent.CapReview}, &recordingHeartbeat{})
	if !errors.Is(err, agent.ErrWorkerFailure) {
		t.Errorf("expected a worker failure when nobody accepts, got %v", err)
	}
}

func TestRemoteExecutor_CancelForwarded(t *testing.T) {
	bus := newTestBus(t)
	stopped := make(chan struct{})
	blocking := backend.ExecutorFunc(func(ctx context.Context, a backend.Assignment, hb backend.Heartbeat) (backend.Completion, error) {
		hb.Begin()
		<-ctx.Done()
		close(stopped)
		return backend.Completion{}, ctx.Err()
	})
	startWorker(t, bus, blocking, WorkerConfig{Capabilities: []agent.Capability{agent.CapSearch}})

	ctx, cancel := context.WithCancel(context.Background())
	hb := &recordingHeartbeat{}
	done := make(chan error, 1)
	go func() {
		_, err := NewRemoteExecutor(newTestClient(t, bus)).Execute(ctx,
			backend.Assignment{TaskID: "t1", WorkerID: "w-cancel", Capability: agent.CapSearch}, hb)
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if begins, _ := hb.counts(); begins > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote task never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("remote execution was not cancelled")
	}
}

func TestBridge(t *testing.T) {
	bus := newTestBus(t)
	client := newTestClient(t, bus)

	received := make(chan *nats.Msg, 4)
	if _, err := client.ChanSubscribe(TopicEventsAll, received); err != nil {
		t.Fatal(err)
	}
	client.Flush()

	eb := events.NewEventBus()
	defer eb.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Bridge(ctx, eb, client)
	time.Sleep(20 * time.Millisecond)

	eb.Publish(events.TopicTask, events.TaskDispatchedEvent{Run: "r1", ID: "t1", WorkerID: "w1"})
	eb.Publish(events.TopicWorker, events.WorkerStateEvent{WorkerID: "w1", State: "idle"})

	want := map[string]string{
		TopicEventsRun("r1"): events.EventTypeTaskDispatched,
		TopicEventsWorkers:   events.EventTypeWorkerState,
	}
	for range 2 {
		select {
		case msg := <-received:
			var env EventEnvelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				t.Fatalf("bad envelope: %v", err)
			}
			if want[msg.Subject] != env.Type {
				t.Errorf("subject %s carried %s", msg.Subject, env.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for bridged event")
		}
	}
}

func TestSubjectNames(t *testing.T) {
	if got := SubjectTasks("fetch"); got != "swarm.tasks.fetch" {
		t.Errorf("expected swarm.tasks.fetch, got %s", got)
	}
	if got := TopicEventsRun("r1"); got != "events.swarm.r1" {
		t.Errorf("expected events.swarm.r1, got %s", got)
	}
}
