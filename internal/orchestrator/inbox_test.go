package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/backend"
)

// recordingSubmitter accepts every graph except those named "refuse".
type recordingSubmitter struct {
	mu    sync.Mutex
	names []string
}

func (s *recordingSubmitter) Submit(ctx context.Context, def *GraphDefinition) (string, error) {
	if def.Name == "refuse" {
		return "", errors.New("refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, def.Name)
	return fmt.Sprintf("run-%d", len(s.names)), nil
}

func (s *recordingSubmitter) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

const inboxGraph = `{"nodes":[{"id":"a","capability":"fetch"}]}`

// waitForFile polls until path exists.
func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never appeared", filepath.Base(path))
}

// dropFile writes content outside dir and renames it in.
func dropFile(t *testing.T, dir, name, content string) {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		t.Fatal(err)
	}
}

func startInbox(t *testing.T, in *Inbox) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("inbox returned %v", err)
		}
	})
}

func TestInbox_ExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.json"), []byte(inboxGraph), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	sub := &recordingSubmitter{}
	in := NewInbox(dir, sub)
	submitted := make(chan string, 10)
	in.OnSubmit = func(path, runID string) { submitted <- runID }
	startInbox(t, in)

	waitForFile(t, filepath.Join(dir, "existing.json.submitted"))

	// Give the watcher a moment to register before dropping the next file.
	time.Sleep(50 * time.Millisecond)
	dropFile(t, dir, "fresh.yaml", "nodes:\n  - id: a\n    capability: fetch\n")
	waitForFile(t, filepath.Join(dir, "fresh.yaml.submitted"))

	for i := 0; i < 2; i++ {
		select {
		case <-submitted:
		case <-time.After(5 * time.Second):
			t.Fatalf("expected OnSubmit twice, got %d", i)
		}
	}
	names := sub.Names()
	if len(names) != 2 || names[0] != "existing" || names[1] != "fresh" {
		t.Errorf("unexpected submissions %v", names)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("non-graph files must be left alone: %v", err)
	}
}

func TestInbox_Rejects(t *testing.T) {
	dir := t.TempDir()
	sub := &recordingSubmitter{}
	startInbox(t, NewInbox(dir, sub))
	time.Sleep(50 * time.Millisecond)

	dropFile(t, dir, "broken.json", `{"nodes":`)
	dropFile(t, dir, "refuse.json", inboxGraph)

	waitForFile(t, filepath.Join(dir, "broken.json.rejected"))
	waitForFile(t, filepath.Join(dir, "refuse.json.rejected"))
	if names := sub.Names(); len(names) != 0 {
		t.Errorf("nothing should have been accepted, got %v", names)
	}
}

func TestInbox_SubmitsToService(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, testConfig(), store, backend.EchoExecutor())

	dir := t.TempDir()
	in := NewInbox(dir, svc)
	runs := make(chan string, 1)
	in.OnSubmit = func(path, runID string) { runs <- runID }
	if err := os.WriteFile(filepath.Join(dir, "job.json"), []byte(inboxGraph), 0644); err != nil {
		t.Fatal(err)
	}
	startInbox(t, in)

	var runID string
	select {
	case runID = <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("inbox never submitted the graph")
	}
	if st := waitRun(t, svc, runID); st.State != RunCompleted || st.Name != "job" {
		t.Errorf("unexpected run: %s %q", st.State, st.Name)
	}
}

func TestIsGraphFile(t *testing.T) {
	tests := map[string]bool{
		"a.json":           true,
		"a.YAML":           true,
		"a.yml":            true,
		".hidden.json":     false,
		"a.json.submitted": false,
		"a.txt":            false,
	}
	for name, want := range tests {
		if got := isGraphFile(name); got != want {
			t.Errorf("isGraphFile(%q) = %v, want %v", name, got, want)
		}
	}
}
