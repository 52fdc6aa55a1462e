package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Submitter accepts graphs for execution. *Service implements it.
type Submitter interface {
	Submit(ctx context.Context, def *GraphDefinition) (string, error)
}

// Inbox watches a directory and submits every graph file that appears in
// it. Accepted files are renamed with a ".submitted" suffix, rejected ones
// with ".rejected". Writers should create files elsewhere and rename them
// into the directory so the inbox never reads a partial file.
type Inbox struct {
	dir    string
	target Submitter

	// OnSubmit, when set, is called with every accepted file and its run id.
	OnSubmit func(path, runID string)
}

// NewInbox creates an inbox over dir.
func NewInbox(dir string, target Submitter) *Inbox {
	return &Inbox{dir: dir, target: target}
}

// Run processes files already present, then watches for new ones until
// ctx is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0755); err != nil {
		return fmt.Errorf("creating inbox %s: %w", in.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating inbox watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watching inbox %s: %w", in.dir, err)
	}
	slog.Info("inbox watching", "dir", in.dir)

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("reading inbox %s: %w", in.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			in.process(ctx, filepath.Join(in.dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				in.process(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("inbox watcher error", "dir", in.dir, "error", err)
		}
	}
}

// isGraphFile reports whether name looks like a graph the inbox should
// pick up.
func isGraphFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func (in *Inbox) process(ctx context.Context, path string) {
	if !isGraphFile(path) {
		return
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return // already handled
	}

	def, err := LoadGraphDefinition(path)
	if err != nil {
		in.reject(path, err)
		return
	}
	runID, err := in.target.Submit(ctx, def)
	if err != nil {
		in.reject(path, err)
		return
	}

	if err := os.Rename(path, path+".submitted"); err != nil {
		slog.Warn("failed to mark inbox file submitted", "file", path, "error", err)
	}
	slog.Info("inbox graph submitted", "file", filepath.Base(path), "run", runID)
	if in.OnSubmit != nil {
		in.OnSubmit(path, runID)
	}
}

func (in *Inbox) reject(path string, cause error) {
	slog.Warn("inbox graph rejected", "file", filepath.Base(path), "error", cause)
	if err := os.Rename(path, path+".rejected"); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to mark inbox file rejected", "file", path, "error", err)
	}
}
