package lockwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceInterval = 100 * time.Millisecond
	refreshInterval  = 30 * time.Second
)

// Verifier is the engine side of the watcher.
type Verifier interface {
	// LockedArtifacts maps workflow id to the absolute paths of its locked
	// artifacts.
	LockedArtifacts(ctx context.Context) (map[string][]string, error)
	VerifyLockedArtifacts(ctx context.Context, workflowID string) ([]Tamper, error)
}

// Watcher re-verifies a workflow whenever one of its locked artifacts changes
// on disk. It watches parent directories rather than files so editors and
// tools that replace files by rename are noticed too.
type Watcher struct {
	verifier Verifier
	logger   *slog.Logger
	onTamper func(workflowID string, tampers []Tamper)

	mu     sync.Mutex
	owners map[string]string // artifact path -> workflow id
	dirs   map[string]bool
	timers map[string]*time.Timer
}

func NewWatcher(v Verifier, onTamper func(workflowID string, tampers []Tamper)) *Watcher {
	return &Watcher{
		verifier: v,
		logger:   slog.Default().With("component", "lockwatch"),
		onTamper: onTamper,
		owners:   make(map[string]string),
		dirs:     make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	w.refresh(ctx, fw)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	w.logger.Info("lock watcher started")
	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			w.logger.Info("lock watcher stopped")
			return nil
		case <-ticker.C:
			w.refresh(ctx, fw)
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			w.schedule(ctx, filepath.Clean(event.Name))
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// refresh picks up artifacts locked since the last pass.
func (w *Watcher) refresh(ctx context.Context, fw *fsnotify.Watcher) {
	locked, err := w.verifier.LockedArtifacts(ctx)
	if err != nil {
		w.logger.Error("failed to list locked artifacts", "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for workflowID, paths := range locked {
		for _, p := range paths {
			p = filepath.Clean(p)
			w.owners[p] = workflowID
			dir := filepath.Dir(p)
			if w.dirs[dir] {
				continue
			}
			if err := fw.Add(dir); err != nil {
				w.logger.Warn("failed to watch directory", "dir", dir, "error", err)
				continue
			}
			w.dirs[dir] = true
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	workflowID, ok := w.owners[path]
	if !ok {
		return
	}
	if t, ok := w.timers[workflowID]; ok {
		t.Stop()
	}
	w.timers[workflowID] = time.AfterFunc(debounceInterval, func() {
		w.verify(ctx, workflowID)
	})
}

func (w *Watcher) verify(ctx context.Context, workflowID string) {
	tampers, err := w.verifier.VerifyLockedArtifacts(ctx, workflowID)
	if len(tampers) == 0 {
		if err != nil && ctx.Err() == nil {
			w.logger.Error("failed to verify locked artifacts", "workflow_id", workflowID, "error", err)
		}
		return
	}
	for _, t := range tampers {
		w.logger.Warn("locked test artifact modified",
			"workflow_id", workflowID,
			"task_id", t.TaskID,
			"path", t.Path,
		)
	}
	if w.onTamper != nil {
		w.onTamper(workflowID, tampers)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
