// Package watch streams task completion marker changes from a run's work
// directory, so progress can be followed while a stack run executes in
// another process.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/scheduler"
)

// Event is one observed marker transition.
type Event struct {
	// Task is the task graph node ID the marker belongs to.
	Task string

	// State is the marker state after the change.
	State scheduler.MarkerState

	Time time.Time
}

// Watcher follows the completion markers under one work directory.
type Watcher struct {
	dir    string
	fsw    *fsnotify.Watcher
	events chan Event
}

// New watches the given work directory. The directory must exist.
func New(workDir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watching %s: %w", workDir, err)
	}
	if err := fsw.Add(workDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", workDir, err)
	}
	return &Watcher{
		dir:    workDir,
		fsw:    fsw,
		events: make(chan Event, 64),
	}, nil
}

// Events delivers marker transitions while Run is active.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Run pumps filesystem notifications into marker events until the context
// is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			task, isMarker := TaskFromMarker(ev.Name)
			if !isMarker {
				continue
			}
			// Writes are observed after the content is durable because
			// markers are written whole; a remove reads back as absent.
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			state, err := scheduler.ReadMarker(ev.Name)
			if err != nil {
				log.Warn("unreadable marker", "path", ev.Name, "error", err)
				continue
			}
			select {
			case w.events <- Event{Task: task, State: state, Time: time.Now()}:
			case <-ctx.Done():
				return ctx.Err()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("marker watch error", "error", err)
		}
	}
}

// TaskFromMarker recovers the task graph node ID from a marker file name.
// Marker files are named <kind>_<name>.status.
func TaskFromMarker(path string) (string, bool) {
	base := filepath.Base(path)
	stem, found := strings.CutSuffix(base, ".status")
	if !found {
		return "", false
	}
	kind, name, found := strings.Cut(stem, "_")
	if !found {
		return stem, true
	}
	return kind + ":" + name, true
}
