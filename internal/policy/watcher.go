package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Source hands out the current policy set. Returned sets must be treated as
// read-only; a reload swaps the pointer and never mutates a published set.
type Source interface {
	Current() *Set
}

// Static is a Source that never changes.
type Static struct{ set *Set }

// NewStatic wraps a fixed set.
func NewStatic(s *Set) *Static { return &Static{set: s} }

// Current returns the wrapped set.
func (s *Static) Current() *Set { return s.set }

// Watcher reloads a policy file whenever it changes on disk.
type Watcher struct {
	path    string
	current atomic.Pointer[Set]
	reloads atomic.Int64
	logger  *slog.Logger
	onLoad  func(*Set)
}

// NewWatcher loads path once and returns a watcher serving it.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	set, err := LoadSet(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(set)
	return w, nil
}

// OnLoad registers a callback invoked after each successful reload.
func (w *Watcher) OnLoad(fn func(*Set)) { w.onLoad = fn }

// Current returns the most recently loaded set.
func (w *Watcher) Current() *Set { return w.current.Load() }

// Reloads returns how many successful reloads happened since start.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Reload re-reads the file. A bad file keeps the previous set in place.
func (w *Watcher) Reload() error {
	set, err := LoadSet(w.path)
	if err != nil {
		return err
	}
	w.current.Store(set)
	w.reloads.Add(1)
	if w.onLoad != nil {
		w.onLoad(set)
	}
	w.logger.Info("policies reloaded", "path", w.path, "version", set.Version, "count", len(set.Policies))
	return nil
}

// Run watches the directory holding the policy file until ctx is done.
// The directory is watched rather than the file so that editors replacing
// the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	defer fw.Close() //nolint:errcheck // best-effort cleanup

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Error("policy reload failed, keeping previous set", "path", w.path, "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}
