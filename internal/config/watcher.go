package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/taskpilot/internal/rule"
)

// ReloadEvent reports a config file change that produced a new snapshot.
type ReloadEvent struct {
	Path    string
	Op      fsnotify.Op
	Version int64
}

// SwapFunc receives each successfully compiled snapshot. Typically this
// is engine.SwapRuleset.
type SwapFunc func(*rule.Ruleset)

// Watcher recompiles the config directory when a .cue file changes and
// hands the new snapshot to the swap callback. A change that fails to
// compile is logged and the previous snapshot stays live.
type Watcher struct {
	dir     string
	logger  *slog.Logger
	swap    SwapFunc
	version atomic.Int64
	events  chan ReloadEvent
}

// NewWatcher builds a watcher over the config directory. initialVersion
// is the version of the snapshot already live; reloads count up from it.
func NewWatcher(dir string, initialVersion int64, swap SwapFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dir:    dir,
		logger: logger,
		swap:   swap,
		events: make(chan ReloadEvent, 16),
	}
	w.version.Store(initialVersion)
	return w
}

// Events exposes successful reloads, mainly for tests and the CLI.
// The channel is never blocked on; slow consumers miss events.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. It returns once the fsnotify watcher is
// registered; reloads run on a background goroutine until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".cue" {
					continue
				}
				w.reload(ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ev fsnotify.Event) {
	version := w.version.Load() + 1
	rs, err := LoadRuleset(w.dir, version)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous snapshot",
			"path", ev.Name, "error", err)
		return
	}
	w.version.Store(version)
	w.swap(rs)
	w.logger.Info("config reloaded",
		"path", ev.Name, "op", ev.Op.String(),
		"version", version,
		"rules", len(rs.Rules()), "links", len(rs.Links()))

	select {
	case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op, Version: version}:
	default:
	}
}
