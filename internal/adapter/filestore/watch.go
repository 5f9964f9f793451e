package filestore

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"swarmgate/internal/port/broadcast"
)

// Watcher tails the coordination surface with inotify and pushes a
// debounced surface.changed event to operator clients whenever a terminal
// mutates shared state. Purely observational: coordination itself runs on
// polling, not on filesystem events.
type Watcher struct {
	fw       *fsnotify.Watcher
	bc       broadcast.Broadcaster
	log      *slog.Logger
	debounce time.Duration
}

// NewWatcher registers the surface's mutable subdirectories with fsnotify.
func NewWatcher(store *Store, bc broadcast.Broadcaster, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{heartbeatDir, taskDir, contractDir, messageDir} {
		if err := fw.Add(filepath.Join(store.Root(), sub)); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	if err := fw.Add(store.Root()); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{fw: fw, bc: bc, log: log, debounce: 250 * time.Millisecond}, nil
}

type surfaceChange struct {
	Area string `json:"area"` // heartbeats, tasks, contracts, messages, phase
	At   string `json:"at"`
}

// Run forwards change notifications until the context is canceled. Events
// for the same area within the debounce window collapse into one.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		for area := range pending {
			w.bc.BroadcastEvent(ctx, broadcast.EventSurfaceChanged, surfaceChange{
				Area: area,
				At:   time.Now().UTC().Format(time.RFC3339),
			})
			delete(pending, area)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			area := w.classify(ev.Name)
			if area == "" {
				continue
			}
			if len(pending) == 0 {
				timer.Reset(w.debounce)
			}
			pending[area] = struct{}{}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("surface watch error", "error", err)
		case <-timer.C:
			flush()
		}
	}
}

func (w *Watcher) classify(path string) string {
	base := filepath.Base(path)
	// Atomic writes stage through .tmp-* names; JSONL rewrites through a
	// .tmp suffix. Neither is a surface mutation until the rename lands.
	if strings.HasPrefix(base, ".tmp-") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".lock") {
		return ""
	}
	if base == phaseFile {
		return "phase"
	}
	switch filepath.Base(filepath.Dir(path)) {
	case heartbeatDir:
		return "heartbeats"
	case taskDir:
		return "tasks"
	case contractDir:
		return "contracts"
	case messageDir:
		return "messages"
	}
	return ""
}
