package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"swarmgate/internal/domain/terminal"
)

// Publish upserts the heartbeat record for a terminal, last-write-wins by
// timestamp. A write carrying an older timestamp than the stored record is
// discarded silently; out-of-order arrivals must not roll state back.
func (s *Store) Publish(_ context.Context, hb *terminal.Heartbeat) error {
	if hb.Terminal == "" {
		return errors.New("filestore: heartbeat terminal id is required")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = s.now().UTC()
	}
	hb.Normalize()

	lock, err := s.lock("heartbeats.lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	path := filepath.Join(s.root, heartbeatDir, hb.Terminal+".json")

	var cur terminal.Heartbeat
	switch err := readJSON(path, &cur); {
	case err == nil:
		if cur.Timestamp.After(hb.Timestamp) {
			return nil // stale write, discard
		}
		hb.Version = cur.Version + 1
	case errors.Is(err, os.ErrNotExist):
		hb.Version = 1
	default:
		return fmt.Errorf("filestore: read heartbeat %s: %w", hb.Terminal, err)
	}

	if err := writeJSONAtomic(path, hb); err != nil {
		return fmt.Errorf("filestore: publish heartbeat %s: %w", hb.Terminal, err)
	}
	return nil
}

// Snapshot returns a point-in-time read of all heartbeat records keyed by
// terminal id. It takes no lock: writers rename complete files into place,
// so readers only ever see whole records, at worst slightly stale ones.
func (s *Store) Snapshot(_ context.Context) (map[string]terminal.Heartbeat, error) {
	dir := filepath.Join(s.root, heartbeatDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: snapshot: %w", err)
	}

	out := make(map[string]terminal.Heartbeat, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)

		var key string
		if s.cache != nil {
			if info, err := e.Info(); err == nil {
				key = fmt.Sprintf("%s|%d|%d", path, info.ModTime().UnixNano(), info.Size())
				if hb, ok := s.cache.Get(key); ok {
					out[hb.Terminal] = hb
					continue
				}
			}
		}

		var hb terminal.Heartbeat
		if err := readJSON(path, &hb); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // racing a rename; next snapshot will see it
			}
			return nil, fmt.Errorf("filestore: snapshot %s: %w", name, err)
		}
		out[hb.Terminal] = hb

		if s.cache != nil && key != "" {
			s.cache.Set(key, hb)
		}
	}
	return out, nil
}
