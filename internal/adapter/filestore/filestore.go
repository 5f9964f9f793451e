// Package filestore implements the shared coordination surface on a plain
// directory tree: one JSON record per entity, atomic tmp+rename writes,
// flock(2) around multi-step transitions and version-checked compare-and-set
// on every mutation. Multiple independent processes can share one surface.
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"swarmgate/internal/adapter/ristretto"
	"swarmgate/internal/domain/phase"
)

// Directory layout under the surface root.
const (
	heartbeatDir = "heartbeats"
	taskDir      = "tasks"
	contractDir  = "contracts"
	messageDir   = "messages"
	cursorDir    = "cursors"
	auditDir     = "audit"
	lockDir      = "locks"
	phaseFile    = "phase.json"
)

// Store is the file-backed coordination surface. It implements the
// statestore ports, the message bus and the file audit sink.
type Store struct {
	root    string
	initial phase.Phase
	// retention bounds how long consumed broadcast messages are kept.
	retention time.Duration
	cache     *ristretto.Cache
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCache attaches a decoded-heartbeat cache so snapshot reads skip
// re-decoding unchanged records.
func WithCache(c *ristretto.Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithRetention sets the broadcast message retention window.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New creates a Store rooted at dir, creating the directory tree as needed.
// initial is the first configured phase, used to seed the phase cursor.
func New(dir string, initial phase.Phase, opts ...Option) (*Store, error) {
	s := &Store{
		root:      dir,
		initial:   initial,
		retention: 30 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, sub := range []string{heartbeatDir, taskDir, contractDir, messageDir, cursorDir, auditDir, lockDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create %s: %w", sub, err)
		}
	}
	return s, nil
}

// Root returns the surface root directory.
func (s *Store) Root() string {
	return s.root
}

// Close releases the snapshot cache.
func (s *Store) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	return nil
}

// lock acquires the named surface-wide flock. Callers must Unlock.
func (s *Store) lock(name string) (*FileLock, error) {
	fl := NewFileLock(filepath.Join(s.root, lockDir), name)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("filestore: %s: %w", name, err)
	}
	return fl, nil
}

// readJSON decodes the file at path into dst. Returns os.ErrNotExist
// unwrapped so callers can map it to domain.ErrNotFound.
func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths are built from surface root
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic writes v to path via a same-directory temp file and
// rename, so concurrent readers only ever observe complete records.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
