package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"swarmgate/internal/domain"
	"swarmgate/internal/domain/phase"
)

func (s *Store) cursorPath() string {
	return filepath.Join(s.root, phaseFile)
}

// Cursor returns the global phase cursor, initializing it to the first
// configured phase on first read.
func (s *Store) Cursor(_ context.Context) (phase.Cursor, error) {
	lock, err := s.lock("phase.lock")
	if err != nil {
		return phase.Cursor{}, err
	}
	defer func() { _ = lock.Unlock() }()
	return s.cursorLocked()
}

func (s *Store) cursorLocked() (phase.Cursor, error) {
	var cur phase.Cursor
	switch err := readJSON(s.cursorPath(), &cur); {
	case err == nil:
		return cur, nil
	case errors.Is(err, os.ErrNotExist):
		cur = phase.Cursor{Phase: s.initial, Version: 1, UpdatedAt: s.now().UTC()}
		if err := writeJSONAtomic(s.cursorPath(), &cur); err != nil {
			return phase.Cursor{}, fmt.Errorf("filestore: init phase cursor: %w", err)
		}
		return cur, nil
	default:
		return phase.Cursor{}, fmt.Errorf("filestore: read phase cursor: %w", err)
	}
}

// Advance moves the cursor to the next phase if and only if the stored
// version still matches cur.Version. A lost race returns domain.ErrConflict;
// the caller re-reads and re-evaluates.
func (s *Store) Advance(_ context.Context, cur phase.Cursor, next phase.Phase) (phase.Cursor, error) {
	lock, err := s.lock("phase.lock")
	if err != nil {
		return phase.Cursor{}, err
	}
	defer func() { _ = lock.Unlock() }()

	stored, err := s.cursorLocked()
	if err != nil {
		return phase.Cursor{}, err
	}
	if stored.Version != cur.Version {
		return phase.Cursor{}, fmt.Errorf("filestore: advance from %s v%d, stored v%d: %w",
			cur.Phase, cur.Version, stored.Version, domain.ErrConflict)
	}

	updated := phase.Cursor{Phase: next, Version: stored.Version + 1, UpdatedAt: s.now().UTC()}
	if err := writeJSONAtomic(s.cursorPath(), &updated); err != nil {
		return phase.Cursor{}, fmt.Errorf("filestore: advance phase cursor: %w", err)
	}
	return updated, nil
}
