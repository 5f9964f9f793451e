package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"swarmgate/internal/domain/event"
)

// AuditLog is the file-backed audit sink: one JSONL file, append-only.
// It satisfies the auditlog.Store port for runs without a database.
type AuditLog struct {
	store *Store
}

// NewAuditLog returns an audit sink writing into the surface's audit
// directory.
func NewAuditLog(store *Store) *AuditLog {
	return &AuditLog{store: store}
}

func (a *AuditLog) path() string {
	return filepath.Join(a.store.root, auditDir, "log.jsonl")
}

// Append persists a new event at the end of the log.
func (a *AuditLog) Append(_ context.Context, ev *event.Event) error {
	if ev.Type == "" {
		return errors.New("filestore: audit append: event type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = a.store.now().UTC()
	}

	lock, err := a.store.lock("audit.lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if err := appendJSONL(a.path(), ev); err != nil {
		return fmt.Errorf("filestore: audit append: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (a *AuditLog) Recent(_ context.Context, limit int) ([]event.Event, error) {
	lock, err := a.store.lock("audit.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.Open(a.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: audit recent: %w", err)
	}
	defer f.Close()

	var all []event.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		all = append(all, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filestore: audit recent: %w", err)
	}

	// Log order is oldest first; reverse and cap.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
