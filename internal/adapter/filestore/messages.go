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

	"swarmgate/internal/domain/message"
)

const broadcastLog = "broadcast"

// msgCursor tracks how far a terminal has consumed its direct inbox and the
// shared broadcast log. Counts are line offsets into the respective files.
type msgCursor struct {
	Direct    int `json:"direct"`
	Broadcast int `json:"broadcast"`
}

func (s *Store) inboxPath(name string) string {
	return filepath.Join(s.root, messageDir, name+".jsonl")
}

func (s *Store) msgCursorPath(terminalID string) string {
	return filepath.Join(s.root, cursorDir, terminalID+".json")
}

// Send appends the message to the recipient's inbox, or to the shared
// broadcast log when addressed to message.Broadcast. The append happens
// under the bus lock so concurrent senders never interleave lines.
func (s *Store) Send(_ context.Context, msg *message.Message) error {
	if msg.To == "" {
		return errors.New("filestore: send: message recipient is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}

	lock, err := s.lock("messages.lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	target := msg.To
	if msg.IsBroadcast() {
		target = broadcastLog
	}
	return appendJSONL(s.inboxPath(target), msg)
}

// Poll drains the undelivered messages for a terminal: everything past its
// cursor in its direct inbox plus everything past its cursor in the
// broadcast log, merged chronologically. The cursor is persisted only after
// the messages have been read, so a crash mid-poll redelivers (at-least-once).
func (s *Store) Poll(_ context.Context, terminalID string) ([]message.Message, error) {
	if terminalID == "" {
		return nil, errors.New("filestore: poll: terminal id is required")
	}

	lock, err := s.lock("messages.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	var cur msgCursor
	if err := readJSON(s.msgCursorPath(terminalID), &cur); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("filestore: poll %s: read cursor: %w", terminalID, err)
	}

	direct, err := readJSONL(s.inboxPath(terminalID))
	if err != nil {
		return nil, fmt.Errorf("filestore: poll %s: %w", terminalID, err)
	}
	casts, err := readJSONL(s.inboxPath(broadcastLog))
	if err != nil {
		return nil, fmt.Errorf("filestore: poll %s: %w", terminalID, err)
	}

	next := msgCursor{Direct: len(direct), Broadcast: len(casts)}

	var out []message.Message
	if cur.Direct < len(direct) {
		out = append(out, direct[cur.Direct:]...)
	}
	if cur.Broadcast < len(casts) {
		out = append(out, casts[cur.Broadcast:]...)
	}
	for i := range out {
		out[i].DeliveredTo = append(out[i].DeliveredTo, terminalID)
	}
	message.Sort(out)

	if err := writeJSONAtomic(s.msgCursorPath(terminalID), &next); err != nil {
		return nil, fmt.Errorf("filestore: poll %s: write cursor: %w", terminalID, err)
	}
	return out, nil
}

// Compact drops the prefix of the broadcast log that every known terminal
// has consumed, or that has aged past the retention window, and rebases all
// cursors by the number of dropped lines. Direct inboxes are truncated the
// same way against their owner's cursor.
func (s *Store) Compact(_ context.Context, known []string) error {
	lock, err := s.lock("messages.lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	cursors := make(map[string]msgCursor, len(known))
	for _, id := range known {
		var cur msgCursor
		if err := readJSON(s.msgCursorPath(id), &cur); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				cursors[id] = msgCursor{}
				continue
			}
			return fmt.Errorf("filestore: compact: cursor %s: %w", id, err)
		}
		cursors[id] = cur
	}

	casts, err := readJSONL(s.inboxPath(broadcastLog))
	if err != nil {
		return fmt.Errorf("filestore: compact: %w", err)
	}

	// A broadcast line is droppable while every known terminal's cursor is
	// past it, or it is older than the retention window.
	minConsumed := len(casts)
	for _, cur := range cursors {
		if cur.Broadcast < minConsumed {
			minConsumed = cur.Broadcast
		}
	}
	now := s.now().UTC()
	drop := 0
	for drop < len(casts) {
		aged := s.retention > 0 && now.Sub(casts[drop].Timestamp) > s.retention
		if drop < minConsumed || aged {
			drop++
			continue
		}
		break
	}
	if drop > 0 {
		if err := writeJSONL(s.inboxPath(broadcastLog), casts[drop:]); err != nil {
			return fmt.Errorf("filestore: compact broadcast: %w", err)
		}
		for id, cur := range cursors {
			cur.Broadcast -= drop
			if cur.Broadcast < 0 {
				cur.Broadcast = 0
			}
			cursors[id] = cur
		}
	}

	// Direct inboxes only ever have one consumer, so everything before the
	// owner's cursor is dead weight.
	for _, id := range known {
		cur := cursors[id]
		if cur.Direct == 0 {
			if drop > 0 {
				if err := writeJSONAtomic(s.msgCursorPath(id), &cur); err != nil {
					return fmt.Errorf("filestore: compact: rebase cursor %s: %w", id, err)
				}
			}
			continue
		}
		direct, err := readJSONL(s.inboxPath(id))
		if err != nil {
			return fmt.Errorf("filestore: compact %s: %w", id, err)
		}
		if cur.Direct > len(direct) {
			cur.Direct = len(direct)
		}
		if err := writeJSONL(s.inboxPath(id), direct[cur.Direct:]); err != nil {
			return fmt.Errorf("filestore: compact %s: %w", id, err)
		}
		cur.Direct = 0
		if err := writeJSONAtomic(s.msgCursorPath(id), &cur); err != nil {
			return fmt.Errorf("filestore: compact: rebase cursor %s: %w", id, err)
		}
		cursors[id] = cur
	}
	return nil
}

// appendJSONL appends one record to a JSONL log. It serves both the message
// inboxes and the audit log, so errors name the target file.
func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("filestore: marshal record for %s: %w", filepath.Base(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("filestore: append %s: %w", path, err)
	}
	return f.Sync()
}

func readJSONL(path string) ([]message.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []message.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m message.Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			// A torn tail line from a crashed writer; skip it.
			continue
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

func writeJSONL(path string, msgs []message.Message) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for i := range msgs {
		data, err := json.Marshal(&msgs[i])
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
