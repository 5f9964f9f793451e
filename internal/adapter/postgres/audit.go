package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"swarmgate/internal/domain/event"
	"swarmgate/internal/resilience"
)

// AuditLog implements auditlog.Store using PostgreSQL (append-only). Writes
// go through a circuit breaker so a dead database degrades to dropped audit
// events instead of stalling every append with a full connection timeout.
type AuditLog struct {
	pool    *pgxpool.Pool
	breaker *resilience.Breaker
}

// NewAuditLog creates an audit sink backed by the given connection pool.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{
		pool:    pool,
		breaker: resilience.NewBreaker(5, 30*time.Second),
	}
}

// Append inserts a new event into the audit_events table.
func (s *AuditLog) Append(ctx context.Context, ev *event.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return s.breaker.Execute(func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO audit_events (id, terminal, subject, event_type, payload)
			 VALUES ($1, $2, $3, $4, $5)`,
			ev.ID, ev.Terminal, ev.Subject, string(ev.Type), ev.Payload)
		if err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
		return nil
	})
}

// Recent returns up to limit events, newest first.
func (s *AuditLog) Recent(ctx context.Context, limit int) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, terminal, subject, event_type, payload, created_at
		 FROM audit_events ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent audit events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := rows.Scan(&ev.ID, &ev.Terminal, &ev.Subject, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
