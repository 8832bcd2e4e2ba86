package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryStore is the in-memory outbox for tests and dev mode.
type MemoryStore struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Enqueue(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) PendingBatch(_ context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*Event
	for _, ev := range s.events {
		if ev.DispatchedAt != nil {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkDispatched(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.EventID == eventID {
			now := time.Now().UTC()
			ev.DispatchedAt = &now
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.EventID == eventID {
			ev.Attempts++
			return nil
		}
	}
	return nil
}

// All returns every event, dispatched or not. Test helper.
func (s *MemoryStore) All() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, 0, len(s.events))
	for _, ev := range s.events {
		cp := *ev
		out = append(out, &cp)
	}
	return out
}

// PostgresStore persists outbox rows to the outbox_events table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on the pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Enqueue(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO outbox_events (event_id, kind, subject_id, payload, created_at, attempts)
		VALUES ($1, $2, $3, $4, $5, 0)`,
		ev.EventID, ev.Kind, ev.SubjectID, payload, ev.CreatedAt,
	)
	return err
}

// PendingBatch claims undispatched rows with SKIP LOCKED so multiple
// dispatcher instances never double-claim within one poll.
func (s *PostgresStore) PendingBatch(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT event_id, kind, subject_id, payload, created_at, dispatched_at, attempts
		FROM outbox_events
		WHERE dispatched_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var payload []byte
		if err := rows.Scan(&ev.EventID, &ev.Kind, &ev.SubjectID, &payload, &ev.CreatedAt, &ev.DispatchedAt, &ev.Attempts); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode outbox payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, eventID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox_events SET dispatched_at = now() WHERE event_id = $1`, eventID,
	)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1 WHERE event_id = $1`, eventID,
	)
	return err
}
