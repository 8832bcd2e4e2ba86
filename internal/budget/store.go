package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryStore is the in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]*Event // token_id -> events, oldest first
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*Event)}
}

func (s *MemoryStore) RecordAndSum(_ context.Context, ev *Event) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.TokenID] = append(s.events[ev.TokenID], &cp)
	return s.sumLocked(ev.TokenID)
}

func (s *MemoryStore) Sum(_ context.Context, tokenID string) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumLocked(tokenID)
}

func (s *MemoryStore) sumLocked(tokenID string) (float64, int, error) {
	var total float64
	evs := s.events[tokenID]
	for _, ev := range evs {
		total += ev.CostUSD
	}
	return total, len(evs), nil
}

func (s *MemoryStore) ListEvents(_ context.Context, tokenID string, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	evs := s.events[tokenID]
	var out []*Event
	for i := len(evs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *evs[i]
		out = append(out, &cp)
	}
	return out, nil
}

// PostgresStore persists budget events to the budget_events table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on the pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// RecordAndSum inserts the event and sums the token's spend in one
// transaction with the token's rows locked, so concurrent recorders
// serialise and every returned total is exact.
func (s *PostgresStore) RecordAndSum(ctx context.Context, ev *Event) (float64, int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin budget tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1))", ev.TokenID,
	); err != nil {
		return 0, 0, fmt.Errorf("lock token spend: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO budget_events (event_id, token_id, actor, cost_usd, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EventID, ev.TokenID, ev.Actor, ev.CostUSD, ev.Description, ev.CreatedAt,
	); err != nil {
		return 0, 0, fmt.Errorf("insert budget event: %w", err)
	}

	var total float64
	var count int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM budget_events WHERE token_id = $1`, ev.TokenID,
	).Scan(&total, &count); err != nil {
		return 0, 0, fmt.Errorf("sum budget events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit budget tx: %w", err)
	}
	return total, count, nil
}

func (s *PostgresStore) Sum(ctx context.Context, tokenID string) (float64, int, error) {
	var total float64
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM budget_events WHERE token_id = $1`, tokenID,
	).Scan(&total, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("sum budget events: %w", err)
	}
	return total, count, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, tokenID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT event_id, token_id, actor, cost_usd, description, created_at
		FROM budget_events WHERE token_id = $1
		ORDER BY created_at DESC LIMIT $2`, tokenID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list budget events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.EventID, &ev.TokenID, &ev.Actor, &ev.CostUSD, &ev.Description, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
