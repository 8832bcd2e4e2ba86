package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditStore persists every policy decision for later explanation.
type AuditStore interface {
	AppendDecision(ctx context.Context, d *Decision, in Input) error
	ListDecisions(ctx context.Context, limit int) ([]*Decision, error)
}

// MemoryAuditStore is the in-memory AuditStore for tests and dev mode.
type MemoryAuditStore struct {
	mu        sync.RWMutex
	decisions []*Decision
}

// NewMemoryAuditStore creates an empty MemoryAuditStore.
func NewMemoryAuditStore() *MemoryAuditStore { return &MemoryAuditStore{} }

func (s *MemoryAuditStore) AppendDecision(_ context.Context, d *Decision, _ Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.decisions = append(s.decisions, &cp)
	return nil
}

func (s *MemoryAuditStore) ListDecisions(_ context.Context, limit int) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*Decision
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.decisions[i]
		out = append(out, &cp)
	}
	return out, nil
}

// PostgresAuditStore persists decisions to the policy_decisions table.
type PostgresAuditStore struct {
	db *pgxpool.Pool
}

// NewPostgresAuditStore creates a PostgresAuditStore on the pool.
func NewPostgresAuditStore(db *pgxpool.Pool) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) AppendDecision(ctx context.Context, d *Decision, in Input) error {
	decision, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	input, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	// decision_id is derived from the input, so re-evaluating the same
	// input maps onto the existing audit row.
	_, err = s.db.Exec(ctx, `
		INSERT INTO policy_decisions (decision_id, effect, decision_json, input_json, signed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (decision_id) DO NOTHING`,
		d.DecisionID, d.Decision, decision, input, d.SignedAt,
	)
	return err
}

func (s *PostgresAuditStore) ListDecisions(ctx context.Context, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT decision_json FROM policy_decisions ORDER BY signed_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d := &Decision{}
		if err := json.Unmarshal(raw, d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
