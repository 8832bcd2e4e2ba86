package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists delegation rows and balances in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on the pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertRecord(ctx context.Context, rec *Record) error {
	task, audit, output, policyCtx, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO delegations (
			delegation_id, requester_agent_id, delegate_agent_id, token_id,
			task_spec, status, stage, estimated_cost_usd, actual_cost_usd,
			escrow_usd, max_budget_usd, attempt_count, last_error, output,
			idempotency_key, policy_context, heartbeat_at, created_at, updated_at, audit_events
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		rec.DelegationID, rec.RequesterAgentID, rec.DelegateAgentID, rec.TokenID,
		task, rec.Status, rec.Stage, rec.EstimatedCostUSD, rec.ActualCostUSD,
		rec.EscrowUSD, rec.MaxBudgetUSD, rec.AttemptCount, rec.LastError, output,
		rec.IdempotencyKey, policyCtx, rec.HeartbeatAt, rec.CreatedAt, rec.UpdatedAt, audit,
	)
	return err
}

const recordColumns = `
	delegation_id, requester_agent_id, delegate_agent_id, COALESCE(token_id, ''),
	task_spec, status, stage, estimated_cost_usd, actual_cost_usd,
	escrow_usd, max_budget_usd, attempt_count, COALESCE(last_error, ''), output,
	COALESCE(idempotency_key, ''), policy_context, heartbeat_at, created_at, updated_at, audit_events`

func scanRecord(row pgx.Row) (*Record, error) {
	rec := &Record{}
	var task, output, audit, policyCtx []byte
	err := row.Scan(
		&rec.DelegationID, &rec.RequesterAgentID, &rec.DelegateAgentID, &rec.TokenID,
		&task, &rec.Status, &rec.Stage, &rec.EstimatedCostUSD, &rec.ActualCostUSD,
		&rec.EscrowUSD, &rec.MaxBudgetUSD, &rec.AttemptCount, &rec.LastError, &output,
		&rec.IdempotencyKey, &policyCtx, &rec.HeartbeatAt, &rec.CreatedAt, &rec.UpdatedAt, &audit,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(task) > 0 {
		if err := json.Unmarshal(task, &rec.TaskSpec); err != nil {
			return nil, fmt.Errorf("decode task spec: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &rec.Output); err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
	}
	if len(audit) > 0 {
		if err := json.Unmarshal(audit, &rec.AuditEvents); err != nil {
			return nil, fmt.Errorf("decode audit events: %w", err)
		}
	}
	if len(policyCtx) > 0 {
		if err := json.Unmarshal(policyCtx, &rec.PolicyContext); err != nil {
			return nil, fmt.Errorf("decode policy context: %w", err)
		}
	}
	return rec, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, delegationID string) (*Record, error) {
	return scanRecord(s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM delegations WHERE delegation_id = $1`, delegationID,
	))
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, rec *Record) error {
	task, audit, output, _, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE delegations SET
			task_spec = $2, status = $3, stage = $4, estimated_cost_usd = $5,
			actual_cost_usd = $6, escrow_usd = $7, max_budget_usd = $8,
			attempt_count = $9, last_error = $10, output = $11,
			heartbeat_at = $12, updated_at = $13, audit_events = $14
		WHERE delegation_id = $1`,
		rec.DelegationID, task, rec.Status, rec.Stage, rec.EstimatedCostUSD,
		rec.ActualCostUSD, rec.EscrowUSD, rec.MaxBudgetUSD,
		rec.AttemptCount, rec.LastError, output,
		rec.HeartbeatAt, rec.UpdatedAt, audit,
	)
	if err != nil {
		return fmt.Errorf("update delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+` FROM delegations WHERE status = $1 ORDER BY created_at LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) StaleRunning(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+` FROM delegations WHERE status = 'running' AND heartbeat_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale delegations: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Balance seeds the default on first touch with an upsert, then reads.
func (s *PostgresStore) Balance(ctx context.Context, requester string) (float64, error) {
	var bal float64
	err := s.db.QueryRow(ctx, `
		INSERT INTO requester_balances (requester, balance_usd)
		VALUES ($1, $2)
		ON CONFLICT (requester) DO UPDATE SET requester = EXCLUDED.requester
		RETURNING balance_usd`,
		requester, DefaultBalanceUSD,
	).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return bal, nil
}

// Debit is a single conditional UPDATE so concurrent debits can never
// drive a balance negative.
func (s *PostgresStore) Debit(ctx context.Context, requester string, amountUSD float64) error {
	if _, err := s.Balance(ctx, requester); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE requester_balances SET balance_usd = balance_usd - $2
		WHERE requester = $1 AND balance_usd >= $2`,
		requester, amountUSD,
	)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) Credit(ctx context.Context, requester string, amountUSD float64) error {
	if _, err := s.Balance(ctx, requester); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		UPDATE requester_balances SET balance_usd = balance_usd + $2 WHERE requester = $1`,
		requester, amountUSD,
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeRecord(rec *Record) (task, audit, output, policyCtx []byte, err error) {
	if task, err = json.Marshal(rec.TaskSpec); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal task spec: %w", err)
	}
	if audit, err = json.Marshal(rec.AuditEvents); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal audit events: %w", err)
	}
	if output, err = json.Marshal(rec.Output); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal output: %w", err)
	}
	if policyCtx, err = json.Marshal(rec.PolicyContext); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal policy context: %w", err)
	}
	return task, audit, output, policyCtx, nil
}
