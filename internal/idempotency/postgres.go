package idempotency

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists reservations in the idempotency_requests table.
// The primary key (tenant, actor, method, route, idempotency_key) makes
// the INSERT race-free: the loser of a concurrent insert reads back the
// winner's row.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Reserve implements Store.
func (s *PostgresStore) Reserve(ctx context.Context, key Key, requestHash string) (Reservation, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_requests (
			tenant_id, actor, method, route, idempotency_key, request_hash, status
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (tenant_id, actor, method, route, idempotency_key) DO NOTHING`,
		key.Tenant, key.Actor, key.Method, key.Route, key.Key, requestHash,
	)
	if err != nil {
		return Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Reservation{State: StateNew}, nil
	}

	var (
		existingHash string
		status       Status
		httpStatus   *int
		headersJSON  *string
		bodyB64      *string
	)
	err = s.db.QueryRow(ctx, `
		SELECT request_hash, status, http_status, headers_json, response_body_b64
		FROM idempotency_requests
		WHERE tenant_id = $1 AND actor = $2 AND method = $3 AND route = $4 AND idempotency_key = $5`,
		key.Tenant, key.Actor, key.Method, key.Route, key.Key,
	).Scan(&existingHash, &status, &httpStatus, &headersJSON, &bodyB64)
	if err == pgx.ErrNoRows {
		// The competing reservation was released between our insert and read.
		return s.Reserve(ctx, key, requestHash)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("read reservation: %w", err)
	}

	// A failed reservation is reclaimable, even with a different body.
	// The status guard makes the takeover race-free: a concurrent
	// retry that wins flips the row to pending first, and the loser
	// re-reads it as an in-flight duplicate.
	if status == StatusFailed {
		tag, err := s.db.Exec(ctx, `
			UPDATE idempotency_requests
			SET request_hash = $6,
			    status = 'pending',
			    http_status = NULL,
			    headers_json = NULL,
			    response_body_b64 = NULL,
			    updated_at = now()
			WHERE tenant_id = $1 AND actor = $2 AND method = $3 AND route = $4
			  AND idempotency_key = $5 AND status = 'failed'`,
			key.Tenant, key.Actor, key.Method, key.Route, key.Key, requestHash,
		)
		if err != nil {
			return Reservation{}, fmt.Errorf("reclaim reservation: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return Reservation{State: StateNew}, nil
		}
		return s.Reserve(ctx, key, requestHash)
	}

	if existingHash != requestHash {
		return Reservation{State: StateConflict}, nil
	}
	if status != StatusCompleted || bodyB64 == nil {
		return Reservation{State: StatePending}, nil
	}

	headers := map[string]string{}
	if headersJSON != nil {
		if err := json.Unmarshal([]byte(*headersJSON), &headers); err != nil {
			return Reservation{}, fmt.Errorf("decode cached headers: %w", err)
		}
	}
	body, err := base64.StdEncoding.DecodeString(*bodyB64)
	if err != nil {
		return Reservation{}, fmt.Errorf("decode cached body: %w", err)
	}
	code := 200
	if httpStatus != nil {
		code = *httpStatus
	}
	return Reservation{
		State:    StateReplay,
		Response: &CachedResponse{HTTPStatus: code, Headers: headers, Body: body},
	}, nil
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, key Key, httpStatus int, headers map[string]string, body []byte) error {
	headersJSON, err := json.Marshal(FilterHeaders(headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE idempotency_requests
		SET status = 'completed',
		    http_status = $6,
		    headers_json = $7,
		    response_body_b64 = $8,
		    updated_at = now()
		WHERE tenant_id = $1 AND actor = $2 AND method = $3 AND route = $4 AND idempotency_key = $5`,
		key.Tenant, key.Actor, key.Method, key.Route, key.Key,
		httpStatus, string(headersJSON), base64.StdEncoding.EncodeToString(body),
	)
	if err != nil {
		return fmt.Errorf("complete reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail implements Store. The row is kept with status failed so the
// attempt stays auditable; a retry reclaims it via Reserve.
func (s *PostgresStore) Fail(ctx context.Context, key Key) error {
	_, err := s.db.Exec(ctx, `
		UPDATE idempotency_requests
		SET status = 'failed', updated_at = now()
		WHERE tenant_id = $1 AND actor = $2 AND method = $3 AND route = $4 AND idempotency_key = $5`,
		key.Tenant, key.Actor, key.Method, key.Route, key.Key,
	)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}
