package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// cascadeLockKey is a stable PostgreSQL advisory lock key serialising
// concurrent kill-switch transactions for the same process family. The
// value is arbitrary but must be consistent across instances.
const cascadeLockKey = int64(7_420_119_003)

// PostgresStore persists the identity tables in PostgreSQL.
// It implements the Store interface.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) InsertIdentity(ctx context.Context, ident *AgentIdentity) error {
	meta, err := json.Marshal(ident.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_identities (
			agent_id, owner, credential_type, status, public_key_pem,
			human_principal_id, configuration_checksum, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ident.AgentID, ident.Owner, ident.CredentialType, ident.Status,
		ident.PublicKeyPEM, ident.HumanPrincipalID, ident.ConfigurationChecksum,
		meta, ident.CreatedAt, ident.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyRegistered
	}
	return err
}

func (s *PostgresStore) GetIdentity(ctx context.Context, agentID string) (*AgentIdentity, error) {
	ident := &AgentIdentity{}
	var meta []byte
	err := s.db.QueryRow(ctx, `
		SELECT agent_id, owner, credential_type, status, public_key_pem,
		       human_principal_id, configuration_checksum, metadata, created_at, updated_at
		FROM agent_identities WHERE agent_id = $1`, agentID,
	).Scan(
		&ident.AgentID, &ident.Owner, &ident.CredentialType, &ident.Status,
		&ident.PublicKeyPEM, &ident.HumanPrincipalID, &ident.ConfigurationChecksum,
		&meta, &ident.CreatedAt, &ident.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity %s: %w", agentID, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ident.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return ident, nil
}

func (s *PostgresStore) UpdateIdentityStatus(ctx context.Context, agentID string, status IdentityStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_identities SET status = $2, updated_at = now() WHERE agent_id = $1`,
		agentID, status,
	)
	if err != nil {
		return fmt.Errorf("update identity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListIdentitiesByOwner(ctx context.Context, owner string) ([]*AgentIdentity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT agent_id, owner, credential_type, status, public_key_pem,
		       human_principal_id, configuration_checksum, metadata, created_at, updated_at
		FROM agent_identities WHERE owner = $1 ORDER BY agent_id`, owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []*AgentIdentity
	for rows.Next() {
		ident := &AgentIdentity{}
		var meta []byte
		if err := rows.Scan(
			&ident.AgentID, &ident.Owner, &ident.CredentialType, &ident.Status,
			&ident.PublicKeyPEM, &ident.HumanPrincipalID, &ident.ConfigurationChecksum,
			&meta, &ident.CreatedAt, &ident.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ident.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActiveEndpoints(ctx context.Context) ([]*AgentIdentity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT agent_id, owner, credential_type, status, public_key_pem,
		       human_principal_id, configuration_checksum, metadata, created_at, updated_at
		FROM agent_identities
		WHERE status = 'active' AND COALESCE(metadata->>'endpoint', '') <> ''
		ORDER BY agent_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	defer rows.Close()

	var out []*AgentIdentity
	for rows.Next() {
		ident := &AgentIdentity{}
		var meta []byte
		if err := rows.Scan(
			&ident.AgentID, &ident.Owner, &ident.CredentialType, &ident.Status,
			&ident.PublicKeyPEM, &ident.HumanPrincipalID, &ident.ConfigurationChecksum,
			&meta, &ident.CreatedAt, &ident.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ident.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertCredential(ctx context.Context, cred *AgentCredential) error {
	scopes, err := json.Marshal(cred.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_credentials (
			credential_id, agent_id, credential_hash, scopes_json,
			issued_at, expires_at, rotation_parent_id, status
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		cred.CredentialID, cred.AgentID, cred.CredentialHash, scopes,
		cred.IssuedAt, cred.ExpiresAt, cred.RotationParentID, cred.Status,
	)
	if isUniqueViolation(err) {
		return ErrCredentialExists
	}
	return err
}

const credentialColumns = `
	credential_id, agent_id, credential_hash, scopes_json, issued_at,
	expires_at, COALESCE(rotation_parent_id, ''), status, rotated_at,
	revoked_at, COALESCE(revocation_reason, '')`

func scanCredential(row pgx.Row) (*AgentCredential, error) {
	cred := &AgentCredential{}
	var scopes []byte
	err := row.Scan(
		&cred.CredentialID, &cred.AgentID, &cred.CredentialHash, &scopes,
		&cred.IssuedAt, &cred.ExpiresAt, &cred.RotationParentID, &cred.Status,
		&cred.RotatedAt, &cred.RevokedAt, &cred.RevocationReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopes, &cred.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, credentialID string) (*AgentCredential, error) {
	return scanCredential(s.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM agent_credentials WHERE credential_id = $1`,
		credentialID,
	))
}

// FindCredentialByHash is the hot verification path; credential_hash is
// uniquely indexed so the lookup is O(1).
func (s *PostgresStore) FindCredentialByHash(ctx context.Context, credentialHash string) (*AgentCredential, error) {
	return scanCredential(s.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM agent_credentials WHERE credential_hash = $1`,
		credentialHash,
	))
}

func (s *PostgresStore) ListActiveCredentials(ctx context.Context, agentID string) ([]*AgentCredential, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+credentialColumns+`
		 FROM agent_credentials
		 WHERE agent_id = $1 AND status = 'active' AND expires_at > now()
		 ORDER BY credential_id`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active credentials: %w", err)
	}
	defer rows.Close()

	var out []*AgentCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkCredentialRotated(ctx context.Context, credentialID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_credentials SET status = 'rotated', rotated_at = now()
		WHERE credential_id = $1`, credentialID,
	)
	if err != nil {
		return fmt.Errorf("mark rotated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RevokeCredential(ctx context.Context, credentialID, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_credentials
		SET status = 'revoked', revoked_at = now(), revocation_reason = $2
		WHERE credential_id = $1`, credentialID, reason,
	)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertToken(ctx context.Context, tok *DelegationToken) error {
	scopes, err := json.Marshal(tok.DelegatedScopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO delegation_tokens (
			token_id, issuer_agent_id, subject_agent_id, delegated_scopes_json,
			issued_at, expires_at, parent_token_id, chain_depth, signature, revoked
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, false)`,
		tok.TokenID, tok.IssuerAgentID, tok.SubjectAgentID, scopes,
		tok.IssuedAt, tok.ExpiresAt, tok.ParentTokenID, tok.ChainDepth, tok.Signature,
	)
	return err
}

func (s *PostgresStore) GetToken(ctx context.Context, tokenID string) (*DelegationToken, error) {
	tok := &DelegationToken{}
	var scopes []byte
	err := s.db.QueryRow(ctx, `
		SELECT token_id, issuer_agent_id, subject_agent_id, delegated_scopes_json,
		       issued_at, expires_at, COALESCE(parent_token_id, ''), chain_depth,
		       signature, revoked, revoked_at
		FROM delegation_tokens WHERE token_id = $1`, tokenID,
	).Scan(
		&tok.TokenID, &tok.IssuerAgentID, &tok.SubjectAgentID, &scopes,
		&tok.IssuedAt, &tok.ExpiresAt, &tok.ParentTokenID, &tok.ChainDepth,
		&tok.Signature, &tok.Revoked, &tok.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", tokenID, err)
	}
	if err := json.Unmarshal(scopes, &tok.DelegatedScopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return tok, nil
}

func (s *PostgresStore) RevokeToken(ctx context.Context, tokenID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE delegation_tokens SET revoked = true, revoked_at = now()
		WHERE token_id = $1`, tokenID,
	)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAgentCascade runs the kill switch inside a single transaction
// guarded by a transaction-scoped advisory lock, so a concurrent verify
// observes either the entire cascade or none of it.
func (s *PostgresStore) RevokeAgentCascade(ctx context.Context, agentID, reason, actor string) (*CascadeResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cascade tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", cascadeLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE agent_identities SET status = 'revoked', updated_at = now()
		WHERE agent_id = $1`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("tombstone identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	var credCount int
	credTag, err := tx.Exec(ctx, `
		UPDATE agent_credentials
		SET status = 'revoked', revoked_at = now(), revocation_reason = $2
		WHERE agent_id = $1 AND status = 'active'`, agentID, reason,
	)
	if err != nil {
		return nil, fmt.Errorf("revoke credentials: %w", err)
	}
	credCount = int(credTag.RowsAffected())

	// The recursive walk also revokes descendants of the agent's tokens,
	// so re-delegated grants die in the same transaction.
	tokTag, err := tx.Exec(ctx, `
		WITH RECURSIVE doomed AS (
			SELECT token_id FROM delegation_tokens
			WHERE (issuer_agent_id = $1 OR subject_agent_id = $1) AND revoked = false
			UNION
			SELECT t.token_id FROM delegation_tokens t
			JOIN doomed d ON t.parent_token_id = d.token_id
			WHERE t.revoked = false
		)
		UPDATE delegation_tokens SET revoked = true, revoked_at = now()
		WHERE revoked = false AND token_id IN (SELECT token_id FROM doomed)`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("revoke tokens: %w", err)
	}
	tokCount := int(tokTag.RowsAffected())

	eventID := newID("rev")
	cascade := credCount + tokCount
	if _, err := tx.Exec(ctx, `
		INSERT INTO revocation_events (
			event_id, revoked_type, revoked_id, agent_id, reason, actor, cascade_count, created_at
		) VALUES ($1, 'agent_identity', $2, $2, $3, $4, $5, $6)`,
		eventID, agentID, reason, actor, cascade, time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("append revocation event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cascade: %w", err)
	}

	s.logger.Info("agent revocation cascade committed",
		zap.String("agent_id", agentID),
		zap.Int("revoked_credentials", credCount),
		zap.Int("revoked_tokens", tokCount),
	)
	return &CascadeResult{
		EventID:            eventID,
		AgentID:            agentID,
		RevokedCredentials: credCount,
		RevokedTokens:      tokCount,
		CascadeCount:       cascade,
	}, nil
}

func (s *PostgresStore) AppendRevocationEvent(ctx context.Context, ev *RevocationEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO revocation_events (
			event_id, revoked_type, revoked_id, agent_id, reason, actor, cascade_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.EventID, ev.RevokedType, ev.RevokedID, ev.AgentID,
		ev.Reason, ev.Actor, ev.CascadeCount, ev.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListRevocationEvents(ctx context.Context, agentID string, limit int) ([]*RevocationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT event_id, revoked_type, revoked_id, agent_id, reason, actor, cascade_count, created_at
		FROM revocation_events
		WHERE ($1 = '' OR agent_id = $1)
		ORDER BY created_at DESC LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list revocation events: %w", err)
	}
	defer rows.Close()

	var out []*RevocationEvent
	for rows.Next() {
		ev := &RevocationEvent{}
		if err := rows.Scan(
			&ev.EventID, &ev.RevokedType, &ev.RevokedID, &ev.AgentID,
			&ev.Reason, &ev.Actor, &ev.CascadeCount, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
