package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel store errors.
var (
	ErrNotFound     = errors.New("federation record not found")
	ErrDomainExists = errors.New("domain already registered")
)

// Store persists trusted domains and attestations.
type Store interface {
	InsertDomain(ctx context.Context, d *TrustedDomain) error
	GetDomain(ctx context.Context, domainID string) (*TrustedDomain, error)
	UpdateDomainTrust(ctx context.Context, domainID string, level TrustLevel) error
	ListDomains(ctx context.Context) ([]*TrustedDomain, error)

	InsertAttestation(ctx context.Context, a *AgentAttestation) error
	GetAttestation(ctx context.Context, attestationID string) (*AgentAttestation, error)
}

// MemoryStore is the in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu           sync.RWMutex
	domains      map[string]*TrustedDomain
	attestations map[string]*AgentAttestation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		domains:      make(map[string]*TrustedDomain),
		attestations: make(map[string]*AgentAttestation),
	}
}

func (s *MemoryStore) InsertDomain(_ context.Context, d *TrustedDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[d.DomainID]; ok {
		return ErrDomainExists
	}
	cp := *d
	s.domains[d.DomainID] = &cp
	return nil
}

func (s *MemoryStore) GetDomain(_ context.Context, domainID string) (*TrustedDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[domainID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) UpdateDomainTrust(_ context.Context, domainID string, level TrustLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[domainID]
	if !ok {
		return ErrNotFound
	}
	d.TrustLevel = level
	return nil
}

func (s *MemoryStore) ListDomains(_ context.Context) ([]*TrustedDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TrustedDomain, 0, len(s.domains))
	for _, d := range s.domains {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DomainID < out[j].DomainID })
	return out, nil
}

func (s *MemoryStore) InsertAttestation(_ context.Context, a *AgentAttestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attestations[a.AttestationID] = &cp
	return nil
}

func (s *MemoryStore) GetAttestation(_ context.Context, attestationID string) (*AgentAttestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attestations[attestationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// PostgresStore persists federation tables in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on the pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertDomain(ctx context.Context, d *TrustedDomain) error {
	scopes, err := json.Marshal(d.AllowedScopes)
	if err != nil {
		return fmt.Errorf("marshal allowed scopes: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO trusted_domains (
			domain_id, display_name, trust_level, public_key_pem,
			allowed_scopes, registered_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (domain_id) DO NOTHING`,
		d.DomainID, d.DisplayName, d.TrustLevel, d.PublicKeyPEM,
		scopes, d.RegisteredBy, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDomainExists
	}
	return nil
}

func (s *PostgresStore) GetDomain(ctx context.Context, domainID string) (*TrustedDomain, error) {
	d := &TrustedDomain{}
	var scopes []byte
	err := s.db.QueryRow(ctx, `
		SELECT domain_id, display_name, trust_level, COALESCE(public_key_pem, ''),
		       allowed_scopes, registered_by, created_at, updated_at
		FROM trusted_domains WHERE domain_id = $1`, domainID,
	).Scan(&d.DomainID, &d.DisplayName, &d.TrustLevel, &d.PublicKeyPEM,
		&scopes, &d.RegisteredBy, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	if err := json.Unmarshal(scopes, &d.AllowedScopes); err != nil {
		return nil, fmt.Errorf("decode allowed scopes: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) UpdateDomainTrust(ctx context.Context, domainID string, level TrustLevel) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trusted_domains SET trust_level = $2, updated_at = now()
		WHERE domain_id = $1`, domainID, level,
	)
	if err != nil {
		return fmt.Errorf("update domain trust: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDomains(ctx context.Context) ([]*TrustedDomain, error) {
	rows, err := s.db.Query(ctx, `
		SELECT domain_id, display_name, trust_level, COALESCE(public_key_pem, ''),
		       allowed_scopes, registered_by, created_at, updated_at
		FROM trusted_domains ORDER BY domain_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []*TrustedDomain
	for rows.Next() {
		d := &TrustedDomain{}
		var scopes []byte
		if err := rows.Scan(&d.DomainID, &d.DisplayName, &d.TrustLevel, &d.PublicKeyPEM,
			&scopes, &d.RegisteredBy, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(scopes, &d.AllowedScopes); err != nil {
			return nil, fmt.Errorf("decode allowed scopes: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAttestation(ctx context.Context, a *AgentAttestation) error {
	claims, err := json.Marshal(a.Claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	scopes, err := json.Marshal(a.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_attestations (
			attestation_id, agent_id, domain_id, claims, scopes,
			issued_at, expires_at, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.AttestationID, a.AgentID, a.DomainID, claims, scopes,
		a.IssuedAt, a.ExpiresAt, a.Signature,
	)
	return err
}

func (s *PostgresStore) GetAttestation(ctx context.Context, attestationID string) (*AgentAttestation, error) {
	a := &AgentAttestation{}
	var claims, scopes []byte
	err := s.db.QueryRow(ctx, `
		SELECT attestation_id, agent_id, domain_id, claims, scopes,
		       issued_at, expires_at, signature
		FROM agent_attestations WHERE attestation_id = $1`, attestationID,
	).Scan(&a.AttestationID, &a.AgentID, &a.DomainID, &claims, &scopes,
		&a.IssuedAt, &a.ExpiresAt, &a.Signature)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attestation: %w", err)
	}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &a.Claims); err != nil {
			return nil, fmt.Errorf("decode claims: %w", err)
		}
	}
	if err := json.Unmarshal(scopes, &a.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return a, nil
}
