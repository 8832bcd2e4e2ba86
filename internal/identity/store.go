package identity

import (
	"context"
	"errors"
)

// Sentinel store errors.
var (
	ErrNotFound          = errors.New("identity record not found")
	ErrCredentialExists  = errors.New("credential hash already exists")
	ErrAlreadyRegistered = errors.New("agent already registered")
)

// CascadeResult summarises a kill-switch transaction.
type CascadeResult struct {
	EventID            string `json:"event_id"`
	AgentID            string `json:"agent_id"`
	RevokedCredentials int    `json:"revoked_credentials"`
	RevokedTokens      int    `json:"revoked_tokens"`
	CascadeCount       int    `json:"cascade_count"`
}

// Store is the durable identity store. The Postgres implementation is
// authoritative in production; the memory implementation backs tests and
// dev mode. All multi-row mutations are atomic: a concurrent reader sees
// either none or all of a cascade.
type Store interface {
	// Identities
	InsertIdentity(ctx context.Context, ident *AgentIdentity) error
	GetIdentity(ctx context.Context, agentID string) (*AgentIdentity, error)
	UpdateIdentityStatus(ctx context.Context, agentID string, status IdentityStatus) error
	ListIdentitiesByOwner(ctx context.Context, owner string) ([]*AgentIdentity, error)
	// ListActiveEndpoints returns active identities whose metadata
	// carries a probeable "endpoint" URL.
	ListActiveEndpoints(ctx context.Context) ([]*AgentIdentity, error)

	// Credentials
	InsertCredential(ctx context.Context, cred *AgentCredential) error
	GetCredential(ctx context.Context, credentialID string) (*AgentCredential, error)
	FindCredentialByHash(ctx context.Context, credentialHash string) (*AgentCredential, error)
	ListActiveCredentials(ctx context.Context, agentID string) ([]*AgentCredential, error)
	MarkCredentialRotated(ctx context.Context, credentialID string) error
	RevokeCredential(ctx context.Context, credentialID, reason string) error

	// Delegation tokens
	InsertToken(ctx context.Context, tok *DelegationToken) error
	GetToken(ctx context.Context, tokenID string) (*DelegationToken, error)
	RevokeToken(ctx context.Context, tokenID string) error

	// RevokeAgentCascade runs the kill switch in one transaction: the
	// identity is tombstoned, every active credential and every
	// non-revoked token with the agent as issuer or subject is revoked,
	// and a single RevocationEvent carrying the cascade count is
	// appended. No partial cascade is ever observable.
	RevokeAgentCascade(ctx context.Context, agentID, reason, actor string) (*CascadeResult, error)

	// Revocation audit
	AppendRevocationEvent(ctx context.Context, ev *RevocationEvent) error
	ListRevocationEvents(ctx context.Context, agentID string, limit int) ([]*RevocationEvent, error)
}
