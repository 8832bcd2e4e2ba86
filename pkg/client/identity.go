package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Agent mirrors an agent identity record.
type Agent struct {
	AgentID               string            `json:"agent_id"`
	Owner                 string            `json:"owner"`
	CredentialType        string            `json:"credential_type"`
	Status                string            `json:"status"`
	PublicKeyPEM          string            `json:"public_key_pem,omitempty"`
	HumanPrincipalID      string            `json:"human_principal_id,omitempty"`
	ConfigurationChecksum string            `json:"configuration_checksum,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Credential mirrors credential metadata. The plaintext secret only
// ever appears in IssuedCredential.
type Credential struct {
	CredentialID     string     `json:"credential_id"`
	AgentID          string     `json:"agent_id"`
	Scopes           []string   `json:"scopes"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RotationParentID string     `json:"rotation_parent_id,omitempty"`
	Status           string     `json:"status"`
	RotatedAt        *time.Time `json:"rotated_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// IssuedCredential carries the one-time plaintext secret.
type IssuedCredential struct {
	Credential *Credential `json:"credential"`
	Secret     string      `json:"secret"`
}

// DelegationToken mirrors a delegation token record.
type DelegationToken struct {
	TokenID         string     `json:"token_id"`
	IssuerAgentID   string     `json:"issuer_agent_id"`
	SubjectAgentID  string     `json:"subject_agent_id"`
	DelegatedScopes []string   `json:"delegated_scopes"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ParentTokenID   string     `json:"parent_token_id,omitempty"`
	ChainDepth      int        `json:"chain_depth"`
	Revoked         bool       `json:"revoked"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// IssuedToken carries the one-time wire form of a delegation token.
type IssuedToken struct {
	Token     *DelegationToken `json:"token"`
	WireToken string           `json:"delegation_token"`
}

// TokenVerification is the result of a verify call.
type TokenVerification struct {
	Valid           bool             `json:"valid"`
	Token           *DelegationToken `json:"token"`
	EffectiveScopes []string         `json:"effective_scopes"`
	Chain           []string         `json:"chain"`
}

// RevocationEvent mirrors one revocation audit row.
type RevocationEvent struct {
	EventID      string    `json:"event_id"`
	RevokedType  string    `json:"revoked_type"`
	RevokedID    string    `json:"revoked_id"`
	AgentID      string    `json:"agent_id"`
	Reason       string    `json:"reason"`
	Actor        string    `json:"actor"`
	CascadeCount int       `json:"cascade_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// CascadeResult summarises a kill-switch cascade.
type CascadeResult struct {
	EventID            string `json:"event_id"`
	AgentID            string `json:"agent_id"`
	RevokedCredentials int    `json:"revoked_credentials"`
	RevokedTokens      int    `json:"revoked_tokens"`
	CascadeCount       int    `json:"cascade_count"`
}

// RegisterAgentParams are the inputs to RegisterAgent. The owner is
// derived server-side from the caller's credentials.
type RegisterAgentParams struct {
	CredentialType        string            `json:"credential_type"`
	PublicKeyPEM          string            `json:"public_key_pem,omitempty"`
	HumanPrincipalID      string            `json:"human_principal_id,omitempty"`
	ConfigurationChecksum string            `json:"configuration_checksum,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`

	// IdempotencyKey deduplicates retries; generated when empty.
	IdempotencyKey string `json:"-"`
}

// RegisterAgent registers a new agent under the caller's owner.
func (c *Client) RegisterAgent(ctx context.Context, p RegisterAgentParams) (*Agent, error) {
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = newIdempotencyKey()
	}
	var out Agent
	err := c.call(ctx, http.MethodPost, "/v1/identity/agents", p, &out,
		map[string]string{"Idempotency-Key": p.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent fetches one agent identity.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var out Agent
	if err := c.call(ctx, http.MethodGet, "/v1/identity/agents/"+url.PathEscape(agentID), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// IssueCredential mints a bearer credential for an agent the caller
// owns. The returned secret is shown exactly once.
func (c *Client) IssueCredential(ctx context.Context, agentID string, scopes []string, ttl time.Duration) (*IssuedCredential, error) {
	body := map[string]any{"scopes": scopes, "ttl_seconds": int(ttl.Seconds())}
	var out IssuedCredential
	err := c.call(ctx, http.MethodPost,
		"/v1/identity/agents/"+url.PathEscape(agentID)+"/credentials", body, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RotateCredential issues a successor credential and starts the
// predecessor's grace window.
func (c *Client) RotateCredential(ctx context.Context, credentialID string, ttl time.Duration) (*IssuedCredential, error) {
	body := map[string]any{"ttl_seconds": int(ttl.Seconds())}
	var out IssuedCredential
	err := c.call(ctx, http.MethodPost,
		"/v1/identity/credentials/"+url.PathEscape(credentialID)+"/rotate", body, &out,
		map[string]string{"Idempotency-Key": newIdempotencyKey()})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeCredential revokes a single credential.
func (c *Client) RevokeCredential(ctx context.Context, credentialID, reason string) (*RevocationEvent, error) {
	var out struct {
		RevocationEvent *RevocationEvent `json:"revocation_event"`
	}
	err := c.call(ctx, http.MethodPost,
		"/v1/identity/credentials/"+url.PathEscape(credentialID)+"/revoke",
		map[string]string{"reason": reason}, &out,
		map[string]string{"Idempotency-Key": newIdempotencyKey()})
	if err != nil {
		return nil, err
	}
	return out.RevocationEvent, nil
}

// RevokeAgent fires the kill switch: the identity, its credentials,
// and every token it touches are revoked in one cascade.
func (c *Client) RevokeAgent(ctx context.Context, agentID, reason string) (*CascadeResult, error) {
	var out CascadeResult
	err := c.call(ctx, http.MethodPost,
		"/v1/identity/agents/"+url.PathEscape(agentID)+"/revoke",
		map[string]string{"reason": reason}, &out,
		map[string]string{"Idempotency-Key": newIdempotencyKey()})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRevocations returns the revocation audit trail, newest first.
func (c *Client) ListRevocations(ctx context.Context, agentID string, limit int) ([]*RevocationEvent, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/identity/revocations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		RevocationEvents []*RevocationEvent `json:"revocation_events"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return out.RevocationEvents, nil
}

// IssueTokenParams are the inputs to IssueDelegationToken. An empty
// IssuerAgentID defaults to the calling agent.
type IssueTokenParams struct {
	IssuerAgentID  string   `json:"issuer_agent_id,omitempty"`
	SubjectAgentID string   `json:"subject_agent_id"`
	Scopes         []string `json:"scopes"`
	TTLSeconds     int      `json:"ttl_seconds,omitempty"`
	ParentTokenID  string   `json:"parent_token_id,omitempty"`
}

// IssueDelegationToken mints a scope-attenuated delegation token. The
// wire token is returned exactly once.
func (c *Client) IssueDelegationToken(ctx context.Context, p IssueTokenParams) (*IssuedToken, error) {
	var out IssuedToken
	if err := c.call(ctx, http.MethodPost, "/v1/identity/delegation-tokens", p, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyDelegationToken verifies a wire token and returns its
// effective scopes and ancestor chain.
func (c *Client) VerifyDelegationToken(ctx context.Context, wireToken string) (*TokenVerification, error) {
	var out TokenVerification
	err := c.call(ctx, http.MethodPost, "/v1/identity/delegation-tokens/verify",
		map[string]string{"delegation_token": wireToken}, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TokenChain returns the ancestry of a delegation token, root first.
func (c *Client) TokenChain(ctx context.Context, tokenID string) ([]string, error) {
	var out struct {
		Chain []string `json:"chain"`
		Depth int      `json:"depth"`
	}
	err := c.call(ctx, http.MethodGet,
		"/v1/identity/delegation-tokens/"+url.PathEscape(tokenID)+"/chain", nil, &out, nil)
	if err != nil {
		return nil, err
	}
	return out.Chain, nil
}
