package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Delegation mirrors a delegation pipeline record.
type Delegation struct {
	DelegationID     string         `json:"delegation_id"`
	RequesterAgentID string         `json:"requester_agent_id"`
	DelegateAgentID  string         `json:"delegate_agent_id"`
	TokenID          string         `json:"token_id,omitempty"`
	TaskSpec         map[string]any `json:"task_spec"`
	Status           string         `json:"status"`
	Stage            string         `json:"stage"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	ActualCostUSD    float64        `json:"actual_cost_usd"`
	EscrowUSD        float64        `json:"escrow_usd"`
	MaxBudgetUSD     float64        `json:"max_budget_usd"`
	AttemptCount     int            `json:"attempt_count"`
	LastError        string         `json:"last_error,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	HeartbeatAt      time.Time      `json:"heartbeat_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	AuditEvents      []AuditEvent   `json:"audit_events"`
	Warnings         []string       `json:"warnings,omitempty"`
}

// AuditEvent is one stage transition in a delegation's trail.
type AuditEvent struct {
	Stage     string            `json:"stage"`
	Outcome   string            `json:"outcome"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SubmitDelegationParams are the inputs to SubmitDelegation. An empty
// RequesterAgentID defaults to the calling agent.
type SubmitDelegationParams struct {
	RequesterAgentID string         `json:"requester_agent_id,omitempty"`
	DelegateAgentID  string         `json:"delegate_agent_id"`
	TaskSpec         map[string]any `json:"task_spec"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	MaxBudgetUSD     float64        `json:"max_budget_usd"`
	RequiresMFA      bool           `json:"requires_mfa,omitempty"`

	// IdempotencyKey deduplicates retries; generated when empty.
	IdempotencyKey string `json:"-"`
	// MFAAttested asserts the human principal passed MFA.
	MFAAttested bool `json:"-"`
}

// SubmitDelegation runs a delegation through the pipeline and returns
// the terminal record. A denied or failed delegation surfaces as an
// *APIError; its persisted record remains fetchable via
// DelegationStatus.
func (c *Client) SubmitDelegation(ctx context.Context, p SubmitDelegationParams) (*Delegation, error) {
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = newIdempotencyKey()
	}
	headers := map[string]string{"Idempotency-Key": p.IdempotencyKey}
	if p.MFAAttested {
		headers["X-MFA-Attested"] = "true"
	}
	var out Delegation
	if err := c.call(ctx, http.MethodPost, "/v1/delegations", p, &out, headers); err != nil {
		return nil, err
	}
	return &out, nil
}

// DelegationStatus fetches a delegation with its audit trail.
func (c *Client) DelegationStatus(ctx context.Context, delegationID string) (*Delegation, error) {
	var out Delegation
	err := c.call(ctx, http.MethodGet,
		"/v1/delegations/"+url.PathEscape(delegationID)+"/status", nil, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Contract returns the published delegation contract: retry matrix,
// stage timeouts, budget thresholds, and SLA targets.
func (c *Client) Contract(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, http.MethodGet, "/v1/delegations/contract", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Dashboard mirrors the SLO dashboard response.
type Dashboard struct {
	Policy struct {
		SLOTarget             float64 `json:"slo_target"`
		ErrorRateThreshold    float64 `json:"error_rate_threshold"`
		HardStopRateThreshold float64 `json:"hard_stop_rate_threshold"`
		LatencySLOMultiplier  float64 `json:"latency_slo_multiplier"`
		MinSamples            int     `json:"min_samples"`
	} `json:"policy"`
	Window struct {
		Size        int `json:"size"`
		SampleCount int `json:"sample_count"`
	} `json:"window"`
	CircuitBreaker struct {
		State    string     `json:"state"`
		OpenedAt *time.Time `json:"opened_at,omitempty"`
	} `json:"circuit_breaker"`
	Metrics struct {
		WindowSize   int     `json:"window_size"`
		SampleCount  int     `json:"sample_count"`
		SuccessRate  float64 `json:"success_rate"`
		ErrorRate    float64 `json:"error_rate"`
		HardStopRate float64 `json:"hard_stop_rate"`
		P95LatencyMS int64   `json:"p95_latency_ms"`
		LatencySLOMS int64   `json:"latency_slo_ms"`
	} `json:"metrics"`
	ErrorBudget struct {
		SLOTarget     float64 `json:"slo_target"`
		AllowedErrors int     `json:"allowed_errors"`
		UsedErrors    int     `json:"used_errors"`
		ConsumedRatio float64 `json:"consumed_ratio"`
		Exhausted     bool    `json:"exhausted"`
	} `json:"error_budget"`
	Alerts []struct {
		Code     string `json:"code"`
		Severity string `json:"severity"`
		Message  string `json:"message"`
	} `json:"alerts"`
}

// SLODashboard returns the reliability dashboard. A zero windowSize
// uses the server's configured window.
func (c *Client) SLODashboard(ctx context.Context, windowSize int) (*Dashboard, error) {
	path := "/v1/reliability/slo-dashboard"
	if windowSize > 0 {
		path += "?window_size=" + strconv.Itoa(windowSize)
	}
	var out Dashboard
	if err := c.call(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetBreaker force-closes the circuit breaker. Requires the admin
// secret.
func (c *Client) ResetBreaker(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/v1/reliability/breaker/reset",
		struct{}{}, nil, map[string]string{"Idempotency-Key": newIdempotencyKey()})
}

// TrustedDomain mirrors a federation trust-registry row.
type TrustedDomain struct {
	DomainID      string    `json:"domain_id"`
	DisplayName   string    `json:"display_name"`
	TrustLevel    string    `json:"trust_level"`
	PublicKeyPEM  string    `json:"public_key_pem,omitempty"`
	AllowedScopes []string  `json:"allowed_scopes"`
	RegisteredBy  string    `json:"registered_by"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Attestation binds an agent to a trusted domain.
type Attestation struct {
	AttestationID string            `json:"attestation_id"`
	AgentID       string            `json:"agent_id"`
	DomainID      string            `json:"domain_id"`
	Claims        map[string]string `json:"claims,omitempty"`
	Scopes        []string          `json:"scopes"`
	IssuedAt      time.Time         `json:"issued_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Signature     string            `json:"signature"`
}

// AttestationVerification is the result of verifying an attestation.
type AttestationVerification struct {
	Valid       bool         `json:"valid"`
	Reason      string       `json:"reason,omitempty"`
	Attestation *Attestation `json:"attestation,omitempty"`
}

// RegisterDomainParams are the inputs to RegisterDomain.
type RegisterDomainParams struct {
	DomainID      string   `json:"domain_id"`
	DisplayName   string   `json:"display_name,omitempty"`
	TrustLevel    string   `json:"trust_level,omitempty"`
	PublicKeyPEM  string   `json:"public_key_pem,omitempty"`
	AllowedScopes []string `json:"allowed_scopes"`
	DomainToken   string   `json:"domain_token"`
}

// RegisterDomain registers a peer domain in the trust registry.
func (c *Client) RegisterDomain(ctx context.Context, p RegisterDomainParams) (*TrustedDomain, error) {
	var out TrustedDomain
	err := c.call(ctx, http.MethodPost, "/v1/identity/trust-registry/domains", p, &out,
		map[string]string{"Idempotency-Key": newIdempotencyKey()})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDomains lists registered trust-registry domains.
func (c *Client) ListDomains(ctx context.Context) ([]*TrustedDomain, error) {
	var out struct {
		Domains []*TrustedDomain `json:"domains"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/identity/trust-registry/domains", nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Domains, nil
}

// AttestAgent issues a domain attestation for an agent the caller
// owns.
func (c *Client) AttestAgent(ctx context.Context, agentID, domainID string, scopes []string, claims map[string]string, ttl time.Duration) (*Attestation, error) {
	body := map[string]any{
		"domain_id":   domainID,
		"scopes":      scopes,
		"claims":      claims,
		"ttl_seconds": int(ttl.Seconds()),
	}
	var out Attestation
	err := c.call(ctx, http.MethodPost,
		"/v1/identity/agents/"+url.PathEscape(agentID)+"/attest", body, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyAttestation checks an attestation's validity.
func (c *Client) VerifyAttestation(ctx context.Context, attestationID string) (*AttestationVerification, error) {
	var out AttestationVerification
	err := c.call(ctx, http.MethodGet,
		"/v1/identity/attestations/"+url.PathEscape(attestationID)+"/verify", nil, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Provenance reports the provenance chain tip and integrity.
func (c *Client) Provenance(ctx context.Context) (root string, length int, intact bool, err error) {
	var out struct {
		Root   string `json:"root"`
		Length int    `json:"length"`
		Intact bool   `json:"intact"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/system/provenance", nil, &out, nil); err != nil {
		return "", 0, false, err
	}
	return out.Root, out.Length, out.Intact, nil
}
