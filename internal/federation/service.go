package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/crypto"
	"github.com/agenthub/agenthub/internal/identity"
)

// attestationEnvelope is the payload signed into an attestation.
type attestationEnvelope struct {
	AttestationID string `json:"aid"`
	AgentID       string `json:"agent"`
	DomainID      string `json:"dom"`
	ExpiresAt     int64  `json:"exp"`
}

// Service manages the trust registry and signs agent attestations with
// the identity signing secret.
type Service struct {
	store    Store
	identity identity.Store
	signer   *crypto.Signer
	// domainTokens maps domain_id to the shared registration token an
	// admin must present to register that domain.
	domainTokens map[string]string
	logger       *zap.Logger
	now          func() time.Time
}

// NewService creates a federation Service.
func NewService(store Store, ids identity.Store, signer *crypto.Signer, domainTokens map[string]string, logger *zap.Logger) *Service {
	return &Service{
		store:        store,
		identity:     ids,
		signer:       signer,
		domainTokens: domainTokens,
		logger:       logger,
		now:          time.Now,
	}
}

// RegisterDomainParams are the inputs to domain registration.
type RegisterDomainParams struct {
	DomainID      string
	DisplayName   string
	TrustLevel    TrustLevel
	PublicKeyPEM  string
	AllowedScopes []string
	DomainToken   string
	RegisteredBy  string
}

// RegisterDomain adds a trusted domain. The caller must present the
// configured registration token for that domain.
func (s *Service) RegisterDomain(ctx context.Context, p RegisterDomainParams) (*TrustedDomain, error) {
	if p.DomainID == "" {
		return nil, apierror.Validation(apierror.CodeValidation, "domain_id is required")
	}
	expected, ok := s.domainTokens[p.DomainID]
	if !ok || !crypto.ConstantTimeEq(expected, p.DomainToken) {
		return nil, apierror.Policy(apierror.CodeAdminOnly, "domain registration token mismatch")
	}
	level := p.TrustLevel
	if level == "" {
		level = TrustProvisional
	}
	if !ValidTrustLevel(level) {
		return nil, apierror.Validation(apierror.CodeValidation,
			fmt.Sprintf("unknown trust_level %q", level))
	}
	now := s.now().UTC()
	d := &TrustedDomain{
		DomainID:      p.DomainID,
		DisplayName:   p.DisplayName,
		TrustLevel:    level,
		PublicKeyPEM:  p.PublicKeyPEM,
		AllowedScopes: identity.NormalizeScopes(p.AllowedScopes),
		RegisteredBy:  p.RegisteredBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertDomain(ctx, d); err != nil {
		if errors.Is(err, ErrDomainExists) {
			return nil, apierror.Conflict(apierror.CodeValidation, "domain already registered")
		}
		return nil, fmt.Errorf("register domain: %w", err)
	}
	s.logger.Info("trusted domain registered",
		zap.String("domain_id", d.DomainID),
		zap.String("trust_level", string(d.TrustLevel)),
	)
	return d, nil
}

// ListDomains lists the trust registry.
func (s *Service) ListDomains(ctx context.Context) ([]*TrustedDomain, error) {
	return s.store.ListDomains(ctx)
}

// RevokeDomain marks a domain revoked; its attestations stop verifying
// immediately.
func (s *Service) RevokeDomain(ctx context.Context, domainID string) error {
	if err := s.store.UpdateDomainTrust(ctx, domainID, TrustRevoked); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apierror.NotFound("domain not found")
		}
		return fmt.Errorf("revoke domain: %w", err)
	}
	return nil
}

// Attest issues a signed attestation binding an active agent to a
// trusted domain. Attested scopes must be a subset of the domain's
// allowed scopes; TTL is clamped like any other credential lifetime.
func (s *Service) Attest(ctx context.Context, agentID, domainID string, scopes []string, claims map[string]string, ttl time.Duration) (*AgentAttestation, error) {
	ident, err := s.identity.GetIdentity(ctx, agentID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, apierror.NotFound("agent not found")
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if ident.Status != identity.IdentityActive {
		return nil, apierror.Policy(apierror.CodeIdentityRevoked, "agent is not active")
	}
	domain, err := s.store.GetDomain(ctx, domainID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.NotFound("domain not found")
		}
		return nil, fmt.Errorf("load domain: %w", err)
	}
	if domain.TrustLevel == TrustRevoked {
		return nil, apierror.Policy(apierror.CodeIdentityRevoked, "domain trust is revoked")
	}
	scopes = identity.NormalizeScopes(scopes)
	if !identity.ScopesCover(domain.AllowedScopes, scopes) {
		return nil, apierror.Policy(apierror.CodeScopeNotAttenuated,
			"attested scopes exceed the domain's allowed scopes")
	}

	now := s.now().UTC()
	a := &AgentAttestation{
		AttestationID: newAttestationID(),
		AgentID:       agentID,
		DomainID:      domainID,
		Claims:        claims,
		Scopes:        scopes,
		IssuedAt:      now,
		ExpiresAt:     now.Add(identity.ClampTTL(ttl)),
	}
	sig, err := s.sign(a)
	if err != nil {
		return nil, err
	}
	a.Signature = sig
	if err := s.store.InsertAttestation(ctx, a); err != nil {
		return nil, fmt.Errorf("persist attestation: %w", err)
	}
	s.logger.Info("agent attested",
		zap.String("attestation_id", a.AttestationID),
		zap.String("agent_id", agentID),
		zap.String("domain_id", domainID),
	)
	return a, nil
}

// VerifyResult is the outcome of an attestation verification.
type VerifyResult struct {
	Valid       bool              `json:"valid"`
	Reason      string            `json:"reason,omitempty"`
	Attestation *AgentAttestation `json:"attestation,omitempty"`
}

// VerifyAttestation checks signature, expiry, agent status, domain
// trust, and the scope ceiling. It reports a reason instead of an
// error for invalid attestations so gateways can log the rejection.
func (s *Service) VerifyAttestation(ctx context.Context, attestationID string) (*VerifyResult, error) {
	a, err := s.store.GetAttestation(ctx, attestationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.NotFound("attestation not found")
		}
		return nil, fmt.Errorf("load attestation: %w", err)
	}
	expected, err := s.sign(a)
	if err != nil {
		return nil, err
	}
	if !crypto.ConstantTimeEq(expected, a.Signature) {
		return &VerifyResult{Valid: false, Reason: "signature mismatch"}, nil
	}
	if !a.ExpiresAt.After(s.now().UTC()) {
		return &VerifyResult{Valid: false, Reason: "attestation expired"}, nil
	}
	ident, err := s.identity.GetIdentity(ctx, a.AgentID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return &VerifyResult{Valid: false, Reason: "agent not registered"}, nil
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if ident.Status != identity.IdentityActive {
		return &VerifyResult{Valid: false, Reason: "agent not active"}, nil
	}
	domain, err := s.store.GetDomain(ctx, a.DomainID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &VerifyResult{Valid: false, Reason: "domain not registered"}, nil
		}
		return nil, fmt.Errorf("load domain: %w", err)
	}
	if domain.TrustLevel == TrustRevoked {
		return &VerifyResult{Valid: false, Reason: "domain trust revoked"}, nil
	}
	if !identity.ScopesCover(domain.AllowedScopes, a.Scopes) {
		return &VerifyResult{Valid: false, Reason: "attested scopes exceed domain allowance"}, nil
	}
	return &VerifyResult{Valid: true, Attestation: a}, nil
}

// CrossDomainScopeAllowed is the gateway helper: it reports whether a
// foreign domain's agents may act with the given scope here.
func (s *Service) CrossDomainScopeAllowed(ctx context.Context, domainID, scope string) (bool, error) {
	domain, err := s.store.GetDomain(ctx, domainID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load domain: %w", err)
	}
	if domain.TrustLevel == TrustRevoked {
		return false, nil
	}
	return identity.HasScope(domain.AllowedScopes, scope), nil
}

func (s *Service) sign(a *AgentAttestation) (string, error) {
	payload, err := crypto.Canonical(attestationEnvelope{
		AttestationID: a.AttestationID,
		AgentID:       a.AgentID,
		DomainID:      a.DomainID,
		ExpiresAt:     a.ExpiresAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("canonicalise attestation: %w", err)
	}
	return s.signer.Sign(payload), nil
}
