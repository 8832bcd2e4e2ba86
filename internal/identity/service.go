package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/crypto"
)

// Service implements the agent identity lifecycle: registration,
// credential issuance and rotation, verification, and revocation
// including the kill-switch cascade.
type Service struct {
	store        Store
	signer       *crypto.Signer
	onRevocation func(context.Context, *RevocationEvent)
	logger       *zap.Logger
	now          func() time.Time
}

// NewService creates an identity Service.
func NewService(store Store, signer *crypto.Signer, logger *zap.Logger) *Service {
	return &Service{store: store, signer: signer, logger: logger, now: time.Now}
}

// Store exposes the underlying store for wiring sibling services.
func (s *Service) Store() Store { return s.store }

// OnRevocation registers a callback fired after every committed
// revocation, single or cascade. Used to feed the outbox and the
// provenance ledger.
func (s *Service) OnRevocation(fn func(context.Context, *RevocationEvent)) {
	s.onRevocation = fn
}

func (s *Service) notifyRevocation(ctx context.Context, ev *RevocationEvent) {
	if s.onRevocation != nil {
		s.onRevocation(ctx, ev)
	}
}

// RegisterParams are the inputs to agent registration.
type RegisterParams struct {
	Owner                 string
	CredentialType        CredentialType
	PublicKeyPEM          string
	HumanPrincipalID      string
	ConfigurationChecksum string
	Metadata              map[string]string
}

// RegisterAgent creates a new active agent identity.
func (s *Service) RegisterAgent(ctx context.Context, p RegisterParams) (*AgentIdentity, error) {
	if p.Owner == "" {
		return nil, apierror.Validation(apierror.CodeValidation, "owner is required")
	}
	if !ValidCredentialType(p.CredentialType) {
		return nil, apierror.Validation(apierror.CodeValidation,
			fmt.Sprintf("unknown credential_type %q", p.CredentialType))
	}
	now := s.now().UTC()
	ident := &AgentIdentity{
		AgentID:               newID("agt"),
		Owner:                 p.Owner,
		CredentialType:        p.CredentialType,
		Status:                IdentityActive,
		PublicKeyPEM:          p.PublicKeyPEM,
		HumanPrincipalID:      p.HumanPrincipalID,
		ConfigurationChecksum: p.ConfigurationChecksum,
		Metadata:              p.Metadata,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.InsertIdentity(ctx, ident); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	s.logger.Info("agent registered",
		zap.String("agent_id", ident.AgentID),
		zap.String("owner", ident.Owner),
		zap.String("credential_type", string(ident.CredentialType)),
	)
	return ident, nil
}

// GetAgent loads an identity by ID.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*AgentIdentity, error) {
	ident, err := s.store.GetIdentity(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil, apierror.NotFound("agent not found")
	}
	return ident, err
}

// ListAgentsByOwner lists identities registered under an owner.
func (s *Service) ListAgentsByOwner(ctx context.Context, owner string) ([]*AgentIdentity, error) {
	return s.store.ListIdentitiesByOwner(ctx, owner)
}

// IssuedCredential pairs credential metadata with the plaintext secret.
// The secret is returned exactly once at issuance and never again.
type IssuedCredential struct {
	Credential *AgentCredential `json:"credential"`
	Secret     string           `json:"secret"`
}

// IssueCredential mints a bearer credential for an active agent. Only
// the HMAC hash of the secret is persisted; TTL is clamped to
// [MinTTL, MaxTTL].
func (s *Service) IssueCredential(ctx context.Context, agentID string, scopes []string, ttl time.Duration) (*IssuedCredential, error) {
	ident, err := s.store.GetIdentity(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.NotFound("agent not found")
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if err := requireActive(ident); err != nil {
		return nil, err
	}
	scopes = NormalizeScopes(scopes)
	if len(scopes) == 0 {
		return nil, apierror.Validation(apierror.CodeValidation, "at least one scope is required")
	}

	secret, err := crypto.RandomSecret(crypto.DefaultSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	now := s.now().UTC()
	cred := &AgentCredential{
		CredentialID:   newID("cred"),
		AgentID:        agentID,
		CredentialHash: s.signer.Hash(secret),
		Scopes:         scopes,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ClampTTL(ttl)),
		Status:         CredActive,
	}
	if err := s.store.InsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	s.logger.Info("credential issued",
		zap.String("credential_id", cred.CredentialID),
		zap.String("agent_id", agentID),
		zap.Time("expires_at", cred.ExpiresAt),
	)
	return &IssuedCredential{Credential: cred, Secret: secret}, nil
}

// VerifyCredential resolves a plaintext secret to its credential and
// identity. Rotated credentials still verify inside RotationGrace;
// everything else fails closed.
func (s *Service) VerifyCredential(ctx context.Context, secret string) (*AgentCredential, *AgentIdentity, error) {
	cred, err := s.store.FindCredentialByHash(ctx, s.signer.Hash(secret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, apierror.Auth(apierror.CodeInvalidCredential, "unknown credential")
		}
		return nil, nil, fmt.Errorf("lookup credential: %w", err)
	}
	now := s.now().UTC()
	switch cred.Status {
	case CredActive:
	case CredRotated:
		if cred.RotatedAt == nil || now.After(cred.RotatedAt.Add(RotationGrace)) {
			return nil, nil, apierror.Auth(apierror.CodeCredentialExpired, "rotated credential grace window elapsed")
		}
	default:
		return nil, nil, apierror.Auth(apierror.CodeIdentityRevoked, "credential revoked")
	}
	if !cred.ExpiresAt.After(now) {
		return nil, nil, apierror.Auth(apierror.CodeCredentialExpired, "credential expired")
	}

	ident, err := s.store.GetIdentity(ctx, cred.AgentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, apierror.Auth(apierror.CodeIdentityNotFound, "credential owner no longer registered")
		}
		return nil, nil, fmt.Errorf("load credential owner: %w", err)
	}
	if err := requireActive(ident); err != nil {
		return nil, nil, err
	}
	return cred, ident, nil
}

// RotateCredential issues a successor with the same scopes and marks
// the old credential rotated, starting its grace window. The successor
// carries a fresh secret and the old credential as rotation parent.
func (s *Service) RotateCredential(ctx context.Context, credentialID string, ttl time.Duration) (*IssuedCredential, error) {
	old, err := s.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.NotFound("credential not found")
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if old.Status != CredActive {
		return nil, apierror.Conflict(apierror.CodeInvalidCredential,
			fmt.Sprintf("only active credentials rotate; status is %s", old.Status))
	}

	secret, err := crypto.RandomSecret(crypto.DefaultSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	now := s.now().UTC()
	next := &AgentCredential{
		CredentialID:     newID("cred"),
		AgentID:          old.AgentID,
		CredentialHash:   s.signer.Hash(secret),
		Scopes:           NormalizeScopes(old.Scopes),
		IssuedAt:         now,
		ExpiresAt:        now.Add(ClampTTL(ttl)),
		RotationParentID: old.CredentialID,
		Status:           CredActive,
	}
	if err := s.store.InsertCredential(ctx, next); err != nil {
		return nil, fmt.Errorf("persist rotated credential: %w", err)
	}
	if err := s.store.MarkCredentialRotated(ctx, old.CredentialID); err != nil {
		return nil, fmt.Errorf("mark predecessor rotated: %w", err)
	}
	s.logger.Info("credential rotated",
		zap.String("old_credential_id", old.CredentialID),
		zap.String("new_credential_id", next.CredentialID),
		zap.String("agent_id", old.AgentID),
	)
	return &IssuedCredential{Credential: next, Secret: secret}, nil
}

// RevokeCredential revokes a single credential and records the event.
func (s *Service) RevokeCredential(ctx context.Context, credentialID, reason, actor string) (*RevocationEvent, error) {
	cred, err := s.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.NotFound("credential not found")
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if err := s.store.RevokeCredential(ctx, credentialID, reason); err != nil {
		return nil, fmt.Errorf("revoke credential: %w", err)
	}
	ev := &RevocationEvent{
		EventID:     newID("rev"),
		RevokedType: RevokedCredential,
		RevokedID:   credentialID,
		AgentID:     cred.AgentID,
		Reason:      reason,
		Actor:       actor,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AppendRevocationEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record revocation: %w", err)
	}
	s.logger.Warn("credential revoked",
		zap.String("credential_id", credentialID),
		zap.String("agent_id", cred.AgentID),
		zap.String("reason", reason),
	)
	s.notifyRevocation(ctx, ev)
	return ev, nil
}

// RevokeDelegationToken revokes one token and records the event.
// Descendants are caught at verification time by the chain walk.
func (s *Service) RevokeDelegationToken(ctx context.Context, tokenID, reason, actor string) (*RevocationEvent, error) {
	tok, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.NotFound("delegation token not found")
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	if err := s.store.RevokeToken(ctx, tokenID); err != nil {
		return nil, fmt.Errorf("revoke token: %w", err)
	}
	ev := &RevocationEvent{
		EventID:     newID("rev"),
		RevokedType: RevokedDelegationToken,
		RevokedID:   tokenID,
		AgentID:     tok.IssuerAgentID,
		Reason:      reason,
		Actor:       actor,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AppendRevocationEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record revocation: %w", err)
	}
	s.logger.Warn("delegation token revoked",
		zap.String("token_id", tokenID),
		zap.String("reason", reason),
	)
	s.notifyRevocation(ctx, ev)
	return ev, nil
}

// RevokeAgent is the kill switch: the identity, all active
// credentials, and every token touching the agent are revoked in one
// atomic cascade.
func (s *Service) RevokeAgent(ctx context.Context, agentID, reason, actor string) (*CascadeResult, error) {
	res, err := s.store.RevokeAgentCascade(ctx, agentID, reason, actor)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.NotFound("agent not found")
		}
		return nil, fmt.Errorf("revoke agent: %w", err)
	}
	s.logger.Warn("agent kill switch fired",
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
		zap.String("actor", actor),
		zap.Int("cascade_count", res.CascadeCount),
	)
	s.notifyRevocation(ctx, &RevocationEvent{
		EventID:      res.EventID,
		RevokedType:  RevokedAgentIdentity,
		RevokedID:    agentID,
		AgentID:      agentID,
		Reason:       reason,
		Actor:        actor,
		CascadeCount: res.CascadeCount,
		CreatedAt:    s.now().UTC(),
	})
	return res, nil
}

// RevokeAllForOwner fires the kill switch for every non-revoked agent
// the owner has registered.
func (s *Service) RevokeAllForOwner(ctx context.Context, owner, reason, actor string) ([]*CascadeResult, error) {
	idents, err := s.store.ListIdentitiesByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list owner agents: %w", err)
	}
	var out []*CascadeResult
	for _, ident := range idents {
		if ident.Status == IdentityRevoked {
			continue
		}
		res, err := s.store.RevokeAgentCascade(ctx, ident.AgentID, reason, actor)
		if err != nil {
			return nil, fmt.Errorf("cascade %s: %w", ident.AgentID, err)
		}
		s.notifyRevocation(ctx, &RevocationEvent{
			EventID:      res.EventID,
			RevokedType:  RevokedAgentIdentity,
			RevokedID:    ident.AgentID,
			AgentID:      ident.AgentID,
			Reason:       reason,
			Actor:        actor,
			CascadeCount: res.CascadeCount,
			CreatedAt:    s.now().UTC(),
		})
		out = append(out, res)
	}
	return out, nil
}

// SuspendAgent pauses an identity without destroying credentials.
func (s *Service) SuspendAgent(ctx context.Context, agentID string) error {
	if err := s.store.UpdateIdentityStatus(ctx, agentID, IdentitySuspended); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apierror.NotFound("agent not found")
		}
		return fmt.Errorf("suspend agent: %w", err)
	}
	return nil
}

// ListCredentials returns active credential metadata for an agent.
// Secrets and hashes are never included.
func (s *Service) ListCredentials(ctx context.Context, agentID string) ([]*AgentCredential, error) {
	if _, err := s.store.GetIdentity(ctx, agentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.NotFound("agent not found")
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}
	return s.store.ListActiveCredentials(ctx, agentID)
}

// ListRevocationEvents returns the revocation audit trail, newest
// first, optionally filtered by agent.
func (s *Service) ListRevocationEvents(ctx context.Context, agentID string, limit int) ([]*RevocationEvent, error) {
	return s.store.ListRevocationEvents(ctx, agentID, limit)
}
