package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/crypto"
)

// tokenEnvelope is the exact payload signed into a delegation token.
// Field order is irrelevant: signing canonicalises the JSON first.
type tokenEnvelope struct {
	TokenID       string   `json:"token_id"`
	Issuer        string   `json:"issuer"`
	Subject       string   `json:"subject"`
	Scopes        []string `json:"scopes"`
	IssuedAt      int64    `json:"issued_at"`
	ExpiresAt     int64    `json:"expires_at"`
	ParentTokenID string   `json:"parent_token_id"`
	ChainDepth    int      `json:"chain_depth"`
}

// TokenEngine issues and verifies scope-attenuated delegation tokens.
// Every issued token narrows or preserves its issuer's effective
// authority; the engine rejects any attempt to widen it.
type TokenEngine struct {
	store  Store
	signer *crypto.Signer
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenEngine creates a TokenEngine over the given store and signer.
func NewTokenEngine(store Store, signer *crypto.Signer, logger *zap.Logger) *TokenEngine {
	return &TokenEngine{store: store, signer: signer, logger: logger, now: time.Now}
}

// IssueParams are the inputs to token issuance.
type IssueParams struct {
	IssuerAgentID  string
	SubjectAgentID string
	Scopes         []string
	TTL            time.Duration
	// ParentTokenID, when set, makes this a re-delegation: the new
	// token attaches below the parent in the chain.
	ParentTokenID string
}

// IssuedToken pairs the stored token row with the one-time wire form
// "<token_id>.<signature>". The wire form is shown exactly once.
type IssuedToken struct {
	Token     *DelegationToken `json:"token"`
	WireToken string           `json:"delegation_token"`
}

// Issue mints a delegation token. The attenuation law is enforced
// here: requested scopes must be covered by the issuer's effective
// scopes at the point of issuance, expiry may not outlive the parent,
// and the chain may not exceed MaxChainDepth.
func (e *TokenEngine) Issue(ctx context.Context, p IssueParams) (*IssuedToken, error) {
	issuer, err := e.store.GetIdentity(ctx, p.IssuerAgentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.Auth(apierror.CodeIdentityNotFound, "issuer agent not found")
		}
		return nil, fmt.Errorf("load issuer: %w", err)
	}
	if err := requireActive(issuer); err != nil {
		return nil, err
	}
	subject, err := e.store.GetIdentity(ctx, p.SubjectAgentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.Validation(apierror.CodeIdentityNotFound, "subject agent not found")
		}
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if err := requireActive(subject); err != nil {
		return nil, err
	}

	scopes := NormalizeScopes(p.Scopes)
	if len(scopes) == 0 {
		return nil, apierror.Validation(apierror.CodeValidation, "at least one scope is required")
	}

	now := e.now().UTC()
	expiresAt := now.Add(ClampTTL(p.TTL))
	depth := 0

	if p.ParentTokenID != "" {
		parent, parentScopes, err := e.verifyChain(ctx, p.ParentTokenID, now)
		if err != nil {
			return nil, err
		}
		if parent.SubjectAgentID != p.IssuerAgentID {
			return nil, apierror.Auth(apierror.CodeChainInvalid,
				"parent token subject does not match issuer").
				WithFields(map[string]any{"failing_hop": 0, "parent_token_id": p.ParentTokenID})
		}
		if parent.ChainDepth >= MaxChainDepth {
			return nil, apierror.Policy(apierror.CodeChainTooDeep,
				fmt.Sprintf("delegation chain depth limit is %d", MaxChainDepth))
		}
		if !ScopesCover(parentScopes, scopes) {
			return nil, apierror.Validation(apierror.CodeScopeNotAttenuated,
				"requested scopes exceed the parent token's effective scopes")
		}
		if expiresAt.After(parent.ExpiresAt) {
			expiresAt = parent.ExpiresAt
		}
		depth = parent.ChainDepth + 1
	} else {
		granted, err := e.issuerGrantedScopes(ctx, p.IssuerAgentID)
		if err != nil {
			return nil, err
		}
		if !ScopesCover(granted, scopes) {
			return nil, apierror.Validation(apierror.CodeScopeNotAttenuated,
				"requested scopes exceed the issuer's credential scopes")
		}
	}

	tok := &DelegationToken{
		TokenID:         newID("dtk"),
		IssuerAgentID:   p.IssuerAgentID,
		SubjectAgentID:  p.SubjectAgentID,
		DelegatedScopes: scopes,
		IssuedAt:        now,
		ExpiresAt:       expiresAt,
		ParentTokenID:   p.ParentTokenID,
		ChainDepth:      depth,
	}
	sig, err := e.sign(tok)
	if err != nil {
		return nil, err
	}
	tok.Signature = sig

	if err := e.store.InsertToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	e.logger.Info("delegation token issued",
		zap.String("token_id", tok.TokenID),
		zap.String("issuer", tok.IssuerAgentID),
		zap.String("subject", tok.SubjectAgentID),
		zap.Int("chain_depth", tok.ChainDepth),
	)
	return &IssuedToken{Token: tok, WireToken: tok.TokenID + "." + sig}, nil
}

// VerifiedToken is the result of a successful verification: the token
// row plus the effective scopes after intersecting the whole chain.
type VerifiedToken struct {
	Token           *DelegationToken `json:"token"`
	EffectiveScopes []string         `json:"effective_scopes"`
	Chain           []string         `json:"chain"`
}

// Verify checks a wire token end to end: format, signature, expiry,
// revocation, issuer/subject identity status, and the full ancestor
// chain. Effective scopes are the intersection of every link.
func (e *TokenEngine) Verify(ctx context.Context, wireToken string) (*VerifiedToken, error) {
	tokenID, sig, ok := splitWireToken(wireToken)
	if !ok {
		return nil, apierror.Auth(apierror.CodeInvalidCredential, "malformed delegation token")
	}
	tok, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierror.Auth(apierror.CodeInvalidCredential, "unknown delegation token")
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	if !crypto.ConstantTimeEq(tok.Signature, sig) {
		return nil, apierror.Auth(apierror.CodeInvalidCredential, "delegation token signature mismatch")
	}

	now := e.now().UTC()
	_, effective, err := e.verifyChain(ctx, tokenID, now)
	if err != nil {
		return nil, err
	}

	for _, agentID := range []string{tok.IssuerAgentID, tok.SubjectAgentID} {
		ident, err := e.store.GetIdentity(ctx, agentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, apierror.Auth(apierror.CodeIdentityNotFound, "token party no longer registered")
			}
			return nil, fmt.Errorf("load token party: %w", err)
		}
		if err := requireActive(ident); err != nil {
			return nil, err
		}
	}

	chain, err := e.chainIDs(ctx, tok)
	if err != nil {
		return nil, err
	}
	return &VerifiedToken{Token: tok, EffectiveScopes: effective, Chain: chain}, nil
}

// Chain returns the tokens from the given token up to the root.
func (e *TokenEngine) Chain(ctx context.Context, tokenID string) ([]*DelegationToken, error) {
	var out []*DelegationToken
	id := tokenID
	for i := 0; id != "" && i <= MaxChainDepth; i++ {
		tok, err := e.store.GetToken(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, apierror.Auth(apierror.CodeChainInvalid, "delegation chain has a missing link").
					WithFields(map[string]any{"failing_hop": i})
			}
			return nil, fmt.Errorf("load chain link: %w", err)
		}
		out = append(out, tok)
		id = tok.ParentTokenID
	}
	return out, nil
}

// verifyChain validates every link from tokenID to the root and returns
// the leaf token plus the effective (intersected) scopes of the chain.
// Chain failures report the hop that broke, leaf first.
func (e *TokenEngine) verifyChain(ctx context.Context, tokenID string, now time.Time) (*DelegationToken, []string, error) {
	var leaf *DelegationToken
	var effective []string
	id := tokenID
	for i := 0; ; i++ {
		if i > MaxChainDepth {
			return nil, nil, apierror.Policy(apierror.CodeChainTooDeep,
				fmt.Sprintf("delegation chain depth limit is %d", MaxChainDepth))
		}
		tok, err := e.store.GetToken(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil, apierror.Auth(apierror.CodeChainInvalid, "delegation chain has a missing link").
					WithFields(map[string]any{"failing_hop": i})
			}
			return nil, nil, fmt.Errorf("load chain link: %w", err)
		}
		if tok.Revoked {
			return nil, nil, apierror.Auth(apierror.CodeIdentityRevoked, "delegation token revoked").
				WithFields(map[string]any{"failing_hop": i})
		}
		if !tok.ExpiresAt.After(now) {
			return nil, nil, apierror.Auth(apierror.CodeCredentialExpired, "delegation token expired").
				WithFields(map[string]any{"failing_hop": i})
		}
		if !e.verifySignature(tok) {
			return nil, nil, apierror.Auth(apierror.CodeChainInvalid, "delegation chain link signature mismatch").
				WithFields(map[string]any{"failing_hop": i})
		}
		issuer, err := e.store.GetIdentity(ctx, tok.IssuerAgentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil, apierror.Auth(apierror.CodeChainInvalid, "chain issuer no longer registered").
					WithFields(map[string]any{"failing_hop": i})
			}
			return nil, nil, fmt.Errorf("load chain issuer: %w", err)
		}
		if issuer.Status != IdentityActive {
			var apiErr *apierror.Error
			err := requireActive(issuer)
			if errors.As(err, &apiErr) {
				apiErr.WithFields(map[string]any{
					"failing_hop":     i,
					"issuer_agent_id": issuer.AgentID,
				})
			}
			return nil, nil, err
		}
		if leaf == nil {
			leaf = tok
			effective = NormalizeScopes(tok.DelegatedScopes)
		} else {
			effective = IntersectScopes(effective, tok.DelegatedScopes)
		}
		if tok.ParentTokenID == "" {
			return leaf, effective, nil
		}
		id = tok.ParentTokenID
	}
}

// issuerGrantedScopes is the union of scopes across the issuer's
// active, unexpired credentials. Root delegations attenuate from here.
func (e *TokenEngine) issuerGrantedScopes(ctx context.Context, agentID string) ([]string, error) {
	creds, err := e.store.ListActiveCredentials(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list issuer credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, apierror.Auth(apierror.CodeInvalidCredential, "issuer has no active credentials")
	}
	var union []string
	for _, cred := range creds {
		union = append(union, cred.Scopes...)
	}
	return NormalizeScopes(union), nil
}

func (e *TokenEngine) chainIDs(ctx context.Context, tok *DelegationToken) ([]string, error) {
	ids := []string{tok.TokenID}
	id := tok.ParentTokenID
	for i := 0; id != "" && i <= MaxChainDepth; i++ {
		parent, err := e.store.GetToken(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load chain link: %w", err)
		}
		ids = append(ids, parent.TokenID)
		id = parent.ParentTokenID
	}
	return ids, nil
}

func (e *TokenEngine) sign(tok *DelegationToken) (string, error) {
	payload, err := crypto.Canonical(tokenEnvelope{
		TokenID:       tok.TokenID,
		Issuer:        tok.IssuerAgentID,
		Subject:       tok.SubjectAgentID,
		Scopes:        NormalizeScopes(tok.DelegatedScopes),
		IssuedAt:      tok.IssuedAt.Unix(),
		ExpiresAt:     tok.ExpiresAt.Unix(),
		ParentTokenID: tok.ParentTokenID,
		ChainDepth:    tok.ChainDepth,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalise token envelope: %w", err)
	}
	return e.signer.Sign(payload), nil
}

func (e *TokenEngine) verifySignature(tok *DelegationToken) bool {
	expected, err := e.sign(tok)
	if err != nil {
		return false
	}
	return crypto.ConstantTimeEq(expected, tok.Signature)
}

func splitWireToken(s string) (tokenID, sig string, ok bool) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func requireActive(ident *AgentIdentity) error {
	switch ident.Status {
	case IdentityActive:
		return nil
	case IdentitySuspended:
		return apierror.Policy(apierror.CodeIdentitySuspended, "agent identity is suspended")
	default:
		return apierror.Auth(apierror.CodeIdentityRevoked, "agent identity is revoked")
	}
}

// ClampTTL bounds a requested TTL to [MinTTL, MaxTTL]; zero means
// DefaultTTL.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return DefaultTTL
	}
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}
