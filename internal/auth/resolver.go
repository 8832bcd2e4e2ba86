// Package auth resolves request credentials to a Principal. Four
// credential forms are accepted, tried in a fixed order with first
// match winning; anything unresolvable fails closed with a 401.
package auth

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/identity"
)

// Header carries the credential-bearing request headers. Handlers
// extract it from the transport so the resolver stays independent of
// gin.
type Header struct {
	APIKey          string // X-API-Key
	Authorization   string // Authorization
	DelegationToken string // X-Delegation-Token
}

// Method names how a principal authenticated.
type Method string

const (
	MethodAPIKey          Method = "api_key"
	MethodAgentCredential Method = "agent_credential"
	MethodDelegationToken Method = "delegation_token"
	MethodBearer          Method = "bearer"
)

// Principal is the resolved caller identity attached to each request.
type Principal struct {
	Owner      string   `json:"owner"`
	AgentID    string   `json:"agent_id,omitempty"`
	Scopes     []string `json:"scopes"`
	AuthMethod Method   `json:"auth_method"`
	TokenID    string   `json:"token_id,omitempty"`
	ChainDepth int      `json:"chain_depth,omitempty"`
	TenantID   string   `json:"tenant_id"`
}

// HasScope reports whether the principal holds the scope, honouring
// the wildcard grant.
func (p *Principal) HasScope(scope string) bool {
	return identity.HasScope(p.Scopes, scope)
}

// Mode selects whether violations reject (enforce) or only log (warn).
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeWarn    Mode = "warn"
)

const authorizationAgentCredential = "AgentCredential "
const authorizationBearer = "Bearer "

// Resolver runs the credential pipeline. Order: X-API-Key, agent
// credential, delegation token, bearer JWT.
type Resolver struct {
	apiKeys  map[string]string // api key -> owner
	ids      *identity.Service
	tokens   *identity.TokenEngine
	bearer   *identity.BearerIssuer
	mode     Mode
	logger   *zap.Logger
}

// NewResolver creates a Resolver. apiKeys maps configured platform API
// keys to the owner they act as.
func NewResolver(apiKeys map[string]string, ids *identity.Service, tokens *identity.TokenEngine, bearer *identity.BearerIssuer, mode Mode, logger *zap.Logger) *Resolver {
	if mode == "" {
		mode = ModeEnforce
	}
	return &Resolver{apiKeys: apiKeys, ids: ids, tokens: tokens, bearer: bearer, mode: mode, logger: logger}
}

// Mode returns the configured access mode.
func (r *Resolver) Mode() Mode { return r.mode }

// Resolve maps request headers to a Principal. In warn mode a failed
// resolution is logged and an anonymous wildcard principal is admitted;
// in enforce mode it is rejected.
func (r *Resolver) Resolve(ctx context.Context, hdr Header) (*Principal, error) {
	p, err := r.resolve(ctx, hdr)
	if err != nil && r.mode == ModeWarn {
		r.logger.Warn("auth violation admitted in warn mode", zap.Error(err))
		return &Principal{
			Owner:      "anonymous",
			Scopes:     []string{identity.WildcardScope},
			AuthMethod: MethodAPIKey,
			TenantID:   "anonymous",
		}, nil
	}
	return p, err
}

func (r *Resolver) resolve(ctx context.Context, hdr Header) (*Principal, error) {
	if hdr.APIKey != "" {
		owner, ok := r.apiKeys[hdr.APIKey]
		if !ok {
			return nil, apierror.Auth(apierror.CodeAuthInvalid, "unknown API key")
		}
		return &Principal{
			Owner:      owner,
			Scopes:     []string{identity.WildcardScope},
			AuthMethod: MethodAPIKey,
			TenantID:   owner,
		}, nil
	}

	if strings.HasPrefix(hdr.Authorization, authorizationAgentCredential) {
		secret := strings.TrimPrefix(hdr.Authorization, authorizationAgentCredential)
		cred, ident, err := r.ids.VerifyCredential(ctx, secret)
		if err != nil {
			return nil, err
		}
		return &Principal{
			Owner:      ident.Owner,
			AgentID:    ident.AgentID,
			Scopes:     cred.Scopes,
			AuthMethod: MethodAgentCredential,
			TenantID:   ident.Owner,
		}, nil
	}

	if hdr.DelegationToken != "" {
		verified, err := r.tokens.Verify(ctx, hdr.DelegationToken)
		if err != nil {
			return nil, err
		}
		subject, err := r.ids.GetAgent(ctx, verified.Token.SubjectAgentID)
		if err != nil {
			return nil, err
		}
		return &Principal{
			Owner:      subject.Owner,
			AgentID:    verified.Token.SubjectAgentID,
			Scopes:     verified.EffectiveScopes,
			AuthMethod: MethodDelegationToken,
			TokenID:    verified.Token.TokenID,
			ChainDepth: verified.Token.ChainDepth,
			TenantID:   subject.Owner,
		}, nil
	}

	if strings.HasPrefix(hdr.Authorization, authorizationBearer) {
		claims, err := r.bearer.Parse(strings.TrimPrefix(hdr.Authorization, authorizationBearer))
		if err != nil {
			return nil, err
		}
		return &Principal{
			Owner:      claims.Owner,
			Scopes:     claims.Scopes,
			AuthMethod: MethodBearer,
			TenantID:   claims.Owner,
		}, nil
	}

	return nil, apierror.Auth(apierror.CodeAuthMissing, "no credentials presented")
}

// RequireScope enforces a scope on a resolved principal. In warn mode
// a missing scope is logged and admitted.
func (r *Resolver) RequireScope(p *Principal, scope string) error {
	if p.HasScope(scope) {
		return nil
	}
	if r.mode == ModeWarn {
		r.logger.Warn("scope violation admitted in warn mode",
			zap.String("owner", p.Owner),
			zap.String("agent_id", p.AgentID),
			zap.String("required_scope", scope),
		)
		return nil
	}
	return apierror.Policy(apierror.CodeScopeDenied, "scope "+scope+" not granted").
		WithFields(map[string]any{"required_scope": scope, "granted_scopes": p.Scopes})
}
