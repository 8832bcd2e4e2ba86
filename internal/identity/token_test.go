package identity

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/crypto"
)

type tokenFixture struct {
	svc    *Service
	engine *TokenEngine
	agents []string
}

// newTokenFixture registers n agents; the first carries an active
// credential granting the given scopes so it can issue root tokens.
func newTokenFixture(t *testing.T, n int, rootScopes []string) *tokenFixture {
	t.Helper()
	svc := newTestService()
	engine := NewTokenEngine(svc.Store(), crypto.NewSigner([]byte("token-test-secret")), zap.NewNop())
	f := &tokenFixture{svc: svc, engine: engine}
	for i := 0; i < n; i++ {
		ident := registerAgent(t, svc)
		f.agents = append(f.agents, ident.AgentID)
	}
	if _, err := svc.IssueCredential(ctx, f.agents[0], rootScopes, time.Hour); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestIssue_rootAttenuatesFromCredentials(t *testing.T) {
	f := newTokenFixture(t, 2, []string{"invoke:search", "read:docs"})

	issued, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"invoke:search"},
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if issued.Token.ChainDepth != 0 {
		t.Errorf("root chain depth: got %d, want 0", issued.Token.ChainDepth)
	}

	// Scope widening must be rejected.
	_, err = f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"admin:everything"},
		TTL:            time.Hour,
	})
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeScopeNotAttenuated {
		t.Fatalf("got %v, want identity.scope_not_attenuated", err)
	}
}

func TestIssue_wildcardCredentialGrantsAnyScope(t *testing.T) {
	f := newTokenFixture(t, 2, []string{WildcardScope})

	issued, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"anything:at-all"},
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	verified, err := f.engine.Verify(ctx, issued.WireToken)
	if err != nil {
		t.Fatal(err)
	}
	if len(verified.EffectiveScopes) != 1 || verified.EffectiveScopes[0] != "anything:at-all" {
		t.Errorf("effective scopes: got %v", verified.EffectiveScopes)
	}
}

func TestIssue_redelegationNarrows(t *testing.T) {
	f := newTokenFixture(t, 3, []string{"invoke:search", "read:docs", "write:docs"})

	root, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"invoke:search", "read:docs"},
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	child, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[1],
		SubjectAgentID: f.agents[2],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
		ParentTokenID:  root.Token.TokenID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if child.Token.ChainDepth != 1 {
		t.Errorf("child chain depth: got %d, want 1", child.Token.ChainDepth)
	}

	// A child may not reclaim a scope its parent never delegated.
	_, err = f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[1],
		SubjectAgentID: f.agents[2],
		Scopes:         []string{"write:docs"},
		TTL:            time.Hour,
		ParentTokenID:  root.Token.TokenID,
	})
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeScopeNotAttenuated {
		t.Fatalf("got %v, want identity.scope_not_attenuated", err)
	}

	// Only the parent's subject may re-delegate under it.
	_, err = f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[2],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
		ParentTokenID:  root.Token.TokenID,
	})
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeChainInvalid {
		t.Fatalf("got %v, want delegation.chain_invalid", err)
	}
	if apiErr.Status != 401 {
		t.Errorf("chain_invalid status: got %d, want 401", apiErr.Status)
	}
	if _, ok := apiErr.Fields["failing_hop"]; !ok {
		t.Error("chain_invalid must name the failing hop")
	}
}

func TestIssue_childExpiryClampedToParent(t *testing.T) {
	f := newTokenFixture(t, 3, []string{"read:docs"})

	root, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"read:docs"},
		TTL:            10 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	child, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[1],
		SubjectAgentID: f.agents[2],
		Scopes:         []string{"read:docs"},
		TTL:            24 * time.Hour,
		ParentTokenID:  root.Token.TokenID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if child.Token.ExpiresAt.After(root.Token.ExpiresAt) {
		t.Error("child expiry must not outlive the parent")
	}
}

func TestIssue_chainDepthLimit(t *testing.T) {
	f := newTokenFixture(t, MaxChainDepth+3, []string{"read:docs"})

	root, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if root.Token.ChainDepth != 0 {
		t.Fatalf("root depth: got %d, want 0", root.Token.ChainDepth)
	}

	parentID := root.Token.TokenID
	for depth := 1; depth <= MaxChainDepth; depth++ {
		issued, err := f.engine.Issue(ctx, IssueParams{
			IssuerAgentID:  f.agents[depth],
			SubjectAgentID: f.agents[depth+1],
			Scopes:         []string{"read:docs"},
			TTL:            time.Hour,
			ParentTokenID:  parentID,
		})
		if err != nil {
			t.Fatalf("depth %d: %v", depth, err)
		}
		if issued.Token.ChainDepth != depth {
			t.Fatalf("depth: got %d, want %d", issued.Token.ChainDepth, depth)
		}
		parentID = issued.Token.TokenID
	}

	// Depth MaxChainDepth cannot re-delegate.
	_, err = f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[MaxChainDepth+1],
		SubjectAgentID: f.agents[MaxChainDepth+2],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
		ParentTokenID:  parentID,
	})
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeChainTooDeep {
		t.Fatalf("got %v, want identity.chain_too_deep", err)
	}
}

func TestVerify_signatureAndFormat(t *testing.T) {
	f := newTokenFixture(t, 2, []string{"read:docs"})

	issued, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Verify(ctx, issued.WireToken); err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if _, err := f.engine.Verify(ctx, issued.Token.TokenID+".deadbeef"); err == nil {
		t.Error("tampered signature must fail")
	}
	if _, err := f.engine.Verify(ctx, "no-separator"); err == nil {
		t.Error("malformed wire token must fail")
	}
}

func TestVerify_revokedMidChainKillsDescendants(t *testing.T) {
	f := newTokenFixture(t, 3, []string{"read:docs"})

	root, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	child, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[1],
		SubjectAgentID: f.agents[2],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
		ParentTokenID:  root.Token.TokenID,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.RevokeDelegationToken(ctx, root.Token.TokenID, "abuse", "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Verify(ctx, child.WireToken); err == nil {
		t.Error("descendant of a revoked token must fail verification")
	}
}

func TestVerify_suspendedMidChainIssuer(t *testing.T) {
	f := newTokenFixture(t, 3, []string{"read:docs"})

	root, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	child, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[1],
		SubjectAgentID: f.agents[2],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
		ParentTokenID:  root.Token.TokenID,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Suspending the root issuer must invalidate the whole chain even
	// though the leaf's own parties are still active.
	if err := f.svc.SuspendAgent(ctx, f.agents[0]); err != nil {
		t.Fatal(err)
	}
	_, err = f.engine.Verify(ctx, child.WireToken)
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeIdentitySuspended {
		t.Fatalf("got %v, want identity.suspended", err)
	}
	if hop, ok := apiErr.Fields["failing_hop"]; !ok || hop != 1 {
		t.Errorf("failing_hop: got %v, want 1", hop)
	}
}

func TestVerify_effectiveScopesIntersectChain(t *testing.T) {
	f := newTokenFixture(t, 3, []string{"invoke:search", "read:docs"})

	root, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"invoke:search", "read:docs"},
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	child, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[1],
		SubjectAgentID: f.agents[2],
		Scopes:         []string{"read:docs"},
		TTL:            time.Hour,
		ParentTokenID:  root.Token.TokenID,
	})
	if err != nil {
		t.Fatal(err)
	}

	verified, err := f.engine.Verify(ctx, child.WireToken)
	if err != nil {
		t.Fatal(err)
	}
	if len(verified.EffectiveScopes) != 1 || verified.EffectiveScopes[0] != "read:docs" {
		t.Errorf("effective scopes: got %v, want [read:docs]", verified.EffectiveScopes)
	}
	if len(verified.Chain) != 2 {
		t.Errorf("chain length: got %d, want 2", len(verified.Chain))
	}
}

func TestVerify_expiredToken(t *testing.T) {
	f := newTokenFixture(t, 2, []string{"read:docs"})

	issued, err := f.engine.Issue(ctx, IssueParams{
		IssuerAgentID:  f.agents[0],
		SubjectAgentID: f.agents[1],
		Scopes:         []string{"read:docs"},
		TTL:            MinTTL,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.engine.now = func() time.Time { return time.Now().Add(MinTTL + time.Minute) }
	_, err = f.engine.Verify(ctx, issued.WireToken)
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeCredentialExpired {
		t.Fatalf("got %v, want identity.credential_expired", err)
	}
}

func TestScopesHelpers(t *testing.T) {
	if !ScopesCover([]string{"a", "b"}, []string{"a"}) {
		t.Error("subset must be covered")
	}
	if ScopesCover([]string{"a"}, []string{"a", "b"}) {
		t.Error("superset must not be covered")
	}
	if !ScopesCover([]string{WildcardScope}, []string{"anything"}) {
		t.Error("wildcard grant covers everything")
	}
	if ScopesCover([]string{"a"}, []string{WildcardScope}) {
		t.Error("wildcard request needs a wildcard grant")
	}
	got := IntersectScopes([]string{"a", "b"}, []string{"b", "c"})
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("intersect: got %v, want [b]", got)
	}
	got = IntersectScopes([]string{WildcardScope}, []string{"x", "y"})
	if len(got) != 2 {
		t.Errorf("wildcard intersect: got %v", got)
	}
}
