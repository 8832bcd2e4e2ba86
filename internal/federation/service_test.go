package federation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/crypto"
	"github.com/agenthub/agenthub/internal/identity"
)

var ctx = context.Background()

type fixture struct {
	svc     *Service
	ids     *identity.Service
	agentID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idStore := identity.NewMemoryStore()
	ids := identity.NewService(idStore, crypto.NewSigner([]byte("id-secret")), zap.NewNop())
	svc := NewService(
		NewMemoryStore(), idStore, crypto.NewSigner([]byte("id-secret")),
		map[string]string{"partner.example": "reg-token-1"},
		zap.NewNop(),
	)
	ident, err := ids.RegisterAgent(ctx, identity.RegisterParams{
		Owner: "owner-a", CredentialType: identity.CredentialAPIKey,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, ids: ids, agentID: ident.AgentID}
}

func (f *fixture) registerDomain(t *testing.T) *TrustedDomain {
	t.Helper()
	d, err := f.svc.RegisterDomain(ctx, RegisterDomainParams{
		DomainID:      "partner.example",
		DisplayName:   "Partner",
		TrustLevel:    TrustVerified,
		AllowedScopes: []string{"invoke:search", "read:docs"},
		DomainToken:   "reg-token-1",
		RegisteredBy:  "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestRegisterDomain_tokenGate(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RegisterDomain(ctx, RegisterDomainParams{
		DomainID:    "partner.example",
		DomainToken: "wrong-token",
	})
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeAdminOnly {
		t.Fatalf("got %v, want auth.admin_required", err)
	}

	// Unconfigured domains cannot be registered at all.
	_, err = f.svc.RegisterDomain(ctx, RegisterDomainParams{
		DomainID:    "unknown.example",
		DomainToken: "reg-token-1",
	})
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeAdminOnly {
		t.Fatalf("got %v, want auth.admin_required", err)
	}

	d := f.registerDomain(t)
	if d.TrustLevel != TrustVerified {
		t.Errorf("trust level: %s", d.TrustLevel)
	}

	domains, err := f.svc.ListDomains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(domains) != 1 {
		t.Errorf("domains: %d", len(domains))
	}
}

func TestAttest_andVerify(t *testing.T) {
	f := newFixture(t)
	f.registerDomain(t)

	a, err := f.svc.Attest(ctx, f.agentID, "partner.example",
		[]string{"read:docs"}, map[string]string{"env": "prod"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if a.Signature == "" {
		t.Fatal("attestation must be signed")
	}

	res, err := f.svc.VerifyAttestation(ctx, a.AttestationID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("verify: %+v", res)
	}
}

func TestAttest_scopeCeiling(t *testing.T) {
	f := newFixture(t)
	f.registerDomain(t)

	_, err := f.svc.Attest(ctx, f.agentID, "partner.example",
		[]string{"admin:everything"}, nil, time.Hour)
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeScopeNotAttenuated {
		t.Fatalf("got %v, want identity.scope_not_attenuated", err)
	}
}

func TestVerifyAttestation_expired(t *testing.T) {
	f := newFixture(t)
	f.registerDomain(t)

	a, err := f.svc.Attest(ctx, f.agentID, "partner.example", []string{"read:docs"}, nil, identity.MinTTL)
	if err != nil {
		t.Fatal(err)
	}
	f.svc.now = func() time.Time { return time.Now().Add(identity.MinTTL + time.Minute) }
	res, err := f.svc.VerifyAttestation(ctx, a.AttestationID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.Reason != "attestation expired" {
		t.Errorf("result: %+v", res)
	}
}

func TestVerifyAttestation_revokedDomainAndAgent(t *testing.T) {
	f := newFixture(t)
	f.registerDomain(t)

	a, err := f.svc.Attest(ctx, f.agentID, "partner.example", []string{"read:docs"}, nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.RevokeDomain(ctx, "partner.example"); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.VerifyAttestation(ctx, a.AttestationID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Error("revoked domain must invalidate its attestations")
	}

	// Revoked domains cannot attest new agents either.
	if _, err := f.svc.Attest(ctx, f.agentID, "partner.example", []string{"read:docs"}, nil, time.Hour); err == nil {
		t.Error("revoked domain must not attest")
	}
}

func TestVerifyAttestation_revokedAgent(t *testing.T) {
	f := newFixture(t)
	f.registerDomain(t)

	a, err := f.svc.Attest(ctx, f.agentID, "partner.example", []string{"read:docs"}, nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ids.RevokeAgent(ctx, f.agentID, "kill switch", "admin"); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.VerifyAttestation(ctx, a.AttestationID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.Reason != "agent not active" {
		t.Errorf("result: %+v", res)
	}
}

func TestVerifyAttestation_tamperedSignature(t *testing.T) {
	f := newFixture(t)
	f.registerDomain(t)

	a, err := f.svc.Attest(ctx, f.agentID, "partner.example", []string{"read:docs"}, nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	a.Signature = "deadbeef"
	store := f.svc.store.(*MemoryStore)
	store.attestations[a.AttestationID].Signature = "deadbeef"

	res, err := f.svc.VerifyAttestation(ctx, a.AttestationID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.Reason != "signature mismatch" {
		t.Errorf("result: %+v", res)
	}
}

func TestCrossDomainScopeAllowed(t *testing.T) {
	f := newFixture(t)
	f.registerDomain(t)

	ok, err := f.svc.CrossDomainScopeAllowed(ctx, "partner.example", "read:docs")
	if err != nil || !ok {
		t.Errorf("allowed scope: ok=%v err=%v", ok, err)
	}
	ok, err = f.svc.CrossDomainScopeAllowed(ctx, "partner.example", "write:docs")
	if err != nil || ok {
		t.Errorf("disallowed scope: ok=%v err=%v", ok, err)
	}
	ok, err = f.svc.CrossDomainScopeAllowed(ctx, "nowhere.example", "read:docs")
	if err != nil || ok {
		t.Errorf("unknown domain: ok=%v err=%v", ok, err)
	}
}
