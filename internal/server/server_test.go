package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/auth"
	"github.com/agenthub/agenthub/internal/budget"
	"github.com/agenthub/agenthub/internal/config"
	"github.com/agenthub/agenthub/internal/crypto"
	"github.com/agenthub/agenthub/internal/delegation"
	"github.com/agenthub/agenthub/internal/federation"
	"github.com/agenthub/agenthub/internal/idempotency"
	"github.com/agenthub/agenthub/internal/identity"
	"github.com/agenthub/agenthub/internal/outbox"
	"github.com/agenthub/agenthub/internal/policy"
	"github.com/agenthub/agenthub/internal/provenance"
	"github.com/agenthub/agenthub/internal/reliability"
)

type testEnv struct {
	router  *gin.Engine
	ids     *identity.Service
	tracker *reliability.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:                    0,
		AccessMode:              config.ModeEnforce,
		Store:                   config.StoreMemory,
		DatabaseURL:             "memory",
		IdentitySigningSecret:   "identity-secret",
		BearerTokenSecret:       "bearer-secret",
		PolicySigningSecret:     "policy-secret",
		ProvenanceSigningSecret: "provenance-secret",
		APIKeys:                 map[string]string{"platform-key": "owner-a"},
		FederationDomainTokens:  map[string]string{"partner.example": "reg-token"},
		AdminSecret:             "admin-secret",
		CORSOrigins:             []string{"http://localhost:3000"},
		RateLimitRPS:            1000,
		RequestTimeout:          5 * time.Second,
		BreakerWindowSize:       50,
		LatencySLOMillis:        1500,
	}

	logger := zap.NewNop()
	signer := crypto.NewSigner([]byte(cfg.IdentitySigningSecret))
	idStore := identity.NewMemoryStore()
	ids := identity.NewService(idStore, signer, logger)
	tokens := identity.NewTokenEngine(idStore, signer, logger)
	bearer := identity.NewBearerIssuer([]byte(cfg.BearerTokenSecret), "agenthub", time.Hour)
	resolver := auth.NewResolver(cfg.APIKeys, ids, tokens, bearer, auth.ModeEnforce, logger)
	fed := federation.NewService(federation.NewMemoryStore(), idStore, signer, cfg.FederationDomainTokens, logger)

	tracker := reliability.NewTracker(cfg.BreakerWindowSize,
		time.Duration(cfg.LatencySLOMillis)*time.Millisecond, logger)
	observer := func(o delegation.Outcome) {
		tracker.Record(reliability.Sample{
			DelegationID: o.DelegationID,
			Success:      o.Success,
			HardStop:     o.HardStop,
			Latency:      o.Latency,
		})
	}
	engine := delegation.NewEngine(
		delegation.NewMemoryStore(), idStore,
		policy.NewEvaluator(crypto.NewSigner([]byte(cfg.PolicySigningSecret)), policy.NewMemoryAuditStore(), logger),
		budget.NewService(budget.NewMemoryStore(), logger),
		outbox.NewMemoryStore(), nil, observer, logger,
	)

	ledger := provenance.NewMemoryLedger(crypto.NewSigner([]byte(cfg.ProvenanceSigningSecret)))
	srv := New(cfg, resolver, ids, tokens, fed, engine, tracker, idempotency.NewMemoryStore(), ledger, logger)
	return &testEnv{router: srv.Router(), ids: ids, tracker: tracker}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "platform-key")
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) registerAgent(t *testing.T, owner string) string {
	t.Helper()
	ident, err := e.ids.RegisterAgent(context.Background(), identity.RegisterParams{
		Owner: owner, CredentialType: identity.CredentialAPIKey,
	})
	if err != nil {
		t.Fatal(err)
	}
	return ident.AgentID
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail struct {
			Code string `json:"code"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body.Detail.Code
}

func TestHealthz_public(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestAuth_missingCredentials(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/identity/revocations", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d body %s", w.Code, w.Body.String())
	}
	if errCode(t, w) != "auth.missing_credentials" {
		t.Errorf("code: %s", errCode(t, w))
	}
}

func TestRegisterAgent_requiresIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/identity/agents",
		`{"credential_type":"api_key"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d body %s", w.Code, w.Body.String())
	}
	if errCode(t, w) != "validation.idempotency_key_required" {
		t.Errorf("code: %s", errCode(t, w))
	}
}

func TestRegisterAgent_idempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	hdr := map[string]string{"Idempotency-Key": "key-1"}
	body := `{"credential_type":"api_key"}`

	first := env.do(t, http.MethodPost, "/v1/identity/agents", body, hdr)
	if first.Code != http.StatusCreated {
		t.Fatalf("status: %d body %s", first.Code, first.Body.String())
	}
	if first.Header().Get(ReplayHeader) != "" {
		t.Error("first response must not carry the replay header")
	}

	second := env.do(t, http.MethodPost, "/v1/identity/agents", body, hdr)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status: %d", second.Code)
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Error("replay must carry the replay header")
	}
	if first.Body.String() != second.Body.String() {
		t.Error("replay must be byte-identical")
	}

	conflict := env.do(t, http.MethodPost, "/v1/identity/agents",
		`{"credential_type":"jwt"}`, hdr)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("conflict status: %d", conflict.Code)
	}
	if errCode(t, conflict) != "idempotency.key_reused_with_different_payload" {
		t.Errorf("code: %s", errCode(t, conflict))
	}
}

func TestIssueCredential_exemptFromIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.registerAgent(t, "owner-a")

	w := env.do(t, http.MethodPost, "/v1/identity/agents/"+agentID+"/credentials",
		`{"scopes":["invoke:search"]}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Secret     string `json:"secret"`
		Credential struct {
			CredentialID string `json:"credential_id"`
		} `json:"credential"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Secret == "" {
		t.Fatal("secret must be returned on issuance")
	}

	// The secret must never appear in the credential read endpoint.
	read := env.do(t, http.MethodGet, "/v1/identity/credentials/"+resp.Credential.CredentialID, "", nil)
	if read.Code != http.StatusOK {
		t.Fatalf("read status: %d", read.Code)
	}
	if strings.Contains(read.Body.String(), resp.Secret) {
		t.Error("credential read leaked the secret")
	}
}

func TestIssueCredential_ownerMismatch(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.registerAgent(t, "owner-b")

	w := env.do(t, http.MethodPost, "/v1/identity/agents/"+agentID+"/credentials",
		`{"scopes":["invoke:search"]}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status: %d body %s", w.Code, w.Body.String())
	}
	if errCode(t, w) != "identity.owner_mismatch" {
		t.Errorf("code: %s", errCode(t, w))
	}
}

func TestDelegationToken_issueVerifyChain(t *testing.T) {
	env := newTestEnv(t)
	issuerID := env.registerAgent(t, "owner-a")
	subjectID := env.registerAgent(t, "owner-a")

	// The issuer needs an active credential to attenuate from.
	cw := env.do(t, http.MethodPost, "/v1/identity/agents/"+issuerID+"/credentials",
		`{"scopes":["invoke:search","read:docs"]}`, nil)
	if cw.Code != http.StatusCreated {
		t.Fatalf("credential status: %d", cw.Code)
	}

	w := env.do(t, http.MethodPost, "/v1/identity/delegation-tokens",
		`{"issuer_agent_id":"`+issuerID+`","subject_agent_id":"`+subjectID+`","scopes":["read:docs"],"ttl_seconds":3600}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue status: %d body %s", w.Code, w.Body.String())
	}
	var issued struct {
		WireToken string `json:"delegation_token"`
		Token     struct {
			TokenID string `json:"token_id"`
		} `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &issued); err != nil {
		t.Fatal(err)
	}
	if issued.WireToken == "" {
		t.Fatal("wire token missing")
	}

	vw := env.do(t, http.MethodPost, "/v1/identity/delegation-tokens/verify",
		`{"delegation_token":"`+issued.WireToken+`"}`, nil)
	if vw.Code != http.StatusOK {
		t.Fatalf("verify status: %d body %s", vw.Code, vw.Body.String())
	}

	chw := env.do(t, http.MethodGet, "/v1/identity/delegation-tokens/"+issued.Token.TokenID+"/chain", "", nil)
	if chw.Code != http.StatusOK {
		t.Fatalf("chain status: %d", chw.Code)
	}
	var chain struct {
		Depth int `json:"depth"`
	}
	if err := json.Unmarshal(chw.Body.Bytes(), &chain); err != nil {
		t.Fatal(err)
	}
	if chain.Depth != 1 {
		t.Errorf("depth: %d", chain.Depth)
	}
}

func TestDelegationToken_attenuationRejectedOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	issuerID := env.registerAgent(t, "owner-a")
	subjectID := env.registerAgent(t, "owner-a")
	env.do(t, http.MethodPost, "/v1/identity/agents/"+issuerID+"/credentials",
		`{"scopes":["read:docs"]}`, nil)

	w := env.do(t, http.MethodPost, "/v1/identity/delegation-tokens",
		`{"issuer_agent_id":"`+issuerID+`","subject_agent_id":"`+subjectID+`","scopes":["admin:all"],"ttl_seconds":3600}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d body %s", w.Code, w.Body.String())
	}
	if errCode(t, w) != "identity.scope_not_attenuated" {
		t.Errorf("code: %s", errCode(t, w))
	}
}

func TestSubmitDelegation_settles(t *testing.T) {
	env := newTestEnv(t)
	requesterID := env.registerAgent(t, "owner-a")
	delegateID := env.registerAgent(t, "owner-a")

	w := env.do(t, http.MethodPost, "/v1/delegations",
		`{"requester_agent_id":"`+requesterID+`","delegate_agent_id":"`+delegateID+`","task_spec":{"task_type":"search"},"estimated_cost_usd":1.0,"max_budget_usd":10.0}`,
		map[string]string{"Idempotency-Key": "dlg-key-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d body %s", w.Code, w.Body.String())
	}
	var rec struct {
		DelegationID string `json:"delegation_id"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != "settled" {
		t.Fatalf("status: %s", rec.Status)
	}

	sw := env.do(t, http.MethodGet, "/v1/delegations/"+rec.DelegationID+"/status", "", nil)
	if sw.Code != http.StatusOK {
		t.Fatalf("status read: %d", sw.Code)
	}
}

func TestSubmitDelegation_breakerOpenRejects(t *testing.T) {
	env := newTestEnv(t)
	requesterID := env.registerAgent(t, "owner-a")
	delegateID := env.registerAgent(t, "owner-a")
	for i := 0; i < 10; i++ {
		env.tracker.Record(reliability.Sample{Success: false, Latency: 10 * time.Millisecond})
	}
	if env.tracker.State() != reliability.BreakerOpen {
		t.Fatal("precondition: breaker open")
	}

	w := env.do(t, http.MethodPost, "/v1/delegations",
		`{"requester_agent_id":"`+requesterID+`","delegate_agent_id":"`+delegateID+`","task_spec":{},"max_budget_usd":10.0}`,
		map[string]string{"Idempotency-Key": "dlg-key-2"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d body %s", w.Code, w.Body.String())
	}
	if errCode(t, w) != "breaker.open" {
		t.Errorf("code: %s", errCode(t, w))
	}
}

func TestBreakerReset_adminOnly(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		env.tracker.Record(reliability.Sample{Success: false, Latency: 10 * time.Millisecond})
	}

	denied := env.do(t, http.MethodPost, "/v1/reliability/breaker/reset", `{}`,
		map[string]string{"Idempotency-Key": "reset-1"})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("status: %d", denied.Code)
	}

	ok := env.do(t, http.MethodPost, "/v1/reliability/breaker/reset", `{}`, map[string]string{
		"Idempotency-Key": "reset-2",
		"X-Admin-Secret":  "admin-secret",
	})
	if ok.Code != http.StatusOK {
		t.Fatalf("status: %d body %s", ok.Code, ok.Body.String())
	}
	if env.tracker.State() != reliability.BreakerClosed {
		t.Error("breaker must be closed after reset")
	}
}

func TestSLODashboard(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 20; i++ {
		env.tracker.Record(reliability.Sample{Success: true, Latency: 20 * time.Millisecond})
	}
	w := env.do(t, http.MethodGet, "/v1/reliability/slo-dashboard?window_size=10", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var d reliability.Dashboard
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if d.Metrics.WindowSize != 10 {
		t.Errorf("window size: %d", d.Metrics.WindowSize)
	}
}

func TestTrustRegistry_registerAttestVerify(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.registerAgent(t, "owner-a")

	dw := env.do(t, http.MethodPost, "/v1/identity/trust-registry/domains",
		`{"domain_id":"partner.example","allowed_scopes":["read:docs"],"domain_token":"reg-token"}`,
		map[string]string{"Idempotency-Key": "dom-1"})
	if dw.Code != http.StatusCreated {
		t.Fatalf("domain status: %d body %s", dw.Code, dw.Body.String())
	}

	aw := env.do(t, http.MethodPost, "/v1/identity/agents/"+agentID+"/attest",
		`{"domain_id":"partner.example","scopes":["read:docs"],"ttl_seconds":3600}`, nil)
	if aw.Code != http.StatusCreated {
		t.Fatalf("attest status: %d body %s", aw.Code, aw.Body.String())
	}
	var att struct {
		AttestationID string `json:"attestation_id"`
	}
	if err := json.Unmarshal(aw.Body.Bytes(), &att); err != nil {
		t.Fatal(err)
	}

	vw := env.do(t, http.MethodGet, "/v1/identity/attestations/"+att.AttestationID+"/verify", "", nil)
	if vw.Code != http.StatusOK {
		t.Fatalf("verify status: %d", vw.Code)
	}
	var res struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(vw.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Error("attestation must verify")
	}
}

func TestDiagnostics_ready(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/system/diagnostics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var d config.Diagnostics
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if !d.StartupReady {
		t.Errorf("diagnostics: %+v", d)
	}
}

func TestContract_published(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/delegations/contract", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var contract delegation.Contract
	if err := json.Unmarshal(w.Body.Bytes(), &contract); err != nil {
		t.Fatal(err)
	}
	if contract.Version != delegation.ContractVersion {
		t.Errorf("version: %s", contract.Version)
	}
}
