package delegation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/budget"
	"github.com/agenthub/agenthub/internal/crypto"
	"github.com/agenthub/agenthub/internal/identity"
	"github.com/agenthub/agenthub/internal/outbox"
	"github.com/agenthub/agenthub/internal/policy"
)

var ctx = context.Background()

type engineFixture struct {
	engine    *Engine
	store     *MemoryStore
	ids       *identity.Service
	budgets   *budget.Service
	outbox    *outbox.MemoryStore
	outcomes  []Outcome
	requester string
	delegate  string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	idStore := identity.NewMemoryStore()
	ids := identity.NewService(idStore, crypto.NewSigner([]byte("id-secret")), zap.NewNop())
	policies := policy.NewEvaluator(crypto.NewSigner([]byte("policy-secret")), policy.NewMemoryAuditStore(), zap.NewNop())
	budgets := budget.NewService(budget.NewMemoryStore(), zap.NewNop())
	ob := outbox.NewMemoryStore()
	store := NewMemoryStore()

	f := &engineFixture{store: store, ids: ids, budgets: budgets, outbox: ob}
	f.engine = NewEngine(store, idStore, policies, budgets, ob, SimulatedExecutor{},
		func(o Outcome) { f.outcomes = append(f.outcomes, o) }, zap.NewNop())
	f.engine.sleep = func(time.Duration) {}

	requester, err := ids.RegisterAgent(ctx, identity.RegisterParams{Owner: "owner-a", CredentialType: identity.CredentialAPIKey})
	if err != nil {
		t.Fatal(err)
	}
	delegate, err := ids.RegisterAgent(ctx, identity.RegisterParams{Owner: "owner-a", CredentialType: identity.CredentialAPIKey})
	if err != nil {
		t.Fatal(err)
	}
	f.requester = requester.AgentID
	f.delegate = delegate.AgentID
	return f
}

func (f *engineFixture) params() SubmitParams {
	return SubmitParams{
		RequesterAgentID: f.requester,
		DelegateAgentID:  f.delegate,
		TaskSpec:         map[string]any{"task_type": "summarize"},
		EstimatedCostUSD: 10,
		MaxBudgetUSD:     20,
		IdempotencyKey:   "key-1",
		AllowedActions:   []string{"summarize"},
	}
}

func auditStages(rec *Record) []Stage {
	var out []Stage
	for _, ev := range rec.AuditEvents {
		if ev.Outcome == "ok" {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func TestSubmit_happyPathSettles(t *testing.T) {
	f := newEngineFixture(t)

	rec, err := f.engine.Submit(ctx, f.params())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSettled {
		t.Fatalf("status: got %s, last error %q", rec.Status, rec.LastError)
	}
	if rec.ActualCostUSD != 10 {
		t.Errorf("actual cost: got %.2f, want 10", rec.ActualCostUSD)
	}

	got := auditStages(rec)
	if len(got) != len(Stages) {
		t.Fatalf("completed stages: got %v", got)
	}
	for i, stage := range Stages {
		if got[i] != stage {
			t.Errorf("stage order [%d]: got %s, want %s", i, got[i], stage)
		}
	}

	// Escrow fully consumed: balance is seed minus actual cost.
	bal, err := f.store.Balance(ctx, f.requester)
	if err != nil {
		t.Fatal(err)
	}
	if bal != DefaultBalanceUSD-10 {
		t.Errorf("balance: got %.2f, want %.2f", bal, DefaultBalanceUSD-10)
	}

	// Feedback stage enqueued a usage signal.
	pending, err := f.outbox.PendingBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Kind != outbox.KindUsageSignal {
		t.Errorf("outbox: %v", pending)
	}

	if len(f.outcomes) != 1 || !f.outcomes[0].Success {
		t.Errorf("outcomes: %+v", f.outcomes)
	}
}

func TestSubmit_policyDeniedFailsFast(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.AllowedActions = []string{"translate"} // not summarize

	rec, err := f.engine.Submit(ctx, p)
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodePolicyDenied {
		t.Fatalf("got %v, want policy.denied", err)
	}
	if rec.Status != StatusFailed {
		t.Errorf("status: got %s", rec.Status)
	}
	if rec.AttemptCount != 0 {
		t.Error("policy denial must not reach execution")
	}

	// No escrow was held, so the balance is untouched.
	bal, _ := f.store.Balance(ctx, f.requester)
	if bal != DefaultBalanceUSD {
		t.Errorf("balance after denial: got %.2f", bal)
	}
}

func TestSubmit_estimatedOverBudgetRejected(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.EstimatedCostUSD = 25 // > max 20

	_, err := f.engine.Submit(ctx, p)
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Fatalf("got %v, want 400", err)
	}
}

func TestSubmit_insufficientBalance(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.EstimatedCostUSD = 900
	p.MaxBudgetUSD = 2000

	// Drain the seeded balance first.
	if err := f.store.Debit(ctx, f.requester, 950); err != nil {
		t.Fatal(err)
	}
	rec, err := f.engine.Submit(ctx, p)
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Fatalf("got %v, want 400", err)
	}
	if rec.Status != StatusFailed {
		t.Errorf("status: got %s", rec.Status)
	}
}

func TestSubmit_transientFailureRetriesAndRecovers(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.TaskSpec["simulate_failure"] = "transient_network_error_once"

	rec, err := f.engine.Submit(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSettled {
		t.Fatalf("status: got %s, last error %q", rec.Status, rec.LastError)
	}
	if rec.AttemptCount != 2 {
		t.Errorf("attempts: got %d, want 2", rec.AttemptCount)
	}
}

func TestSubmit_transientFailureExhaustsRetries(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.TaskSpec["simulate_failure"] = "transient_network_error"

	rec, err := f.engine.Submit(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("status: got %s", rec.Status)
	}
	// 1 initial + 2 retries from the matrix.
	if rec.AttemptCount != 3 {
		t.Errorf("attempts: got %d, want 3", rec.AttemptCount)
	}
	// Escrow returned on failure.
	bal, _ := f.store.Balance(ctx, f.requester)
	if bal != DefaultBalanceUSD {
		t.Errorf("balance after failed execution: got %.2f", bal)
	}
}

func TestSubmit_policyDeniedExecutionNeverRetries(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.TaskSpec["simulate_failure"] = "policy_denied"

	rec, err := f.engine.Submit(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusFailed || rec.AttemptCount != 1 {
		t.Errorf("status %s attempts %d, want failed after exactly 1 attempt", rec.Status, rec.AttemptCount)
	}
}

func TestSubmit_contractMismatchRetriesOnce(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.TaskSpec["omit_contract_marker"] = true

	rec, err := f.engine.Submit(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("status: got %s", rec.Status)
	}
	if rec.AttemptCount != 2 {
		t.Errorf("attempts: got %d, want 2 (1 initial + 1 retry)", rec.AttemptCount)
	}
}

func TestSubmit_settlementRefundsUnusedEscrow(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.TaskSpec["simulated_actual_cost_usd"] = 4.0

	rec, err := f.engine.Submit(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSettled || rec.ActualCostUSD != 4 {
		t.Fatalf("record: %+v", rec)
	}
	bal, _ := f.store.Balance(ctx, f.requester)
	if bal != DefaultBalanceUSD-4 {
		t.Errorf("balance: got %.2f, want %.2f", bal, DefaultBalanceUSD-4)
	}
}

func TestSubmit_hardStopWhenActualBreachesThreshold(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.TaskSpec["simulated_actual_cost_usd"] = 25.0 // > 1.2 * 20

	rec, err := f.engine.Submit(ctx, p)
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeBudgetHardStop {
		t.Fatalf("got %v, want budget.hard_stop", err)
	}
	if rec.Status != StatusFailed {
		t.Errorf("status: got %s", rec.Status)
	}
	if len(f.outcomes) != 1 || !f.outcomes[0].HardStop {
		t.Errorf("outcomes: %+v", f.outcomes)
	}
	// Blocked settlement returns the escrow.
	bal, _ := f.store.Balance(ctx, f.requester)
	if bal != DefaultBalanceUSD {
		t.Errorf("balance after hard stop: got %.2f", bal)
	}
}

func TestSubmit_reauthBandTokenRejectsNewSpend(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.TokenID = "dtk-reauth-band"
	p.EstimatedCostUSD = 0.5

	// Prior delegations pushed the token to ratio 1.05: past the
	// reauthorization threshold but below the hard stop.
	if _, err := f.budgets.Record(ctx, p.TokenID, f.requester, 21, "prior spend", p.MaxBudgetUSD); err != nil {
		t.Fatal(err)
	}

	rec, err := f.engine.Submit(ctx, p)
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeBudgetReauth {
		t.Fatalf("got %v, want budget.reauth_required", err)
	}
	if apiErr.Status != 402 {
		t.Errorf("status: got %d, want 402", apiErr.Status)
	}
	if rec.Status != StatusFailed {
		t.Errorf("record status: got %s", rec.Status)
	}
	if rec.AttemptCount != 0 {
		t.Error("reauth-band token must be rejected before execution")
	}
	// No escrow was held, so the balance is untouched.
	bal, _ := f.store.Balance(ctx, f.requester)
	if bal != DefaultBalanceUSD {
		t.Errorf("balance: got %.2f", bal)
	}
}

func TestSubmit_hardStopBandTokenRejectsNewSpend(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.TokenID = "dtk-hard-stop-band"
	p.EstimatedCostUSD = 0.5

	if _, err := f.budgets.Record(ctx, p.TokenID, f.requester, 25, "prior spend", p.MaxBudgetUSD); err != nil {
		t.Fatal(err)
	}

	rec, err := f.engine.Submit(ctx, p)
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Code != apierror.CodeBudgetHardStop {
		t.Fatalf("got %v, want budget.hard_stop", err)
	}
	if rec.Status != StatusFailed || rec.AttemptCount != 0 {
		t.Errorf("record: status %s attempts %d", rec.Status, rec.AttemptCount)
	}
	if len(f.outcomes) != 1 || !f.outcomes[0].HardStop {
		t.Errorf("outcomes: %+v", f.outcomes)
	}
}

func TestSubmit_softAlertSurfacesAsWarning(t *testing.T) {
	f := newEngineFixture(t)
	p := f.params()
	p.TokenID = "dtk-soft-alert"
	p.TaskSpec["simulated_actual_cost_usd"] = 4.0

	// 12 of 20 already spent; settling another 4 lands the token at
	// ratio 0.80, the soft-alert band.
	if _, err := f.budgets.Record(ctx, p.TokenID, f.requester, 12, "prior spend", p.MaxBudgetUSD); err != nil {
		t.Fatal(err)
	}

	rec, err := f.engine.Submit(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSettled {
		t.Fatalf("status: got %s, last error %q", rec.Status, rec.LastError)
	}
	found := false
	for _, w := range rec.Warnings {
		if w == apierror.CodeBudgetSoftAlert {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings: got %v, want budget.soft_alert", rec.Warnings)
	}
}

func TestSubmit_revokedRequesterCancelsOnNextTouch(t *testing.T) {
	f := newEngineFixture(t)

	if _, err := f.ids.RevokeAgent(ctx, f.requester, "kill switch", "admin"); err != nil {
		t.Fatal(err)
	}
	rec, err := f.engine.Submit(ctx, f.params())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusCancelled {
		t.Errorf("status: got %s, want cancelled", rec.Status)
	}
}

func TestReaper_reclaimsAndResumes(t *testing.T) {
	f := newEngineFixture(t)
	reaper := NewReaper(f.engine, time.Second, zap.NewNop())

	// A worker crashed after negotiation: escrow held, heartbeat stale.
	now := time.Now().UTC()
	rec := &Record{
		DelegationID:     "dlg-stale0000000001",
		RequesterAgentID: f.requester,
		DelegateAgentID:  f.delegate,
		TaskSpec:         map[string]any{"task_type": "summarize"},
		Status:           StatusRunning,
		Stage:            StageExecution,
		EstimatedCostUSD: 10,
		EscrowUSD:        10,
		MaxBudgetUSD:     20,
		PolicyContext:    PolicyContext{AllowedActions: []string{"summarize"}},
		HeartbeatAt:      now.Add(-2 * HeartbeatTTL),
		CreatedAt:        now.Add(-2 * HeartbeatTTL),
		UpdatedAt:        now.Add(-2 * HeartbeatTTL),
	}
	if err := f.store.InsertRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Debit(ctx, f.requester, 10); err != nil {
		t.Fatal(err)
	}

	n, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reclaimed: got %d, want 1", n)
	}
	got, err := f.store.GetRecord(ctx, rec.DelegationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSettled {
		t.Errorf("resumed status: got %s, last error %q", got.Status, got.LastError)
	}
	// Escrow was not double-debited.
	bal, _ := f.store.Balance(ctx, f.requester)
	if bal != DefaultBalanceUSD-10 {
		t.Errorf("balance: got %.2f, want %.2f", bal, DefaultBalanceUSD-10)
	}

	// A healthy run is not touched by the reaper.
	if n, err := reaper.Sweep(ctx); err != nil || n != 0 {
		t.Errorf("second sweep: n=%d err=%v", n, err)
	}
}

func TestCurrentContract(t *testing.T) {
	c := CurrentContract()
	if c.Version != "delegation-contract-v2" {
		t.Errorf("version: %s", c.Version)
	}
	if got := c.RetryMatrix[FailureTransientNetwork]; got.MaxRetries != 2 || got.Backoff[0] != 100 || got.Backoff[1] != 250 {
		t.Errorf("transient row: %+v", got)
	}
	if got := c.RetryMatrix[FailurePolicyDenied]; got.MaxRetries != 0 {
		t.Errorf("policy row: %+v", got)
	}
	if len(c.BudgetThresholdsPct) != 3 || c.BudgetThresholdsPct[2] != 120 {
		t.Errorf("thresholds: %v", c.BudgetThresholdsPct)
	}
}
