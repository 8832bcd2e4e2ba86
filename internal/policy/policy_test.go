package policy

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/crypto"
)

var ctx = context.Background()

func newEvaluator() (*Evaluator, *MemoryAuditStore) {
	audit := NewMemoryAuditStore()
	return NewEvaluator(crypto.NewSigner([]byte("policy-secret")), audit, zap.NewNop()), audit
}

func allowInput() Input {
	return Input{
		Principal: PrincipalAttrs{
			TenantID:       "tenant-a",
			AllowedActions: []string{"delegate_task", "read_docs"},
			MFAPresent:     true,
		},
		Resource:    ResourceAttrs{TenantID: "tenant-a"},
		Environment: EnvironmentAttrs{RequiresMFA: true},
		Action:      "delegate_task",
	}
}

func TestEvaluate_allow(t *testing.T) {
	ev, audit := newEvaluator()

	d, err := ev.Evaluate(ctx, allowInput())
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed() {
		t.Fatalf("decision: %+v", d)
	}
	if len(d.ViolationCodes) != 0 {
		t.Errorf("violations on allow: %v", d.ViolationCodes)
	}
	if len(d.AllowCodes) == 0 {
		t.Error("allow decision must carry allow codes")
	}
	if !ev.VerifySignature(d) {
		t.Error("decision signature must verify")
	}

	stored, err := audit.ListDecisions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].DecisionID != d.DecisionID {
		t.Error("decision must be persisted to the audit store")
	}
}

func TestEvaluate_tenantMismatch(t *testing.T) {
	ev, _ := newEvaluator()
	in := allowInput()
	in.Resource.TenantID = "tenant-b"

	d, err := ev.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed() {
		t.Fatal("cross-tenant access must be denied")
	}
	if len(d.ViolationCodes) != 1 || d.ViolationCodes[0] != CodeTenantMismatch {
		t.Errorf("violations: %v", d.ViolationCodes)
	}
}

func TestEvaluate_collectsAllViolationsInOrder(t *testing.T) {
	ev, _ := newEvaluator()
	in := Input{
		Principal:   PrincipalAttrs{TenantID: "tenant-a", AllowedActions: []string{"read_docs"}},
		Resource:    ResourceAttrs{TenantID: "tenant-b"},
		Environment: EnvironmentAttrs{RequiresMFA: true},
		Action:      "delegate_task",
	}

	d, err := ev.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{CodeTenantMismatch, CodeActionNotAllowed, CodeMFARequired}
	if len(d.ViolationCodes) != len(want) {
		t.Fatalf("violations: got %v, want %v", d.ViolationCodes, want)
	}
	for i := range want {
		if d.ViolationCodes[i] != want[i] {
			t.Errorf("violation order [%d]: got %s, want %s", i, d.ViolationCodes[i], want[i])
		}
	}
}

func TestEvaluate_mfaOnlyWhenRequired(t *testing.T) {
	ev, _ := newEvaluator()
	in := allowInput()
	in.Principal.MFAPresent = false
	in.Environment.RequiresMFA = false

	d, err := ev.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed() {
		t.Errorf("MFA must only gate when the environment requires it: %v", d.ViolationCodes)
	}
}

func TestEvaluate_wildcardAction(t *testing.T) {
	ev, _ := newEvaluator()
	in := allowInput()
	in.Principal.AllowedActions = []string{"*"}
	in.Action = "anything_at_all"

	d, err := ev.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed() {
		t.Errorf("wildcard action grant: %v", d.ViolationCodes)
	}
}

func TestEvaluate_deterministicInputHash(t *testing.T) {
	ev, _ := newEvaluator()

	d1, err := ev.Evaluate(ctx, allowInput())
	if err != nil {
		t.Fatal(err)
	}
	d2, err := ev.Evaluate(ctx, allowInput())
	if err != nil {
		t.Fatal(err)
	}
	if d1.InputHash != d2.InputHash {
		t.Error("identical inputs must hash identically")
	}
	if d1.Decision != d2.Decision || len(d1.ViolationCodes) != len(d2.ViolationCodes) {
		t.Error("identical inputs must decide identically")
	}
	if d1.DecisionID != d2.DecisionID {
		t.Errorf("identical inputs must share a decision_id: %s vs %s", d1.DecisionID, d2.DecisionID)
	}
	if d1.DecisionSignature != d2.DecisionSignature {
		t.Errorf("identical inputs must produce identical signatures: %s vs %s",
			d1.DecisionSignature, d2.DecisionSignature)
	}
}

func TestEvaluate_distinctInputsDistinctDecisionIDs(t *testing.T) {
	ev, _ := newEvaluator()

	d1, err := ev.Evaluate(ctx, allowInput())
	if err != nil {
		t.Fatal(err)
	}
	in := allowInput()
	in.Action = "read_docs"
	d2, err := ev.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if d1.DecisionID == d2.DecisionID {
		t.Error("different inputs must not collide on decision_id")
	}
}

func TestVerifySignature_rejectsTampering(t *testing.T) {
	ev, _ := newEvaluator()

	d, err := ev.Evaluate(ctx, allowInput())
	if err != nil {
		t.Fatal(err)
	}
	d.Decision = EffectDeny
	if ev.VerifySignature(d) {
		t.Error("tampered decision must fail signature verification")
	}
}
