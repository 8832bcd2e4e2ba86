// Package policy is the ABAC evaluator. Evaluation is a pure function
// of its input; every decision is HMAC-signed over the canonical
// payload so downstream consumers can verify it was not altered.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/crypto"
)

// Version tags every decision with the evaluator revision that
// produced it.
const Version = "abac-v1"

// Violation codes, emitted in check order.
const (
	CodeTenantMismatch   = "abac.tenant_mismatch"
	CodeActionNotAllowed = "abac.action_not_allowed"
	CodeMFARequired      = "abac.mfa_required"
)

// PrincipalAttrs are the caller attributes evaluation reads.
type PrincipalAttrs struct {
	TenantID       string   `json:"tenant_id"`
	AllowedActions []string `json:"allowed_actions"`
	MFAPresent     bool     `json:"mfa_present"`
}

// ResourceAttrs are the target attributes evaluation reads.
type ResourceAttrs struct {
	TenantID string `json:"tenant_id"`
}

// EnvironmentAttrs are the ambient attributes evaluation reads.
type EnvironmentAttrs struct {
	RequiresMFA bool `json:"requires_mfa"`
}

// Input is everything the evaluator looks at. Identical inputs always
// produce identical decisions.
type Input struct {
	Principal   PrincipalAttrs   `json:"principal"`
	Resource    ResourceAttrs    `json:"resource"`
	Environment EnvironmentAttrs `json:"environment"`
	Action      string           `json:"action"`
}

// Effect is the evaluation outcome.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Decision is a signed, explainable evaluation result. Everything but
// SignedAt is covered by the signature, so identical inputs always
// yield an identical decision_id and decision_signature; SignedAt only
// records when this particular evaluation ran.
type Decision struct {
	DecisionID        string    `json:"decision_id"`
	Decision          Effect    `json:"decision"`
	ViolationCodes    []string  `json:"violation_codes"`
	WarningCodes      []string  `json:"warning_codes"`
	AllowCodes        []string  `json:"allow_codes"`
	EvaluatedFields   []string  `json:"evaluated_fields"`
	PolicyVersion     string    `json:"policy_version"`
	InputHash         string    `json:"input_hash"`
	DecisionSignature string    `json:"decision_signature"`
	SignedAt          time.Time `json:"signed_at"`
}

// Allowed reports whether the decision admits the action.
func (d *Decision) Allowed() bool { return d.Decision == EffectAllow }

// Evaluator runs the ordered ABAC checks and signs the result.
type Evaluator struct {
	signer *crypto.Signer
	audit  AuditStore
	logger *zap.Logger
	now    func() time.Time
}

// NewEvaluator creates an Evaluator signing with the policy secret and
// persisting each decision to the audit store.
func NewEvaluator(signer *crypto.Signer, audit AuditStore, logger *zap.Logger) *Evaluator {
	return &Evaluator{signer: signer, audit: audit, logger: logger, now: time.Now}
}

// Evaluate runs the checks in a fixed order: tenant isolation, action
// allow-list, MFA requirement. All violations are collected so callers
// see the full explanation, not just the first failure.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	var violations []string
	evaluated := []string{
		"principal.tenant_id", "resource.tenant_id",
		"principal.allowed_actions", "action",
		"environment.requires_mfa", "principal.mfa_present",
	}

	if in.Resource.TenantID != "" && in.Principal.TenantID != in.Resource.TenantID {
		violations = append(violations, CodeTenantMismatch)
	}
	if !actionAllowed(in.Principal.AllowedActions, in.Action) {
		violations = append(violations, CodeActionNotAllowed)
	}
	if in.Environment.RequiresMFA && !in.Principal.MFAPresent {
		violations = append(violations, CodeMFARequired)
	}

	effect := EffectAllow
	var allowCodes []string
	if len(violations) > 0 {
		effect = EffectDeny
	} else {
		allowCodes = []string{"abac.all_checks_passed"}
	}

	inputBytes, err := crypto.Canonical(in)
	if err != nil {
		return nil, fmt.Errorf("canonicalise policy input: %w", err)
	}
	inputHash := e.signer.Hash(string(inputBytes))

	d := &Decision{
		DecisionID:      decisionID(inputHash),
		Decision:        effect,
		ViolationCodes:  violations,
		WarningCodes:    nil,
		AllowCodes:      allowCodes,
		EvaluatedFields: evaluated,
		PolicyVersion:   Version,
		InputHash:       inputHash,
		SignedAt:        e.now().UTC(),
	}
	sig, err := e.signDecision(d)
	if err != nil {
		return nil, err
	}
	d.DecisionSignature = sig

	if e.audit != nil {
		if err := e.audit.AppendDecision(ctx, d, in); err != nil {
			return nil, fmt.Errorf("persist policy decision: %w", err)
		}
	}
	if effect == EffectDeny {
		e.logger.Info("policy denied",
			zap.String("decision_id", d.DecisionID),
			zap.String("action", in.Action),
			zap.Strings("violations", violations),
		)
	}
	return d, nil
}

// VerifySignature recomputes the decision signature and compares in
// constant time. Verification is deterministic for a given decision.
func (e *Evaluator) VerifySignature(d *Decision) bool {
	expected, err := e.signDecision(d)
	if err != nil {
		return false
	}
	return crypto.ConstantTimeEq(expected, d.DecisionSignature)
}

// decisionPayload is the exact slice of a Decision the signature
// covers. SignedAt and the signature itself are excluded so re-running
// the same input reproduces the same signature bit for bit.
type decisionPayload struct {
	DecisionID      string   `json:"decision_id"`
	Decision        Effect   `json:"decision"`
	ViolationCodes  []string `json:"violation_codes"`
	WarningCodes    []string `json:"warning_codes"`
	AllowCodes      []string `json:"allow_codes"`
	EvaluatedFields []string `json:"evaluated_fields"`
	PolicyVersion   string   `json:"policy_version"`
	InputHash       string   `json:"input_hash"`
}

func (e *Evaluator) signDecision(d *Decision) (string, error) {
	payload, err := crypto.Canonical(decisionPayload{
		DecisionID:      d.DecisionID,
		Decision:        d.Decision,
		ViolationCodes:  d.ViolationCodes,
		WarningCodes:    d.WarningCodes,
		AllowCodes:      d.AllowCodes,
		EvaluatedFields: d.EvaluatedFields,
		PolicyVersion:   d.PolicyVersion,
		InputHash:       d.InputHash,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalise decision: %w", err)
	}
	return e.signer.Sign(payload), nil
}

// decisionID derives the identifier from the evaluator version and the
// input hash, so the same input always maps to the same decision row.
func decisionID(inputHash string) string {
	sum := sha256.Sum256([]byte(Version + ":" + inputHash))
	return "pdc-" + hex.EncodeToString(sum[:])[:24]
}

func actionAllowed(allowed []string, action string) bool {
	for _, a := range allowed {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}
