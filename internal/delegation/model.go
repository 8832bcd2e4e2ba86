// Package delegation runs the six-stage task delegation lifecycle:
// discovery, negotiation, execution, delivery, settlement, feedback.
// Every stage transition is persisted before the next stage runs, so a
// crashed worker can be reclaimed and resumed from its last stage.
package delegation

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// ContractVersion names the delegation contract all parties execute
// under. The contract endpoint publishes its constants verbatim.
const ContractVersion = "delegation-contract-v2"

// Status is the coarse lifecycle state of a delegation.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Stage is the pipeline stage a delegation last completed or is in.
type Stage string

const (
	StageDiscovery   Stage = "discovery"
	StageNegotiation Stage = "negotiation"
	StageExecution   Stage = "execution"
	StageDelivery    Stage = "delivery"
	StageSettlement  Stage = "settlement"
	StageFeedback    Stage = "feedback"
)

// Stages in pipeline order.
var Stages = []Stage{
	StageDiscovery, StageNegotiation, StageExecution,
	StageDelivery, StageSettlement, StageFeedback,
}

// FailureKind classifies an execution failure for the retry matrix.
type FailureKind string

const (
	FailureTransientNetwork FailureKind = "transient_network_error"
	FailureDelegateTimeout  FailureKind = "delegate_timeout"
	FailurePolicyDenied     FailureKind = "policy_denied"
	FailureHardStopBudget   FailureKind = "hard_stop_budget"
	FailureContractMismatch FailureKind = "contract_mismatch"
)

// RetryPolicy is one row of the retry matrix.
type RetryPolicy struct {
	MaxRetries int             `json:"max_retries"`
	BackoffMS  []time.Duration `json:"-"`
	Backoff    []int           `json:"backoff_ms"`
}

// RetryMatrix maps each failure kind to its retry policy. Policy and
// budget denials never retry: retrying cannot change the decision.
var RetryMatrix = map[FailureKind]RetryPolicy{
	FailureTransientNetwork: {MaxRetries: 2, BackoffMS: []time.Duration{100 * time.Millisecond, 250 * time.Millisecond}, Backoff: []int{100, 250}},
	FailureDelegateTimeout:  {MaxRetries: 1, BackoffMS: []time.Duration{200 * time.Millisecond}, Backoff: []int{200}},
	FailurePolicyDenied:     {MaxRetries: 0},
	FailureHardStopBudget:   {MaxRetries: 0},
	FailureContractMismatch: {MaxRetries: 1, BackoffMS: []time.Duration{200 * time.Millisecond}, Backoff: []int{200}},
}

// StageTimeouts bound each stage's wall-clock duration.
var StageTimeouts = map[Stage]time.Duration{
	StageDiscovery:   2 * time.Second,
	StageNegotiation: 2 * time.Second,
	StageExecution:   30 * time.Second,
	StageDelivery:    5 * time.Second,
	StageSettlement:  5 * time.Second,
	StageFeedback:    2 * time.Second,
}

// Escalation thresholds published in the contract, percent of max
// budget.
var BudgetThresholdsPct = []int{80, 100, 120}

// SLATargets are the published service level targets.
var SLATargets = map[string]any{
	"availability_pct":  99.0,
	"p95_latency_ms":    1500,
	"settlement_within": "5s",
}

// HeartbeatTTL is how stale a running row's heartbeat may be before
// the reaper reclaims it.
const HeartbeatTTL = 30 * time.Second

// DefaultBalanceUSD seeds each requester's balance on first touch.
const DefaultBalanceUSD = 1000.00

// AuditEvent is one entry in a delegation's stage log.
type AuditEvent struct {
	Stage     Stage             `json:"stage"`
	Outcome   string            `json:"outcome"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// PolicyContext is the slice of the requester's principal the ABAC
// evaluator needs. It is persisted with the record so a reclaimed
// delegation can resume from any stage, including discovery.
type PolicyContext struct {
	AllowedActions []string `json:"allowed_actions"`
	MFAPresent     bool     `json:"mfa_present"`
	RequiresMFA    bool     `json:"requires_mfa"`
}

// Record is a delegation row.
type Record struct {
	DelegationID     string         `json:"delegation_id"`
	RequesterAgentID string         `json:"requester_agent_id"`
	DelegateAgentID  string         `json:"delegate_agent_id"`
	TokenID          string         `json:"token_id,omitempty"`
	TaskSpec         map[string]any `json:"task_spec"`
	Status           Status         `json:"status"`
	Stage            Stage          `json:"stage"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	ActualCostUSD    float64        `json:"actual_cost_usd"`
	EscrowUSD        float64        `json:"escrow_usd"`
	MaxBudgetUSD     float64        `json:"max_budget_usd"`
	AttemptCount     int            `json:"attempt_count"`
	LastError        string         `json:"last_error,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	IdempotencyKey   string         `json:"-"`
	PolicyContext    PolicyContext  `json:"-"`
	HeartbeatAt      time.Time      `json:"heartbeat_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	AuditEvents      []AuditEvent   `json:"audit_events"`

	// Warnings are advisory codes (e.g. budget.soft_alert) attached to
	// the response for this request; they are not persisted.
	Warnings []string `json:"warnings,omitempty"`
}

// Contract is the response body of the contract endpoint.
type Contract struct {
	Version             string                      `json:"version"`
	RetryMatrix         map[FailureKind]RetryPolicy `json:"retry_matrix"`
	StageTimeoutsMS     map[Stage]int               `json:"stage_timeouts_ms"`
	BudgetThresholdsPct []int                       `json:"budget_thresholds_pct"`
	SLATargets          map[string]any              `json:"sla_targets"`
}

// CurrentContract builds the published contract constants.
func CurrentContract() Contract {
	timeouts := make(map[Stage]int, len(StageTimeouts))
	for stage, d := range StageTimeouts {
		timeouts[stage] = int(d.Milliseconds())
	}
	return Contract{
		Version:             ContractVersion,
		RetryMatrix:         RetryMatrix,
		StageTimeoutsMS:     timeouts,
		BudgetThresholdsPct: BudgetThresholdsPct,
		SLATargets:          SLATargets,
	}
}

func newDelegationID() string {
	id := uuid.New()
	return "dlg-" + hex.EncodeToString(id[:])[:16]
}
