package delegation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
	"github.com/agenthub/agenthub/internal/budget"
	"github.com/agenthub/agenthub/internal/identity"
	"github.com/agenthub/agenthub/internal/outbox"
	"github.com/agenthub/agenthub/internal/policy"
)

// Outcome is reported to the settlement observer after each terminal
// transition.
type Outcome struct {
	DelegationID string
	Success      bool
	HardStop     bool
	Latency      time.Duration
}

// Observer receives terminal outcomes, feeding the reliability window.
type Observer func(Outcome)

// Engine drives delegations through the six-stage pipeline. Each stage
// transition is persisted before the next stage runs.
type Engine struct {
	store     Store
	identity  identity.Store
	policies  *policy.Evaluator
	budgets   *budget.Service
	outbox    outbox.Store
	executor  Executor
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(time.Duration)
}

// NewEngine wires an Engine. observer may be nil.
func NewEngine(store Store, ids identity.Store, policies *policy.Evaluator, budgets *budget.Service, ob outbox.Store, executor Executor, observer Observer, logger *zap.Logger) *Engine {
	if executor == nil {
		executor = SimulatedExecutor{}
	}
	return &Engine{
		store:    store,
		identity: ids,
		policies: policies,
		budgets:  budgets,
		outbox:   ob,
		executor: executor,
		observer: observer,
		logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// SubmitParams are the inputs to a delegation request.
type SubmitParams struct {
	RequesterAgentID string
	DelegateAgentID  string
	TokenID          string
	TaskSpec         map[string]any
	EstimatedCostUSD float64
	MaxBudgetUSD     float64
	IdempotencyKey   string

	// Policy attributes carried from the resolved principal.
	AllowedActions []string
	MFAPresent     bool
	RequiresMFA    bool
}

// Submit validates the request, persists a queued record, and runs the
// pipeline to a terminal state. The returned record is the final row.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (*Record, error) {
	if p.RequesterAgentID == "" || p.DelegateAgentID == "" {
		return nil, apierror.Validation(apierror.CodeValidation, "requester and delegate are required")
	}
	if p.EstimatedCostUSD < 0 {
		return nil, apierror.Validation(apierror.CodeValidation, "estimated_cost_usd must be non-negative")
	}
	if p.MaxBudgetUSD <= 0 {
		return nil, apierror.Validation(apierror.CodeValidation, "max_budget_usd must be positive")
	}
	if p.EstimatedCostUSD > p.MaxBudgetUSD {
		return nil, apierror.Validation(apierror.CodeValidation,
			"estimated_cost_usd exceeds max_budget_usd").WithFields(map[string]any{
			"estimated_cost_usd": p.EstimatedCostUSD,
			"max_budget_usd":     p.MaxBudgetUSD,
		})
	}

	now := e.now().UTC()
	rec := &Record{
		DelegationID:     newDelegationID(),
		RequesterAgentID: p.RequesterAgentID,
		DelegateAgentID:  p.DelegateAgentID,
		TokenID:          p.TokenID,
		TaskSpec:         p.TaskSpec,
		Status:           StatusQueued,
		Stage:            StageDiscovery,
		EstimatedCostUSD: p.EstimatedCostUSD,
		MaxBudgetUSD:     p.MaxBudgetUSD,
		IdempotencyKey:   p.IdempotencyKey,
		PolicyContext: PolicyContext{
			AllowedActions: p.AllowedActions,
			MFAPresent:     p.MFAPresent,
			RequiresMFA:    p.RequiresMFA,
		},
		HeartbeatAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.InsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist delegation: %w", err)
	}
	return e.run(ctx, rec)
}

// Status loads a delegation row with its audit trail.
func (e *Engine) Status(ctx context.Context, delegationID string) (*Record, error) {
	rec, err := e.store.GetRecord(ctx, delegationID)
	if errors.Is(err, ErrNotFound) {
		return nil, apierror.NotFound("delegation not found")
	}
	return rec, err
}

// run executes the pipeline from the record's current stage. A revoked
// requester or delegate cancels the delegation at the next transition.
func (e *Engine) run(ctx context.Context, rec *Record) (*Record, error) {
	start := e.now()
	rec.Status = StatusRunning

	fail := func(stage Stage, kind FailureKind, msg string, hardStop bool) (*Record, error) {
		rec.Status = StatusFailed
		rec.LastError = string(kind) + ": " + msg
		e.touch(ctx, rec, stage, "failed", map[string]string{"kind": string(kind), "error": msg})
		e.report(Outcome{DelegationID: rec.DelegationID, Success: false, HardStop: hardStop, Latency: e.now().Sub(start)})
		return rec, nil
	}

	// The budget ladder gates new spend up front: a token already in
	// the reauthorization or hard-stop band may not take on more work,
	// and a token in the soft-alert band carries a response warning.
	if rec.TokenID != "" {
		eval, err := e.budgets.Evaluate(ctx, rec.TokenID, rec.MaxBudgetUSD)
		if err != nil {
			return nil, err
		}
		if gerr := budget.Guard(eval); gerr != nil {
			rec.Status = StatusFailed
			if eval.State == budget.StateHardStop {
				rec.LastError = string(FailureHardStopBudget)
			} else {
				rec.LastError = apierror.CodeBudgetReauth
			}
			e.touch(ctx, rec, rec.Stage, "blocked", map[string]string{
				"state":       string(eval.State),
				"spend_ratio": strconv.FormatFloat(eval.SpendRatio, 'f', 4, 64),
			})
			e.report(Outcome{
				DelegationID: rec.DelegationID,
				Success:      false,
				HardStop:     eval.State == budget.StateHardStop,
				Latency:      e.now().Sub(start),
			})
			return rec, gerr
		}
		if eval.State == budget.StateSoftAlert {
			rec.warn(apierror.CodeBudgetSoftAlert)
		}
	}

	for _, stage := range Stages {
		if stageOrder(stage) < stageOrder(rec.Stage) {
			continue
		}
		if cancelled, err := e.cancelIfRevoked(ctx, rec); err != nil {
			return nil, err
		} else if cancelled {
			e.report(Outcome{DelegationID: rec.DelegationID, Success: false, Latency: e.now().Sub(start)})
			return rec, nil
		}

		switch stage {
		case StageDiscovery:
			decision, err := e.discover(ctx, rec)
			if err != nil {
				return nil, err
			}
			if !decision.Allowed() {
				rec.Status = StatusFailed
				rec.LastError = string(FailurePolicyDenied)
				e.touch(ctx, rec, stage, "denied", map[string]string{
					"decision_id": decision.DecisionID,
					"violations":  fmt.Sprint(decision.ViolationCodes),
				})
				e.report(Outcome{DelegationID: rec.DelegationID, Success: false, Latency: e.now().Sub(start)})
				return rec, apierror.Policy(apierror.CodePolicyDenied, "delegation denied by policy").
					WithFields(map[string]any{"violation_codes": decision.ViolationCodes, "decision_id": decision.DecisionID})
			}
			e.touch(ctx, rec, stage, "ok", map[string]string{"decision_id": decision.DecisionID})

		case StageNegotiation:
			if rec.EscrowUSD > 0 {
				// Resumed after a crash; escrow already held.
				e.touch(ctx, rec, stage, "ok", map[string]string{"escrow_usd": formatUSD(rec.EscrowUSD)})
				continue
			}
			if err := e.store.Debit(ctx, rec.RequesterAgentID, rec.EstimatedCostUSD); err != nil {
				if errors.Is(err, ErrInsufficientBalance) {
					rec.Status = StatusFailed
					rec.LastError = "insufficient balance"
					e.touch(ctx, rec, stage, "failed", map[string]string{"error": "insufficient balance"})
					e.report(Outcome{DelegationID: rec.DelegationID, Success: false, Latency: e.now().Sub(start)})
					return rec, apierror.Validation(apierror.CodeValidation, "insufficient balance for escrow")
				}
				return nil, fmt.Errorf("escrow debit: %w", err)
			}
			rec.EscrowUSD = rec.EstimatedCostUSD
			e.touch(ctx, rec, stage, "ok", map[string]string{
				"escrow_usd": formatUSD(rec.EscrowUSD),
			})

		case StageExecution:
			result, failure, err := e.executeWithRetries(ctx, rec)
			if err != nil {
				return nil, err
			}
			if failure != nil {
				e.refundEscrow(ctx, rec)
				return fail(stage, failure.Kind, failure.Message, failure.Kind == FailureHardStopBudget)
			}
			rec.Output = result.Output
			rec.ActualCostUSD = result.ActualCostUSD
			e.touch(ctx, rec, stage, "ok", map[string]string{
				"attempts":   strconv.Itoa(rec.AttemptCount),
				"latency_ms": strconv.FormatInt(result.Latency.Milliseconds(), 10),
			})

		case StageDelivery:
			// Contract marker was validated inside the execution loop;
			// this transition records acceptance of the output.
			e.touch(ctx, rec, stage, "ok", map[string]string{
				"contract_version": ContractVersion,
			})

		case StageSettlement:
			hardStop, err := e.settle(ctx, rec)
			if err != nil {
				return nil, err
			}
			if hardStop {
				rec.Status = StatusFailed
				rec.LastError = string(FailureHardStopBudget)
				e.touch(ctx, rec, stage, "blocked", map[string]string{
					"actual_cost_usd": formatUSD(rec.ActualCostUSD),
					"max_budget_usd":  formatUSD(rec.MaxBudgetUSD),
				})
				e.report(Outcome{DelegationID: rec.DelegationID, Success: false, HardStop: true, Latency: e.now().Sub(start)})
				return rec, apierror.Budget(apierror.CodeBudgetHardStop, "actual cost breached the hard-stop threshold")
			}
			e.touch(ctx, rec, stage, "ok", map[string]string{
				"actual_cost_usd": formatUSD(rec.ActualCostUSD),
				"refund_usd":      formatUSD(rec.EscrowUSD),
			})

		case StageFeedback:
			if err := e.outbox.Enqueue(ctx, outbox.NewEvent(outbox.KindUsageSignal, rec.DelegationID, map[string]string{
				"requester":       rec.RequesterAgentID,
				"delegate":        rec.DelegateAgentID,
				"actual_cost_usd": formatUSD(rec.ActualCostUSD),
				"attempts":        strconv.Itoa(rec.AttemptCount),
			})); err != nil {
				return nil, fmt.Errorf("enqueue usage signal: %w", err)
			}
			if err := e.outbox.Enqueue(ctx, outbox.NewEvent(outbox.KindSettlement, rec.DelegationID, map[string]string{
				"requester":       rec.RequesterAgentID,
				"delegate":        rec.DelegateAgentID,
				"actual_cost_usd": formatUSD(rec.ActualCostUSD),
				"refund_usd":      formatUSD(rec.EscrowUSD),
			})); err != nil {
				return nil, fmt.Errorf("enqueue settlement event: %w", err)
			}
			rec.Status = StatusSettled
			e.touch(ctx, rec, stage, "ok", nil)
		}
	}

	e.report(Outcome{DelegationID: rec.DelegationID, Success: true, Latency: e.now().Sub(start)})
	e.logger.Info("delegation settled",
		zap.String("delegation_id", rec.DelegationID),
		zap.Float64("actual_cost_usd", rec.ActualCostUSD),
		zap.Int("attempts", rec.AttemptCount),
	)
	return rec, nil
}

// discover resolves the delegate and evaluates policy.
func (e *Engine) discover(ctx context.Context, rec *Record) (*policy.Decision, error) {
	requester, err := e.identity.GetIdentity(ctx, rec.RequesterAgentID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, apierror.Validation(apierror.CodeIdentityNotFound, "requester agent not found")
		}
		return nil, fmt.Errorf("load requester: %w", err)
	}
	delegate, err := e.identity.GetIdentity(ctx, rec.DelegateAgentID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, apierror.Validation(apierror.CodeIdentityNotFound, "delegate agent not found")
		}
		return nil, fmt.Errorf("load delegate: %w", err)
	}
	if delegate.Status != identity.IdentityActive {
		return nil, apierror.Policy(apierror.CodeIdentityRevoked, "delegate agent is not active")
	}

	action, _ := rec.TaskSpec["task_type"].(string)
	return e.policies.Evaluate(ctx, policy.Input{
		Principal: policy.PrincipalAttrs{
			TenantID:       requester.Owner,
			AllowedActions: rec.PolicyContext.AllowedActions,
			MFAPresent:     rec.PolicyContext.MFAPresent,
		},
		Resource:    policy.ResourceAttrs{TenantID: delegate.Owner},
		Environment: policy.EnvironmentAttrs{RequiresMFA: rec.PolicyContext.RequiresMFA},
		Action:      action,
	})
}

// executeWithRetries runs the executor under the retry matrix. Output
// contract validation happens inside the loop so a marker mismatch can
// consume its retry allowance. Retries reuse the record's original
// idempotency key.
func (e *Engine) executeWithRetries(ctx context.Context, rec *Record) (*ExecutionResult, *Failure, error) {
	retried := make(map[FailureKind]int)
	for {
		rec.AttemptCount++
		e.touch(ctx, rec, StageExecution, "attempt", map[string]string{
			"attempt":         strconv.Itoa(rec.AttemptCount),
			"idempotency_key": rec.IdempotencyKey,
		})

		result, err := e.executor.Execute(ctx, rec, rec.AttemptCount)
		var failure *Failure
		if err != nil {
			if !errors.As(err, &failure) {
				failure = NewFailure(FailureDelegateTimeout, err.Error())
			}
		} else if _, ok := result.Output["contract_version"]; !ok {
			failure = NewFailure(FailureContractMismatch, "output missing contract marker")
		}
		if failure == nil {
			return result, nil, nil
		}

		pol, ok := RetryMatrix[failure.Kind]
		if !ok || retried[failure.Kind] >= pol.MaxRetries {
			return nil, failure, nil
		}
		backoff := pol.BackoffMS[min(retried[failure.Kind], len(pol.BackoffMS)-1)]
		retried[failure.Kind]++
		rec.LastError = failure.Error()
		e.touch(ctx, rec, StageExecution, "retry", map[string]string{
			"kind":       string(failure.Kind),
			"backoff_ms": strconv.FormatInt(backoff.Milliseconds(), 10),
		})
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}
		e.sleep(backoff)
	}
}

// settle records the actual cost against the budget ladder, refunds
// unused escrow, and reports whether the hard-stop threshold blocked
// the settlement.
func (e *Engine) settle(ctx context.Context, rec *Record) (hardStop bool, err error) {
	if rec.ActualCostUSD > budget.HardStopRatio*rec.MaxBudgetUSD {
		e.refundEscrow(ctx, rec)
		return true, nil
	}

	budgetKey := rec.TokenID
	if budgetKey == "" {
		budgetKey = rec.DelegationID
	}
	eval, err := e.budgets.Record(ctx, budgetKey, rec.RequesterAgentID, rec.ActualCostUSD,
		"delegation "+rec.DelegationID, rec.MaxBudgetUSD)
	if err != nil {
		return false, fmt.Errorf("record settlement spend: %w", err)
	}
	if eval.State == budget.StateHardStop {
		e.refundEscrow(ctx, rec)
		return true, nil
	}
	if eval.State != budget.StateOK {
		if err := e.outbox.Enqueue(ctx, outbox.NewEvent(outbox.KindBudgetAlert, budgetKey, map[string]string{
			"state":       string(eval.State),
			"spend_ratio": strconv.FormatFloat(eval.SpendRatio, 'f', 4, 64),
		})); err != nil {
			return false, fmt.Errorf("enqueue budget alert: %w", err)
		}
	}
	if eval.State == budget.StateSoftAlert {
		rec.warn(apierror.CodeBudgetSoftAlert)
	}

	refund := rec.EscrowUSD - rec.ActualCostUSD
	if refund < 0 {
		refund = 0
	}
	if refund > 0 {
		if err := e.store.Credit(ctx, rec.RequesterAgentID, refund); err != nil {
			return false, fmt.Errorf("refund escrow: %w", err)
		}
	}
	rec.EscrowUSD = refund
	return false, nil
}

// cancelIfRevoked implements revocation-on-next-touch: a delegation
// whose requester or delegate was revoked transitions to cancelled at
// the next stage boundary, with escrow returned.
func (e *Engine) cancelIfRevoked(ctx context.Context, rec *Record) (bool, error) {
	for _, agentID := range []string{rec.RequesterAgentID, rec.DelegateAgentID} {
		ident, err := e.identity.GetIdentity(ctx, agentID)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				continue
			}
			return false, fmt.Errorf("load party %s: %w", agentID, err)
		}
		if ident.Status == identity.IdentityRevoked {
			e.refundEscrow(ctx, rec)
			rec.Status = StatusCancelled
			rec.LastError = "party revoked: " + agentID
			e.touch(ctx, rec, rec.Stage, "cancelled", map[string]string{"revoked_party": agentID})
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) refundEscrow(ctx context.Context, rec *Record) {
	if rec.EscrowUSD <= 0 {
		return
	}
	if err := e.store.Credit(ctx, rec.RequesterAgentID, rec.EscrowUSD); err != nil {
		e.logger.Error("escrow refund failed",
			zap.String("delegation_id", rec.DelegationID), zap.Error(err))
		return
	}
	rec.EscrowUSD = 0
}

// touch persists a stage transition with a fresh heartbeat.
func (e *Engine) touch(ctx context.Context, rec *Record, stage Stage, outcome string, detail map[string]string) {
	now := e.now().UTC()
	rec.Stage = stage
	rec.HeartbeatAt = now
	rec.UpdatedAt = now
	rec.AuditEvents = append(rec.AuditEvents, AuditEvent{
		Stage: stage, Outcome: outcome, Detail: detail, Timestamp: now,
	})
	if err := e.store.UpdateRecord(ctx, rec); err != nil {
		e.logger.Error("persist stage transition failed",
			zap.String("delegation_id", rec.DelegationID),
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
	}
}

func (e *Engine) report(o Outcome) {
	if e.observer != nil {
		e.observer(o)
	}
}

// warn attaches an advisory code once per record.
func (r *Record) warn(code string) {
	for _, w := range r.Warnings {
		if w == code {
			return
		}
	}
	r.Warnings = append(r.Warnings, code)
}

func stageOrder(stage Stage) int {
	for i, s := range Stages {
		if s == stage {
			return i
		}
	}
	return 0
}

func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
