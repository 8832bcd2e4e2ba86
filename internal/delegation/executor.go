package delegation

import (
	"context"
	"fmt"
	"time"
)

// Failure is an execution failure classified for the retry matrix.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFailure builds a classified execution failure.
func NewFailure(kind FailureKind, msg string) *Failure {
	return &Failure{Kind: kind, Message: msg}
}

// ExecutionResult is the delegate's output plus its metered cost.
type ExecutionResult struct {
	Output        map[string]any
	ActualCostUSD float64
	Latency       time.Duration
}

// Executor invokes the delegate for the execution stage. Failures must
// be returned as *Failure so the retry matrix can classify them;
// anything else is treated as non-retryable.
type Executor interface {
	Execute(ctx context.Context, rec *Record, attempt int) (*ExecutionResult, error)
}

// SimulatedExecutor is the sandboxed in-process delegate used in dev
// mode and tests. Behaviour is driven by task_spec keys:
//
//	simulate_failure           fail with this kind; "_once" suffix
//	                           fails only the first attempt
//	simulated_actual_cost_usd  override the metered cost
//	simulated_latency_ms       override the reported latency
//	omit_contract_marker       drop the contract marker from output
type SimulatedExecutor struct{}

func (SimulatedExecutor) Execute(_ context.Context, rec *Record, attempt int) (*ExecutionResult, error) {
	if kind, ok := rec.TaskSpec["simulate_failure"].(string); ok && kind != "" {
		once := false
		if len(kind) > len("_once") && kind[len(kind)-len("_once"):] == "_once" {
			once = true
			kind = kind[:len(kind)-len("_once")]
		}
		if !once || attempt == 1 {
			return nil, NewFailure(FailureKind(kind), "simulated delegate failure")
		}
	}

	cost := rec.EstimatedCostUSD
	if v, ok := rec.TaskSpec["simulated_actual_cost_usd"].(float64); ok {
		cost = v
	}
	latency := 50 * time.Millisecond
	if v, ok := rec.TaskSpec["simulated_latency_ms"].(float64); ok {
		latency = time.Duration(v) * time.Millisecond
	}

	output := map[string]any{
		"result":           "completed",
		"task_type":        rec.TaskSpec["task_type"],
		"contract_version": ContractVersion,
	}
	if omit, ok := rec.TaskSpec["omit_contract_marker"].(bool); ok && omit {
		delete(output, "contract_version")
	}
	return &ExecutionResult{Output: output, ActualCostUSD: cost, Latency: latency}, nil
}
