// Package budget tracks cumulative spend per delegation token and maps
// the spend ratio onto the escalation ladder: ok, soft_alert,
// reauthorization_required, hard_stop. Spend is append-only, so states
// only ever escalate for a given token.
package budget

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/apierror"
)

// Escalation thresholds as a fraction of max budget.
const (
	SoftAlertRatio = 0.80
	ReauthRatio    = 1.00
	HardStopRatio  = 1.20
)

// State is a rung on the escalation ladder.
type State string

const (
	StateOK        State = "ok"
	StateSoftAlert State = "soft_alert"
	StateReauth    State = "reauthorization_required"
	StateHardStop  State = "hard_stop"
)

// StateFor maps a spend ratio to its state. Boundaries escalate: a
// ratio exactly at a threshold belongs to the higher rung.
func StateFor(ratio float64) State {
	switch {
	case ratio >= HardStopRatio:
		return StateHardStop
	case ratio >= ReauthRatio:
		return StateReauth
	case ratio >= SoftAlertRatio:
		return StateSoftAlert
	default:
		return StateOK
	}
}

// Event is one append-only spend record against a token.
type Event struct {
	EventID     string    `json:"event_id"`
	TokenID     string    `json:"token_id"`
	Actor       string    `json:"actor"`
	CostUSD     float64   `json:"cost_usd"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Evaluation is the budget status of a token at a point in time.
type Evaluation struct {
	TokenID       string  `json:"token_id"`
	State         State   `json:"state"`
	SpendRatio    float64 `json:"spend_ratio"`
	TotalSpendUSD float64 `json:"total_spend_usd"`
	MaxBudgetUSD  float64 `json:"max_budget_usd"`
	EventCount    int     `json:"event_count"`
}

// Store persists spend events. RecordAndSum must be atomic: the
// returned total includes the event just written and no concurrent
// writer can interleave between insert and sum.
type Store interface {
	RecordAndSum(ctx context.Context, ev *Event) (totalUSD float64, count int, err error)
	Sum(ctx context.Context, tokenID string) (totalUSD float64, count int, err error)
	ListEvents(ctx context.Context, tokenID string, limit int) ([]*Event, error)
}

// Service records spend and evaluates the ladder.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a budget Service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Record appends a spend event and evaluates the token's budget state
// in the same transaction, so the returned evaluation reflects the
// event just recorded.
func (s *Service) Record(ctx context.Context, tokenID, actor string, costUSD float64, description string, maxBudgetUSD float64) (*Evaluation, error) {
	if costUSD < 0 {
		return nil, apierror.Validation(apierror.CodeValidation, "cost_usd must be non-negative")
	}
	if maxBudgetUSD <= 0 {
		return nil, apierror.Validation(apierror.CodeValidation, "max_budget_usd must be positive")
	}
	ev := &Event{
		EventID:     newEventID(),
		TokenID:     tokenID,
		Actor:       actor,
		CostUSD:     costUSD,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	total, count, err := s.store.RecordAndSum(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("record budget event: %w", err)
	}
	eval := s.evaluation(tokenID, total, count, maxBudgetUSD)
	if eval.State != StateOK {
		s.logger.Warn("budget escalation",
			zap.String("token_id", tokenID),
			zap.String("state", string(eval.State)),
			zap.Float64("spend_ratio", eval.SpendRatio),
		)
	}
	return eval, nil
}

// Evaluate reads the current budget state without recording spend.
func (s *Service) Evaluate(ctx context.Context, tokenID string, maxBudgetUSD float64) (*Evaluation, error) {
	if maxBudgetUSD <= 0 {
		return nil, apierror.Validation(apierror.CodeValidation, "max_budget_usd must be positive")
	}
	total, count, err := s.store.Sum(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("sum budget events: %w", err)
	}
	return s.evaluation(tokenID, total, count, maxBudgetUSD), nil
}

// Guard converts an evaluation into the API error its state demands.
// ok and soft_alert admit the request; soft_alert surfaces as a
// response warning, which is the caller's job.
func Guard(eval *Evaluation) error {
	switch eval.State {
	case StateHardStop:
		return apierror.Budget(apierror.CodeBudgetHardStop,
			fmt.Sprintf("spend %.2f exceeds %.0f%% of budget %.2f",
				eval.TotalSpendUSD, HardStopRatio*100, eval.MaxBudgetUSD))
	case StateReauth:
		return apierror.Budget(apierror.CodeBudgetReauth,
			"budget exhausted; re-authorization required to continue")
	default:
		return nil
	}
}

// ListEvents returns the spend trail for a token, newest first.
func (s *Service) ListEvents(ctx context.Context, tokenID string, limit int) ([]*Event, error) {
	return s.store.ListEvents(ctx, tokenID, limit)
}

func (s *Service) evaluation(tokenID string, total float64, count int, maxBudget float64) *Evaluation {
	ratio := total / maxBudget
	return &Evaluation{
		TokenID:       tokenID,
		State:         StateFor(ratio),
		SpendRatio:    ratio,
		TotalSpendUSD: total,
		MaxBudgetUSD:  maxBudget,
		EventCount:    count,
	}
}

func newEventID() string {
	id := uuid.New()
	return "bgt-" + hex.EncodeToString(id[:])[:16]
}
