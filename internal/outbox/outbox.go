// Package outbox implements the transactional outbox used for audit and
// metering signals. Producers write event rows in the same transaction
// as the state change they describe; a dispatcher goroutine drains
// pending rows to registered consumers with at-least-once delivery.
package outbox

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Event kinds emitted by the control plane.
const (
	KindUsageSignal     = "delegation.usage_signal"
	KindBudgetAlert     = "budget.alert"
	KindRevocation      = "identity.revocation"
	KindBreakerOpened   = "reliability.breaker_opened"
	KindSettlement      = "delegation.settled"
	KindHealthDegraded  = "identity.health_degraded"
	KindHealthRecovered = "identity.health_recovered"
)

// Event is one pending or dispatched outbox row.
type Event struct {
	EventID      string            `json:"event_id"`
	Kind         string            `json:"kind"`
	SubjectID    string            `json:"subject_id"`
	Payload      map[string]string `json:"payload"`
	CreatedAt    time.Time         `json:"created_at"`
	DispatchedAt *time.Time        `json:"dispatched_at,omitempty"`
	Attempts     int               `json:"attempts"`
}

// NewEvent builds a pending event row.
func NewEvent(kind, subjectID string, payload map[string]string) *Event {
	id := uuid.New()
	return &Event{
		EventID:   "obx-" + hex.EncodeToString(id[:])[:16],
		Kind:      kind,
		SubjectID: subjectID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Store persists outbox rows. Enqueue is expected to run inside the
// producer's transaction for the Postgres implementation.
type Store interface {
	Enqueue(ctx context.Context, ev *Event) error
	PendingBatch(ctx context.Context, limit int) ([]*Event, error)
	MarkDispatched(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string) error
}

// Consumer receives dispatched events. A non-nil error leaves the row
// pending, so delivery is at-least-once and consumers must be
// idempotent.
type Consumer func(ctx context.Context, ev *Event) error
