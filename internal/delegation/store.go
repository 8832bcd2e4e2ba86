package delegation

import (
	"context"
	"errors"
	"time"
)

// Sentinel store errors.
var (
	ErrNotFound            = errors.New("delegation not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Store persists delegation records and requester balances. Balance
// mutations are atomic; a debit either applies fully or returns
// ErrInsufficientBalance.
type Store interface {
	InsertRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, delegationID string) (*Record, error)
	UpdateRecord(ctx context.Context, rec *Record) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)

	// StaleRunning returns running rows whose heartbeat is older than
	// cutoff, for the reaper.
	StaleRunning(ctx context.Context, cutoff time.Time) ([]*Record, error)

	// Balance returns the requester's balance, seeding
	// DefaultBalanceUSD on first touch.
	Balance(ctx context.Context, requester string) (float64, error)
	Debit(ctx context.Context, requester string, amountUSD float64) error
	Credit(ctx context.Context, requester string, amountUSD float64) error
}
