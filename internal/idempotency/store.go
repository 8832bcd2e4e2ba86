// Package idempotency implements durable write-once reservations for
// mutating API routes. A reservation binds (tenant, actor, method, route,
// idempotency key) to a request hash and, once completed, to the cached
// response bytes. Retried requests replay the cached response; a retry
// with a different body is a conflict.
package idempotency

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when no reservation exists for a key.
var ErrNotFound = errors.New("idempotency record not found")

// Status of a reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State of a Reserve call.
type State string

const (
	// StateNew means the reservation was created; the caller owns the write.
	StateNew State = "new"
	// StatePending means another identical request is still in flight.
	StatePending State = "pending"
	// StateReplay means an identical request already completed; the cached
	// response must be returned verbatim.
	StateReplay State = "replay"
	// StateConflict means the key was reused with a different payload.
	StateConflict State = "conflict"
)

// Key is the reservation primary key.
type Key struct {
	Tenant string
	Actor  string
	Method string
	Route  string
	Key    string
}

// CachedResponse is the response recorded by Complete.
type CachedResponse struct {
	HTTPStatus int
	Headers    map[string]string
	Body       []byte
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	State    State
	Response *CachedResponse // set only for StateReplay
}

// Store persists idempotency reservations. Reservations survive process
// restart; losing one would permit a duplicate write.
type Store interface {
	// Reserve atomically claims the key for the given request hash, or
	// reports the state of the existing reservation.
	Reserve(ctx context.Context, key Key, requestHash string) (Reservation, error)
	// Complete records the response for later replay.
	Complete(ctx context.Context, key Key, httpStatus int, headers map[string]string, body []byte) error
	// Fail releases the key so a retry with the same key is permitted.
	// Used when the request times out or the write never happened.
	Fail(ctx context.Context, key Key) error
}

// volatileHeaders are stripped from cached responses; they would differ
// between the original response and a replay.
var volatileHeaders = map[string]struct{}{
	"date":           {},
	"server":         {},
	"content-length": {},
}

// FilterHeaders drops volatile headers before caching.
func FilterHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if _, skip := volatileHeaders[strings.ToLower(name)]; skip {
			continue
		}
		out[name] = value
	}
	return out
}
