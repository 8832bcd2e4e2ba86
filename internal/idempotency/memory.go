package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	requestHash string
	status      Status
	response    *CachedResponse
	createdAt   time.Time
	updatedAt   time.Time
}

// MemoryStore is an in-memory, thread-safe Store implementation for
// tests and single-process dev deployments. It does not survive restart
// and must not be used in production.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[Key]*memoryRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[Key]*memoryRecord)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key Key, requestHash string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok {
		now := time.Now().UTC()
		s.rows[key] = &memoryRecord{
			requestHash: requestHash,
			status:      StatusPending,
			createdAt:   now,
			updatedAt:   now,
		}
		return Reservation{State: StateNew}, nil
	}

	// A failed reservation is reclaimable: the retry owns the write
	// again, even with a different body.
	if row.status == StatusFailed {
		row.requestHash = requestHash
		row.status = StatusPending
		row.response = nil
		row.updatedAt = time.Now().UTC()
		return Reservation{State: StateNew}, nil
	}

	if row.requestHash != requestHash {
		return Reservation{State: StateConflict}, nil
	}
	if row.status == StatusCompleted && row.response != nil {
		resp := *row.response
		return Reservation{State: StateReplay, Response: &resp}, nil
	}
	return Reservation{State: StatePending}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key Key, httpStatus int, headers map[string]string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok {
		return ErrNotFound
	}
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	row.status = StatusCompleted
	row.response = &CachedResponse{
		HTTPStatus: httpStatus,
		Headers:    FilterHeaders(headers),
		Body:       bodyCopy,
	}
	row.updatedAt = time.Now().UTC()
	return nil
}

// Fail implements Store. The row is kept with status failed so the
// attempt stays auditable; a retry reclaims it via Reserve.
func (s *MemoryStore) Fail(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[key]; ok {
		row.status = StatusFailed
		row.updatedAt = time.Now().UTC()
	}
	return nil
}
