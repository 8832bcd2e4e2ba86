package delegation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	balances map[string]float64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		balances: make(map[string]float64),
	}
}

func (s *MemoryStore) InsertRecord(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.DelegationID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, delegationID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[delegationID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.DelegationID]; !ok {
		return ErrNotFound
	}
	s.records[rec.DelegationID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*Record
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StaleRunning(_ context.Context, cutoff time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.Status == StatusRunning && rec.HeartbeatAt.Before(cutoff) {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) Balance(_ context.Context, requester string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(requester), nil
}

func (s *MemoryStore) Debit(_ context.Context, requester string, amountUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balanceLocked(requester)
	if bal < amountUSD {
		return ErrInsufficientBalance
	}
	s.balances[requester] = bal - amountUSD
	return nil
}

func (s *MemoryStore) Credit(_ context.Context, requester string, amountUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[requester] = s.balanceLocked(requester) + amountUSD
	return nil
}

func (s *MemoryStore) balanceLocked(requester string) float64 {
	if bal, ok := s.balances[requester]; ok {
		return bal
	}
	s.balances[requester] = DefaultBalanceUSD
	return DefaultBalanceUSD
}

func copyRecord(rec *Record) *Record {
	cp := *rec
	if rec.TaskSpec != nil {
		cp.TaskSpec = make(map[string]any, len(rec.TaskSpec))
		for k, v := range rec.TaskSpec {
			cp.TaskSpec[k] = v
		}
	}
	if rec.Output != nil {
		cp.Output = make(map[string]any, len(rec.Output))
		for k, v := range rec.Output {
			cp.Output[k] = v
		}
	}
	cp.PolicyContext.AllowedActions = append([]string(nil), rec.PolicyContext.AllowedActions...)
	cp.AuditEvents = append([]AuditEvent(nil), rec.AuditEvents...)
	return &cp
}
