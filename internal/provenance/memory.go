package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agenthub/agenthub/internal/crypto"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation for
// tests and dev mode.
type MemoryLedger struct {
	mu      sync.RWMutex
	signer  *crypto.Signer
	entries []*Entry
}

// NewMemoryLedger creates a MemoryLedger initialised with the canonical
// genesis entry at index 0.
func NewMemoryLedger(signer *crypto.Signer) *MemoryLedger {
	l := &MemoryLedger{signer: signer}
	genesis := &Entry{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Kind:      "genesis",
		Actor:     "agenthub-system",
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // well-known constant, not computed
	}
	genesis.Signature = sign(signer, genesis)
	l.entries = append(l.entries, genesis)
	return l
}

func (l *MemoryLedger) Append(_ context.Context, subjectID, kind, actor string, payload any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	prev := l.entries[len(l.entries)-1]
	entry := &Entry{
		Index:     len(l.entries),
		Timestamp: time.Now().UTC(),
		SubjectID: subjectID,
		Kind:      kind,
		Actor:     actor,
		DataHash:  sha256Sum(payloadJSON),
		PrevHash:  prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	entry.Signature = sign(l.signer, entry)
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *MemoryLedger) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return l.entries[index], nil
}

func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

func (l *MemoryLedger) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		if err := verifyEntry(l.signer, l.entries[i-1], curr); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
