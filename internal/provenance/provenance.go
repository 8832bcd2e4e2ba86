// Package provenance implements a hash-chained provenance log for
// control-plane events: revocations and delegation settlements.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every subsequent entry records the
// SHA-256 of its predecessor, making any tampering detectable via
// Verify, and carries an HMAC signature under the provenance signing
// secret so a copied chain cannot be forged elsewhere.
package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/agenthub/agenthub/internal/crypto"
)

// GenesisHash is the canonical well-known hash of the genesis entry.
// It is the trust anchor of the chain; all subsequent entry hashes
// chain from this constant rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single provenance record.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	SubjectID string    `json:"subject_id"`
	Kind      string    `json:"kind"` // identity.revocation, delegation.settled, genesis
	Actor     string    `json:"actor"`
	DataHash  string    `json:"data_hash"` // SHA-256 of the associated payload
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	Signature string    `json:"signature"`
}

// Ledger is the append-only provenance chain.
type Ledger interface {
	// Append adds a new entry chained to the previous one. payload is
	// JSON-marshalled and its SHA-256 stored as DataHash.
	Append(ctx context.Context, subjectID, kind, actor string, payload any) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the total number of entries, genesis included.
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash and signature
	// consistency. Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry, the chain tip.
	Root(ctx context.Context) (string, error)
}

// hashEntry computes a deterministic SHA-256 hash over an entry's
// fields. Never called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.SubjectID, e.Kind, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sign binds the entry hash to the provenance signing secret.
func sign(signer *crypto.Signer, e *Entry) string {
	return signer.Sign([]byte(e.Hash))
}

// verifyEntry checks one non-genesis entry against its predecessor.
func verifyEntry(signer *crypto.Signer, prev, curr *Entry) error {
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	if !signer.Verify([]byte(curr.Hash), curr.Signature) {
		return fmt.Errorf("entry %d has invalid signature", curr.Index)
	}
	return nil
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
