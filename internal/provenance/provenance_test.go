package provenance_test

import (
	"context"
	"testing"

	"github.com/agenthub/agenthub/internal/crypto"
	"github.com/agenthub/agenthub/internal/provenance"
)

var ctx = context.Background()

func newLedger() *provenance.MemoryLedger {
	return provenance.NewMemoryLedger(crypto.NewSigner([]byte("provenance-test-secret")))
}

func TestNewMemoryLedger_genesisEntry(t *testing.T) {
	l := newLedger()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	entry, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Kind != "genesis" {
		t.Errorf("expected kind 'genesis', got %q", entry.Kind)
	}
	if entry.Hash != provenance.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", entry.Hash)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := newLedger()

	e1, err := l.Append(ctx, "agt-1111", "identity.revocation", "admin", map[string]string{"reason": "abuse"})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Append(ctx, "dlg-2222", "delegation.settled", "agenthub-system", nil)
	if err != nil {
		t.Fatal(err)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
	if e1.Signature == "" || e2.Signature == "" {
		t.Error("entries must be signed")
	}

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 { // genesis + 2
		t.Errorf("expected 3 entries, got %d", n)
	}
}

func TestVerify_valid(t *testing.T) {
	l := newLedger()
	_, _ = l.Append(ctx, "agt-1111", "identity.revocation", "admin", nil)
	_, _ = l.Append(ctx, "dlg-2222", "delegation.settled", "agenthub-system", nil)

	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestVerify_detectsTamper(t *testing.T) {
	l := newLedger()
	_, _ = l.Append(ctx, "agt-1111", "identity.revocation", "admin", nil)
	e, _ := l.Get(ctx, 1)
	e.Actor = "someone-else"

	if err := l.Verify(ctx); err == nil {
		t.Error("Verify() must detect a mutated entry")
	}
}

func TestRoot_returnsLastHash(t *testing.T) {
	l := newLedger()
	e, _ := l.Append(ctx, "agt-1111", "identity.revocation", "admin", nil)

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e.Hash {
		t.Errorf("Root(): got %q, want %q", root, e.Hash)
	}
}

func TestVerify_genesisOnlyChain(t *testing.T) {
	l := newLedger()
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() on genesis-only chain should pass: %v", err)
	}
}
