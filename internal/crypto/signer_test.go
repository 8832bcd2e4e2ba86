package crypto_test

import (
	"strings"
	"testing"

	"github.com/agenthub/agenthub/internal/crypto"
)

func TestSignVerify_roundTrip(t *testing.T) {
	s := crypto.NewSigner([]byte("test-secret"))

	sig := s.Sign([]byte("payload"))
	if len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
	if !s.Verify([]byte("payload"), sig) {
		t.Error("signature should verify against the same payload")
	}
	if s.Verify([]byte("payload2"), sig) {
		t.Error("signature must not verify against a different payload")
	}
}

func TestVerify_wrongSecret(t *testing.T) {
	a := crypto.NewSigner([]byte("secret-a"))
	b := crypto.NewSigner([]byte("secret-b"))

	sig := a.Sign([]byte("payload"))
	if b.Verify([]byte("payload"), sig) {
		t.Error("signature from secret-a must not verify under secret-b")
	}
}

func TestHash_deterministic(t *testing.T) {
	s := crypto.NewSigner([]byte("identity-secret"))
	if s.Hash("cred-secret") != s.Hash("cred-secret") {
		t.Error("hash must be deterministic")
	}
	if s.Hash("cred-secret") == s.Hash("other") {
		t.Error("distinct plaintexts must hash differently")
	}
}

func TestCanonical_sortedAndCompact(t *testing.T) {
	out, err := crypto.Canonical(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"a":1,"b":2}` {
		t.Errorf("canonical output: got %s", out)
	}

	// Struct field order must not matter once normalised.
	type x struct {
		Z string `json:"z"`
		A string `json:"a"`
	}
	out2, err := crypto.Canonical(x{Z: "z", A: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out2) != `{"a":"a","z":"z"}` {
		t.Errorf("canonical struct output: got %s", out2)
	}
}

func TestRandomSecret_entropyAndEncoding(t *testing.T) {
	s1, err := crypto.RandomSecret(32)
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := crypto.RandomSecret(32)
	if s1 == s2 {
		t.Error("two generated secrets must differ")
	}
	if strings.ContainsAny(s1, "+/=") {
		t.Errorf("secret must be base64url without padding, got %q", s1)
	}

	// n <= 0 uses the default length.
	d, err := crypto.RandomSecret(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(d) == 0 {
		t.Error("default-length secret must not be empty")
	}
}

func TestConstantTimeEq(t *testing.T) {
	if !crypto.ConstantTimeEq("abc", "abc") {
		t.Error("equal strings must compare equal")
	}
	if crypto.ConstantTimeEq("abc", "abd") {
		t.Error("unequal strings must not compare equal")
	}
	if crypto.ConstantTimeEq("abc", "abcd") {
		t.Error("different lengths must not compare equal")
	}
}
