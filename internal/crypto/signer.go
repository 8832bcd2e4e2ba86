// Package crypto provides the signing primitives shared by the identity,
// policy, and federation layers: HMAC-SHA256 signatures over canonical
// JSON, credential hashing, and high-entropy secret generation.
//
// Nothing in this package panics on bad input; verification failures are
// reported as a false return value so callers stay fail-closed.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DefaultSecretBytes is the entropy of generated credential secrets.
const DefaultSecretBytes = 32

// Signer signs and verifies payloads with a fixed HMAC-SHA256 secret.
// The secret is loaded once at startup and never changes for the life
// of the process.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer bound to the given secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex-encoded HMAC-SHA256 of payload.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of payload.
// The comparison is constant-time.
func (s *Signer) Verify(payload []byte, sig string) bool {
	expected := s.Sign(payload)
	return ConstantTimeEq(expected, sig)
}

// Hash returns the hex-encoded HMAC-SHA256 of a plaintext secret.
// Credential secrets are stored only as this hash; lookup recomputes it.
func (s *Signer) Hash(plaintext string) string {
	return s.Sign([]byte(plaintext))
}

// ConstantTimeEq compares two strings in constant time.
func ConstantTimeEq(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Canonical serialises v as canonical JSON: object keys sorted, compact
// separators, UTF-8. Two structurally equal values always produce the
// same bytes, which makes signatures deterministic.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical normalise: %w", err)
	}
	// encoding/json sorts map keys and emits compact output without
	// indentation, so a marshal of the generic form is canonical.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical remarshal: %w", err)
	}
	return out, nil
}

// RandomSecret generates n random bytes and returns them base64url
// encoded without padding. n <= 0 falls back to DefaultSecretBytes.
func RandomSecret(n int) (string, error) {
	if n <= 0 {
		n = DefaultSecretBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
