// Package federation is the cross-domain trust registry: trusted
// domains with bounded scope grants, and signed agent attestations
// that external gateways verify before honouring a foreign agent.
package federation

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// TrustLevel is the standing of a trusted domain.
type TrustLevel string

const (
	TrustVerified    TrustLevel = "verified"
	TrustProvisional TrustLevel = "provisional"
	TrustRevoked     TrustLevel = "revoked"
)

// ValidTrustLevel reports whether l is a known trust level.
func ValidTrustLevel(l TrustLevel) bool {
	switch l {
	case TrustVerified, TrustProvisional, TrustRevoked:
		return true
	}
	return false
}

// TrustedDomain is a registered peer domain and the scope ceiling its
// agents may be attested for.
type TrustedDomain struct {
	DomainID      string     `json:"domain_id"`
	DisplayName   string     `json:"display_name"`
	TrustLevel    TrustLevel `json:"trust_level"`
	PublicKeyPEM  string     `json:"public_key_pem,omitempty"`
	AllowedScopes []string   `json:"allowed_scopes"`
	RegisteredBy  string     `json:"registered_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AgentAttestation binds an agent to a trusted domain for a bounded
// time with a bounded scope claim.
type AgentAttestation struct {
	AttestationID string            `json:"attestation_id"`
	AgentID       string            `json:"agent_id"`
	DomainID      string            `json:"domain_id"`
	Claims        map[string]string `json:"claims,omitempty"`
	Scopes        []string          `json:"scopes"`
	IssuedAt      time.Time         `json:"issued_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Signature     string            `json:"signature"`
}

func newAttestationID() string {
	id := uuid.New()
	return "att-" + hex.EncodeToString(id[:])[:16]
}
