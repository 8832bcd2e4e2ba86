// Package identity is the control-plane core: agent identities, bearer
// credentials, scope-attenuated delegation tokens, and cascade
// revocation. All authority verified elsewhere in the system bottoms out
// in this package's store.
package identity

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// CredentialType enumerates how an agent authenticates.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialJWT    CredentialType = "jwt"
	CredentialSPIFFE CredentialType = "spiffe"
	CredentialMTLS   CredentialType = "mtls"
)

// ValidCredentialType reports whether t is a known credential type.
func ValidCredentialType(t CredentialType) bool {
	switch t {
	case CredentialAPIKey, CredentialJWT, CredentialSPIFFE, CredentialMTLS:
		return true
	}
	return false
}

// IdentityStatus is the lifecycle state of an agent identity.
type IdentityStatus string

const (
	IdentityActive    IdentityStatus = "active"
	IdentitySuspended IdentityStatus = "suspended"
	IdentityRevoked   IdentityStatus = "revoked"
)

// CredentialStatus is the lifecycle state of a credential row.
type CredentialStatus string

const (
	CredActive  CredentialStatus = "active"
	CredRotated CredentialStatus = "rotated"
	CredRevoked CredentialStatus = "revoked"
	CredExpired CredentialStatus = "expired"
)

// TTL bounds for credentials, delegation tokens, and attestations.
const (
	MinTTL     = 300 * time.Second
	MaxTTL     = 30 * 24 * time.Hour
	DefaultTTL = 24 * time.Hour
)

// MaxChainDepth bounds delegation chains. A token at depth 5 cannot
// re-delegate.
const MaxChainDepth = 5

// RotationGrace is the overlap window during which a rotated credential
// still verifies, so in-flight callers can switch to the successor.
const RotationGrace = 5 * time.Minute

// WildcardScope grants every scope.
const WildcardScope = "*"

// AgentIdentity is a registered autonomous agent. Identities are never
// deleted; revocation tombstones them.
type AgentIdentity struct {
	AgentID               string            `json:"agent_id"`
	Owner                 string            `json:"owner"`
	CredentialType        CredentialType    `json:"credential_type"`
	Status                IdentityStatus    `json:"status"`
	PublicKeyPEM          string            `json:"public_key_pem,omitempty"`
	HumanPrincipalID      string            `json:"human_principal_id,omitempty"`
	ConfigurationChecksum string            `json:"configuration_checksum,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// AgentCredential is a bearer secret bound to an identity. Only the
// HMAC hash of the secret is ever persisted.
type AgentCredential struct {
	CredentialID     string           `json:"credential_id"`
	AgentID          string           `json:"agent_id"`
	CredentialHash   string           `json:"-"`
	Scopes           []string         `json:"scopes"`
	IssuedAt         time.Time        `json:"issued_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
	RotationParentID string           `json:"rotation_parent_id,omitempty"`
	Status           CredentialStatus `json:"status"`
	RotatedAt        *time.Time       `json:"rotated_at,omitempty"`
	RevokedAt        *time.Time       `json:"revoked_at,omitempty"`
	RevocationReason string           `json:"revocation_reason,omitempty"`
}

// DelegationToken is a signed, scope-attenuated grant letting the
// subject act with a bounded subset of the issuer's authority.
type DelegationToken struct {
	TokenID         string     `json:"token_id"`
	IssuerAgentID   string     `json:"issuer_agent_id"`
	SubjectAgentID  string     `json:"subject_agent_id"`
	DelegatedScopes []string   `json:"delegated_scopes"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ParentTokenID   string     `json:"parent_token_id,omitempty"`
	ChainDepth      int        `json:"chain_depth"`
	Signature       string     `json:"-"`
	Revoked         bool       `json:"revoked"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// RevokedType enumerates what a RevocationEvent invalidated.
type RevokedType string

const (
	RevokedCredential      RevokedType = "credential"
	RevokedDelegationToken RevokedType = "delegation_token"
	RevokedAgentIdentity   RevokedType = "agent_identity"
)

// RevocationEvent is an append-only audit row for each revocation.
type RevocationEvent struct {
	EventID      string      `json:"event_id"`
	RevokedType  RevokedType `json:"revoked_type"`
	RevokedID    string      `json:"revoked_id"`
	AgentID      string      `json:"agent_id"`
	Reason       string      `json:"reason"`
	Actor        string      `json:"actor"`
	CascadeCount int         `json:"cascade_count"`
	CreatedAt    time.Time   `json:"created_at"`
}

// newID builds the prefixed short IDs used across the identity tables,
// e.g. "agt-9f86d081884c7d65".
func newID(prefix string) string {
	id := uuid.New()
	return prefix + "-" + hex.EncodeToString(id[:])[:16]
}
