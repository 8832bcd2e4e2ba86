package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agenthub/agenthub/internal/apierror"
)

// BearerClaims are the JWT claims carried by human-principal bearer
// tokens. Agents use credentials and delegation tokens instead; bearer
// JWTs exist for consoles and operator tooling.
type BearerClaims struct {
	jwt.RegisteredClaims
	Owner  string   `json:"owner"`
	Scopes []string `json:"scopes"`
}

// BearerIssuer signs and parses HS256 bearer tokens for human
// principals.
type BearerIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewBearerIssuer creates a BearerIssuer. ttl is clamped like any
// other credential lifetime.
func NewBearerIssuer(secret []byte, issuer string, ttl time.Duration) *BearerIssuer {
	return &BearerIssuer{secret: secret, issuer: issuer, ttl: ClampTTL(ttl), now: time.Now}
}

// Issue mints a bearer token for the given principal.
func (b *BearerIssuer) Issue(principalID, owner string, scopes []string) (string, error) {
	now := b.now().UTC()
	claims := BearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    b.issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.ttl)),
		},
		Owner:  owner,
		Scopes: NormalizeScopes(scopes),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("sign bearer token: %w", err)
	}
	return signed, nil
}

// Parse verifies a bearer token and returns its claims. Expired,
// malformed, or foreign-issuer tokens fail closed.
func (b *BearerIssuer) Parse(tokenString string) (*BearerClaims, error) {
	claims := &BearerClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return b.secret, nil
	}, jwt.WithIssuer(b.issuer), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return nil, apierror.Auth(apierror.CodeInvalidCredential, "invalid bearer token")
	}
	return claims, nil
}
