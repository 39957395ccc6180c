// Package token implements the Token Issuer (C3): minting bearer
// credentials the in-sandbox agent runtime presents on every API callback.
package token

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const defaultExpiry = 24 * time.Hour

// Issuer mints HS256-signed bearer tokens. A new token is issued on every
// container (re)creation; tokens are not refreshed in place.
type Issuer struct {
	issuer string
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// New constructs an Issuer identifying itself as iss in minted tokens,
// signing with secret.
func New(issuerName string, secret []byte) *Issuer {
	return &Issuer{issuer: issuerName, secret: secret, expiry: defaultExpiry, now: time.Now}
}

// Claims mirrors the identity carried in a minted token.
type Claims struct {
	Principal     string
	PrincipalType string
	SandboxID     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// Issue mints a bearer token scoped to a single sandbox container's
// lifetime, carrying the principal identity and an iss claim naming the
// control plane.
func (i *Issuer) Issue(principal, principalType, sandboxID string) (string, error) {
	now := i.now()
	builder := jwt.NewBuilder().
		Issuer(i.issuer).
		Subject(principal).
		IssuedAt(now).
		Expiration(now.Add(i.expiry)).
		Claim("principal_type", principalType).
		Claim("sandbox_id", sandboxID)

	tok, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("building token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, i.secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return string(signed), nil
}

// Verify parses and validates a token minted by Issue, returning its
// claims. No code in the control plane calls it; only this package's
// tests do.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, i.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(i.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var principalType, sandboxID string
	if v, ok := tok.Get("principal_type"); ok {
		principalType, _ = v.(string)
	}
	if v, ok := tok.Get("sandbox_id"); ok {
		sandboxID, _ = v.(string)
	}

	return &Claims{
		Principal:     tok.Subject(),
		PrincipalType: principalType,
		SandboxID:     sandboxID,
		IssuedAt:      tok.IssuedAt(),
		ExpiresAt:     tok.Expiration(),
	}, nil
}
