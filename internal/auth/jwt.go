// Package auth validates the bearer tokens presented by clients and the
// sandbox worker.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the JWT claims accepted by the coordinator. Session scopes a
// client token to one session; SandboxID binds a sandbox token to one worker.
type Claims struct {
	jwt.RegisteredClaims
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Source    string `json:"source,omitempty"`
	Session   string `json:"session,omitempty"`
	SandboxID string `json:"sandboxId,omitempty"`
}

// AllowsSession reports whether the claims may be used for sessionID.
// Unscoped tokens are valid for every session.
func (c *Claims) AllowsSession(sessionID string) bool {
	return c.Session == "" || c.Session == sessionID
}

// Validator checks a raw token and returns its claims.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// JWTValidator validates JWTs against either a remote JWKS or a shared secret.
type JWTValidator struct {
	keyFunc  jwt.Keyfunc
	methods  []string
	audience string
	issuer   string
	jwks     keyfunc.Keyfunc
}

// NewJWKSValidator creates a validator that fetches and caches keys from jwksURL.
func NewJWKSValidator(ctx context.Context, jwksURL, audience, issuer string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{
		keyFunc:  k.Keyfunc,
		methods:  []string{"RS256", "ES256", "EdDSA"},
		audience: audience,
		issuer:   issuer,
		jwks:     k,
	}, nil
}

// NewHMACValidator creates a validator for HS256 tokens signed with secret.
func NewHMACValidator(secret []byte, audience, issuer string) *JWTValidator {
	return &JWTValidator{
		keyFunc: func(*jwt.Token) (any, error) {
			return secret, nil
		},
		methods:  []string{jwt.SigningMethodHS256.Alg()},
		audience: audience,
		issuer:   issuer,
	}
}

// Validate parses and verifies a token. Expiry is enforced when present.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(v.methods), jwt.WithLeeway(30 * time.Second)}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// IssueHMAC signs claims with secret using HS256. It backs the token CLI
// command and tests.
func IssueHMAC(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
