// ABOUTME: JWT token verification and generation for authenticating API requests
// ABOUTME: Uses HS256 signing with a configured secret; tokens carry a subject and scopes

package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HS256 secret length in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingClaim   = errors.New("missing required claim")
	ErrSecretTooShort = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
	ErrUnknownScope   = errors.New("unknown scope")
)

// Scope grants access to a group of API routes.
type Scope string

const (
	// ScopeRead allows listing tools, context, runs and providers.
	ScopeRead Scope = "read"
	// ScopeRun allows submitting and cancelling runs and streaming deployments.
	ScopeRun Scope = "run"
	// ScopeAdmin allows registry mutations and provider switching.
	ScopeAdmin Scope = "admin"
)

// AllScopes lists every scope, in privilege order.
var AllScopes = []Scope{ScopeRead, ScopeRun, ScopeAdmin}

// ParseScopes parses a comma separated scope list. Empty input means AllScopes.
func ParseScopes(s string) ([]Scope, error) {
	if strings.TrimSpace(s) == "" {
		return slices.Clone(AllScopes), nil
	}
	var scopes []Scope
	for part := range strings.SplitSeq(s, ",") {
		scope := Scope(strings.TrimSpace(part))
		if !slices.Contains(AllScopes, scope) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
		}
		if !slices.Contains(scopes, scope) {
			scopes = append(scopes, scope)
		}
	}
	return scopes, nil
}

// Claims is the verified content of a token.
type Claims struct {
	Subject string
	Scopes  []Scope
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
// Returns ErrSecretTooShort if the secret is shorter than MinSecretLength.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	return &JWTVerifier{secret: secret}, nil
}

// tokenClaims is the JWT payload.
type tokenClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Verify validates the token and extracts the subject and scopes. Tokens
// without a scope claim grant ScopeRead only.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	var tc tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &tc, func(token *jwt.Token) (any, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	scopes := []Scope{ScopeRead}
	if tc.Scope != "" {
		if scopes, err = ParseScopes(tc.Scope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	return &Claims{Subject: tc.Subject, Scopes: scopes}, nil
}

// Generate creates a new JWT token for the subject with the given scopes and
// expiration.
func (v *JWTVerifier) Generate(subject string, scopes []Scope, expiresIn time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = string(s)
	}

	now := time.Now()
	claims := tokenClaims{
		Scope: strings.Join(names, ","),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
