// Package auth authenticates gateway callers with HMAC-signed JWTs whose
// subject is the caller's wallet address.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyAddress contextKey = "wallet_address"

var (
	// ErrSecretRequired is returned when the authenticator is built
	// without a signing secret.
	ErrSecretRequired = errors.New("auth: jwt secret is required")

	errMissingToken = errors.New("auth: missing bearer token")
	errNoSubject    = errors.New("auth: token has no subject address")
)

// Authenticator verifies bearer tokens and exposes the caller's address to
// handlers.
type Authenticator struct {
	secret []byte
}

// New builds an authenticator around a shared HMAC secret.
func New(secret string) (*Authenticator, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, ErrSecretRequired
	}
	return &Authenticator{secret: []byte(trimmed)}, nil
}

// Issue mints a token for the address. Operational tooling and tests use it;
// production callers bring tokens from the identity service.
func (a *Authenticator) Issue(address string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strings.ToLower(strings.TrimSpace(address)),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid token and stores the subject
// address in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := a.authenticate(r)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAddress, address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", errMissingToken
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", errNoSubject
	}
	return strings.ToLower(strings.TrimSpace(claims.Subject)), nil
}

// Address returns the authenticated wallet address stored by Middleware.
func Address(ctx context.Context) (string, bool) {
	address, ok := ctx.Value(contextKeyAddress).(string)
	return address, ok && address != ""
}
