// Package auth supplies the bearer credential attached to every request.
// The engine never authenticates on its own; callers inject a Supplier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when no credential is configured.
var ErrNoToken = errors.New("no API token configured")

// ErrTokenExpired is returned when a JWT credential is past its exp claim.
var ErrTokenExpired = errors.New("API token expired")

// Supplier resolves the bearer token for a request.
type Supplier interface {
	Token(ctx context.Context) (string, error)
}

// SupplierFunc adapts a function to Supplier.
type SupplierFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f SupplierFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static always returns the same token.
type Static string

// Token returns the token, or ErrNoToken when it is empty.
func (s Static) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// JWT wraps another supplier and rejects tokens whose exp claim has passed,
// with Leeway of tolerance. The signature is not verified here; the server does that.
type JWT struct {
	Source Supplier
	Leeway time.Duration
	now    func() time.Time
}

// NewJWT creates a JWT-checking supplier.
func NewJWT(source Supplier, leeway time.Duration) *JWT {
	return &JWT{Source: source, Leeway: leeway, now: time.Now}
}

// Token returns the underlying token when it is not expired. Tokens that are
// not JWTs are passed through unchanged.
func (j *JWT) Token(ctx context.Context) (string, error) {
	tok, err := j.Source.Token(ctx)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return tok, nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return tok, nil
	}

	now := time.Now
	if j.now != nil {
		now = j.now
	}
	if now().After(exp.Add(j.Leeway)) {
		return "", fmt.Errorf("%w at %s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return tok, nil
}
