package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies a bearer token for authenticated calls. The
// identity provider behind it is an external collaborator; this engine
// only checks that the token it is handed has not already expired.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// expirySkew is subtracted from the token expiry so a token about to
// expire mid-request is treated as already expired.
const expirySkew = 30 * time.Second

// CheckExpiry parses the token without verifying its signature and
// rejects it when the exp claim has passed. Signature verification is
// the backend's job; the local check only avoids sending requests that
// are guaranteed to fail with 401.
func CheckExpiry(token string, now time.Time) error {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("parsing token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("reading token expiry: %w", err)
	}

	if exp == nil {
		return nil
	}

	if !now.Add(expirySkew).Before(exp.Time) {
		return fmt.Errorf("token expired at %s", exp.Time.Format(time.RFC3339))
	}

	return nil
}

// checkedTokenSource wraps another source and validates expiry before
// handing the token out.
type checkedTokenSource struct {
	inner TokenSource
}

// WithExpiryCheck returns a TokenSource that rejects expired tokens
// from the wrapped source instead of sending them to the backend.
func WithExpiryCheck(inner TokenSource) TokenSource {
	return &checkedTokenSource{inner: inner}
}

func (s *checkedTokenSource) Token(ctx context.Context) (string, error) {
	token, err := s.inner.Token(ctx)
	if err != nil {
		return "", err
	}

	if token == "" {
		return "", fmt.Errorf("identity provider returned no token")
	}

	if err := CheckExpiry(token, time.Now()); err != nil {
		return "", err
	}

	return token, nil
}

// StaticTokenSource returns the same token on every call. Useful for
// tests and long-lived service tokens.
type StaticTokenSource string

func (s StaticTokenSource) Token(_ context.Context) (string, error) {
	return string(s), nil
}
