// Package token issues and verifies viewer credentials: short-lived signed
// access tokens and long-lived rotating refresh tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidToken covers every verification failure.  Bad signature and
// expiry are deliberately indistinguishable so callers cannot leak which
// one occurred.
var ErrInvalidToken = errors.New("invalid token")

// RefreshStore tracks jti→subject mappings with a TTL.  At most one valid
// mapping exists per jti at any time.
type RefreshStore interface {
	// Create stores a new mapping.
	Create(ctx context.Context, jti string, subject string) error
	// Resolve returns the subject for jti, or ErrInvalidToken when the
	// mapping is absent or expired.
	Resolve(ctx context.Context, jti string) (string, error)
	// Rotate atomically replaces oldJti's mapping with one for newJti.
	// A missing oldJti is not an error.
	Rotate(ctx context.Context, oldJti string, newJti string, subject string) error
	// Revoke unconditionally deletes the mapping.
	Revoke(ctx context.Context, jti string) error
}

// Service gates viewer subscriptions and protected reads.  Access tokens
// are stateless HMAC-signed claims; refresh tokens live in the store.
type Service struct {
	logger     *zap.SugaredLogger
	signingKey []byte
	accessTTL  time.Duration
	refresh    RefreshStore
}

func NewService(logger *zap.SugaredLogger, signingKey []byte, accessTTL time.Duration, refresh RefreshStore) *Service {
	return &Service{
		logger:     logger,
		signingKey: signingKey,
		accessTTL:  accessTTL,
		refresh:    refresh,
	}
}

// IssueAccessToken mints a signed token for subject, valid for the
// configured short window.  Access tokens are never revoked; the window
// bounds the blast radius.
func (s *Service) IssueAccessToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken returns the subject of a valid token, or
// ErrInvalidToken.
func (s *Service) VerifyAccessToken(tokenString string) (string, error) {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// IssueRefreshToken creates a new refresh jti for subject.
func (s *Service) IssueRefreshToken(ctx context.Context, subject string) (string, error) {
	jti := uuid.NewString()
	if err := s.refresh.Create(ctx, jti, subject); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return jti, nil
}

// RotateRefreshToken invalidates oldJti and returns a replacement jti bound
// to the same subject.
func (s *Service) RotateRefreshToken(ctx context.Context, oldJti string, subject string) (string, error) {
	jti := uuid.NewString()
	if err := s.refresh.Rotate(ctx, oldJti, jti, subject); err != nil {
		return "", fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	return jti, nil
}

// RevokeRefreshToken deletes jti.  Revoking an unknown jti is a no-op.
func (s *Service) RevokeRefreshToken(ctx context.Context, jti string) error {
	return s.refresh.Revoke(ctx, jti)
}

// ResolveRefreshToken returns the subject bound to jti, or ErrInvalidToken.
func (s *Service) ResolveRefreshToken(ctx context.Context, jti string) (string, error) {
	return s.refresh.Resolve(ctx, jti)
}
