// Package auth identifies API callers. A caller is the address carried in the
// subject of an HS256 bearer token; the engine decides what that address may
// do.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/arena/internal/model"
)

var (
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrExpiredToken     = errors.New("auth: token expired")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	ErrMissingToken     = errors.New("auth: missing bearer token")
)

// Claims are the token claims. Subject is the caller address.
type Claims struct {
	jwt.RegisteredClaims
}

// Service issues and validates caller tokens.
type Service struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

// NewService creates a token service signing with secret.
func NewService(secret string, defaultTTL time.Duration) *Service {
	return &Service{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// GenerateToken issues a token for address. ttl <= 0 uses the default TTL.
func (s *Service) GenerateToken(address string, ttl time.Duration) (string, error) {
	address = model.NormalizeAddress(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses tokenString and returns the caller address.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, ErrInvalidSignature):
			return "", ErrInvalidSignature
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	subject := model.NormalizeAddress(claims.Subject)
	if subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}

// bearer extracts the token from an Authorization header value.
func bearer(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}
