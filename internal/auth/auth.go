package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"trade_core/internal/domain"
)

// JWTResolver accepts HS256 tokens whose subject is the owner id.
// Tokens are issued elsewhere; this side only verifies them.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver creates a resolver. An empty issuer accepts any issuer.
func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer}, nil
}

// Resolve validates the token and returns its subject.
func (r *JWTResolver) Resolve(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	if r.issuer != "" && claims.Issuer != r.issuer {
		return "", fmt.Errorf("%w: unexpected issuer", domain.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for ownerID. Used by tooling and tests; the
// service itself never issues credentials.
func IssueToken(secret, issuer, ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// StaticResolver maps fixed tokens to owners. For development setups.
type StaticResolver struct {
	tokens map[string]string
}

// NewStaticResolver creates a resolver from token -> owner pairs.
func NewStaticResolver(tokens map[string]string) *StaticResolver {
	m := make(map[string]string, len(tokens))
	for tok, owner := range tokens {
		m[tok] = owner
	}
	return &StaticResolver{tokens: m}
}

// Resolve looks the token up in constant time per entry.
func (r *StaticResolver) Resolve(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	for tok, owner := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(credential)) == 1 {
			return owner, nil
		}
	}
	return "", domain.ErrUnauthorized
}
