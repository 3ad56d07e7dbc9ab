package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/securechat/internal/model"
)

// TokenProvider derives the identity id from a session token issued by the
// identity provider. The token's subject is the identity id. Tokens are
// re-validated on every call, so an expired token ends the session.
type TokenProvider struct {
	mu     sync.RWMutex
	token  string
	secret []byte
}

// NewTokenProvider creates a provider validating HS256 tokens with secret.
func NewTokenProvider(token string, secret []byte) *TokenProvider {
	return &TokenProvider{token: token, secret: secret}
}

// SetToken replaces the session token. An empty token logs out.
func (p *TokenProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// CurrentIdentity validates the token and returns its subject.
func (p *TokenProvider) CurrentIdentity(_ context.Context) (string, error) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token == "" {
		return "", model.ErrAuth
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: session token expired", model.ErrAuth)
		}
		return "", fmt.Errorf("%w: %v", model.ErrAuth, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: session token has no subject", model.ErrAuth)
	}
	return claims.Subject, nil
}

// IssueToken signs a session token for id. Used by tooling and tests that
// stand in for the identity provider.
func IssueToken(id string, secret []byte, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = id
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
