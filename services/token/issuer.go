// Package token issues and verifies the service's signed access tokens.
package token

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/services"
	"go.uber.org/zap"
)

// Issuer signs access tokens for resolved identities
type Issuer struct {
	issuer         string
	ttl            time.Duration
	signingTimeout time.Duration
	keys           KeyProvider
	logger         *zap.Logger
}

// NewIssuer creates a new token issuer
func NewIssuer(issuer string, ttl, signingTimeout time.Duration, keys KeyProvider, logger *zap.Logger) *Issuer {
	if signingTimeout <= 0 {
		signingTimeout = 2 * time.Second
	}
	return &Issuer{
		issuer:         issuer,
		ttl:            ttl,
		signingTimeout: signingTimeout,
		keys:           keys,
		logger:         logger,
	}
}

// TTL returns the configured access token lifetime
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token valid from now until now+TTL. It never returns an unsigned token.
func (i *Issuer) Issue(ctx context.Context, identity models.ResolvedIdentity, now time.Time) (*models.IssuedToken, error) {
	if identity.AccountID == uuid.Nil || identity.Email == "" {
		return nil, services.ErrIdentityIncomplete
	}

	key, err := i.signingKey(ctx)
	if err != nil {
		i.logger.Error("signing key unavailable", zap.Error(err))
		return nil, services.ErrSigningUnavailable.Wrap(err)
	}

	issuedAt := now.UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   Subject(identity.AccountID),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Scope: identity.Scope.String(),
		Email: identity.Email,
	}

	tok := jwt.NewWithClaims(key.Method, claims)
	if key.ID != "" {
		tok.Header["kid"] = key.ID
	}

	signed, err := tok.SignedString(key.Key)
	if err != nil {
		i.logger.Error("failed to sign token", zap.Error(err))
		return nil, services.ErrSigningUnavailable.Wrap(err)
	}

	return &models.IssuedToken{
		Value:     signed,
		TokenType: TokenTypeBearer,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		TTL:       i.ttl,
	}, nil
}

type keyResult struct {
	key *SigningKey
	err error
}

// signingKey bounds the key provider call so a slow key source cannot hang a login
func (i *Issuer) signingKey(ctx context.Context) (*SigningKey, error) {
	ctx, cancel := context.WithTimeout(ctx, i.signingTimeout)
	defer cancel()

	done := make(chan keyResult, 1)
	go func() {
		key, err := i.keys.SigningKey(ctx)
		done <- keyResult{key: key, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.key == nil || res.key.Key == nil {
			return nil, ErrNoKeyMaterial
		}
		return res.key, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
