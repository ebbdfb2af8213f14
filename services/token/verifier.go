package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/services"
)

// clockSkew tolerates drift between issuing and verifying replicas on iat and exp.
const clockSkew = 5 * time.Second

// Verifier validates tokens produced by Issuer. It holds no mutable state.
type Verifier struct {
	issuer string
	keys   KeyProvider
	now    func() time.Time
}

// NewVerifier creates a verifier. clock defaults to time.Now.
func NewVerifier(issuer string, keys KeyProvider, clock func() time.Time) *Verifier {
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{issuer: issuer, keys: keys, now: clock}
}

// Verify checks signature, algorithm, issuer, expiry and subject shape.
// Expired tokens return ErrTokenExpired, anything else ErrMalformedToken.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.keys.Algorithm()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(v.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.VerificationKey(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, services.ErrTokenExpired.Wrap(err)
		}
		return nil, services.ErrMalformedToken.Wrap(err)
	}

	if _, err := claims.AccountID(); err != nil {
		return nil, services.ErrMalformedToken.Wrap(err)
	}
	if claims.Scope != "" && !models.Scope(claims.Scope).Valid() {
		return nil, services.ErrMalformedToken.Wrap(fmt.Errorf("unknown scope %q", claims.Scope))
	}

	return claims, nil
}
