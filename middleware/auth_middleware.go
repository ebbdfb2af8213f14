package middleware

import (
	"context"
	"net/http"

	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/services"
	"github.com/upb/identity-service/services/token"
	"github.com/upb/identity-service/utils"
	"go.uber.org/zap"
)

// TokenResolver finds the raw bearer token on a request
type TokenResolver interface {
	Resolve(r *http.Request) (string, bool)
}

// TokenVerifier validates a raw token and returns its claims
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	resolver TokenResolver
	verifier TokenVerifier
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(resolver TokenResolver, verifier TokenVerifier, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		resolver: resolver,
		verifier: verifier,
		logger:   logger,
	}
}

// authenticate resolves and verifies the request's token. A missing token
// returns ErrUnauthenticated; a bad one returns the verifier's error.
func (m *AuthMiddleware) authenticate(r *http.Request) (*token.Claims, error) {
	raw, ok := m.resolver.Resolve(r)
	if !ok {
		return nil, services.ErrUnauthenticated
	}
	return m.verifier.Verify(r.Context(), raw)
}

// RequireAuth is a middleware that requires a valid access token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		claims, err := m.authenticate(r)
		if err != nil {
			m.logger.Debug("request not authenticated",
				zap.String("request_id", requestID),
				zap.Error(err))
			writeUnauthenticated(w, err)
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("sub", claims.Subject))

		next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
	})
}

// OptionalAuth attaches claims when the request carries a valid token and
// otherwise passes the request through untouched.
func (m *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.authenticate(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireScope is a middleware that requires the token to carry scope.
// It must run after RequireAuth.
func (m *AuthMiddleware) RequireScope(scope models.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			claims := GetClaimsFromContext(ctx)
			if claims == nil {
				m.logger.Error("claims not found in context",
					zap.String("request_id", requestID))
				writeUnauthenticated(w, services.ErrUnauthenticated)
				return
			}

			if !claims.HasScope(scope) {
				m.logger.Warn("insufficient scope",
					zap.String("request_id", requestID),
					zap.String("sub", claims.Subject),
					zap.String("required_scope", scope.String()))
				_ = utils.WriteErrorCode(w, http.StatusForbidden,
					services.ErrInsufficientScope.Code, services.ErrInsufficientScope.Message, nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthenticated(w http.ResponseWriter, err error) {
	code := services.GetErrorCode(err)
	if code == "" || !services.IsUnauthorizedError(err) {
		code = services.ErrUnauthenticated.Code
	}
	w.Header().Set("WWW-Authenticate", `Bearer`)
	_ = utils.WriteErrorCode(w, http.StatusUnauthorized, code, "Authentication required", nil)
}
