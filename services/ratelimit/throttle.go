package ratelimit

import (
	"context"
	"math"

	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/services"
	"go.uber.org/zap"
)

// LoginThrottle guards the local login endpoint. Limiter failures are logged and
// the attempt is let through so a cache outage never blocks logins.
type LoginThrottle struct {
	limiter Limiter
	logger  *zap.Logger
}

// NewLoginThrottle wraps limiter. A nil limiter disables throttling.
func NewLoginThrottle(limiter Limiter, logger *zap.Logger) *LoginThrottle {
	return &LoginThrottle{limiter: limiter, logger: logger}
}

// LoginKey scopes attempts to one email from one client address
func LoginKey(email, clientIP string) string {
	return "login:" + models.NormalizeEmail(email) + ":" + clientIP
}

// Check counts one attempt and returns ErrTooManyAttempts once the window is exhausted
func (t *LoginThrottle) Check(ctx context.Context, key string) error {
	if t == nil || t.limiter == nil {
		return nil
	}

	res, err := t.limiter.Allow(ctx, key)
	if err != nil {
		t.logger.Warn("login throttle unavailable, allowing attempt", zap.Error(err))
		return nil
	}
	if res.Allowed {
		return nil
	}

	return services.ErrTooManyAttempts.Wrap(nil).
		WithDetail("retry_after_seconds", int64(math.Ceil(res.RetryAfter.Seconds())))
}

// Reset clears the counter after a successful login
func (t *LoginThrottle) Reset(ctx context.Context, key string) {
	if t == nil || t.limiter == nil {
		return
	}
	if err := t.limiter.Reset(ctx, key); err != nil {
		t.logger.Warn("failed to reset login throttle", zap.Error(err))
	}
}
