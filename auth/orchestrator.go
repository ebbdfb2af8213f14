package auth

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/upb/identity-service/internal/observability"
	"github.com/upb/identity-service/middleware"
	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/services"
	"github.com/upb/identity-service/services/audit"
	"github.com/upb/identity-service/services/identity"
	"github.com/upb/identity-service/services/ratelimit"
	"go.uber.org/zap"
)

// Login methods, used as metric labels
const (
	MethodLocal = "local"
	MethodOIDC  = "oidc"
)

// LoginState is one step of a login attempt
type LoginState string

const (
	StateStarted           LoginState = "started"
	StateVerified          LoginState = "credential_verified"
	StateIdentityResolved  LoginState = "identity_resolved"
	StateTokenIssued       LoginState = "token_issued"
	StateTransportAttached LoginState = "transport_attached"
	StateCompleted         LoginState = "completed"
	StateFailed            LoginState = "failed"
)

// LoginAttempt tracks one login through its states. It is never persisted.
type LoginAttempt struct {
	Method string
	State  LoginState
	Trail  []LoginState
	Err    error
}

func newLoginAttempt(method string) *LoginAttempt {
	return &LoginAttempt{
		Method: method,
		State:  StateStarted,
		Trail:  []LoginState{StateStarted},
	}
}

func (a *LoginAttempt) advance(state LoginState) {
	a.State = state
	a.Trail = append(a.Trail, state)
}

// fail moves the attempt to Failed and returns err. A completed attempt cannot fail.
func (a *LoginAttempt) fail(err error) error {
	if a.State == StateCompleted {
		return err
	}
	a.Err = err
	a.advance(StateFailed)
	return err
}

func (a *LoginAttempt) trail() []string {
	out := make([]string, len(a.Trail))
	for i, s := range a.Trail {
		out[i] = string(s)
	}
	return out
}

// Credentials registers and checks local accounts
type Credentials interface {
	Register(ctx context.Context, in identity.RegisterInput) (*models.Account, error)
	Authenticate(ctx context.Context, email, password string) (models.ResolvedIdentity, error)
}

// AccountLinker resolves a verified external identity to an account
type AccountLinker interface {
	LinkOrCreate(ctx context.Context, ext models.VerifiedExternalIdentity) (identity.LinkResult, error)
}

// TokenIssuer signs access tokens
type TokenIssuer interface {
	Issue(ctx context.Context, id models.ResolvedIdentity, now time.Time) (*models.IssuedToken, error)
}

// OrchestratorConfig holds the transport settings of a login
type OrchestratorConfig struct {
	FrontEndURL         string
	TrustForwardedProto bool
}

// Orchestrator bridges both credential paths into the single token model:
// verify, resolve identity, issue, attach the cookie.
type Orchestrator struct {
	credentials Credentials
	linker      AccountLinker
	issuer      TokenIssuer
	throttle    *ratelimit.LoginThrottle
	audit       *audit.AuditService
	metrics     *observability.Metrics
	cfg         OrchestratorConfig
	now         func() time.Time
	logger      *zap.Logger
}

// NewOrchestrator creates a login orchestrator. throttle, auditor and metrics may be nil.
func NewOrchestrator(
	credentials Credentials,
	linker AccountLinker,
	issuer TokenIssuer,
	throttle *ratelimit.LoginThrottle,
	auditor *audit.AuditService,
	metrics *observability.Metrics,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.FrontEndURL == "" {
		cfg.FrontEndURL = "/"
	}
	return &Orchestrator{
		credentials: credentials,
		linker:      linker,
		issuer:      issuer,
		throttle:    throttle,
		audit:       auditor,
		metrics:     metrics,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
	}
}

// Register creates a LOCAL account
func (o *Orchestrator) Register(ctx context.Context, r *http.Request, in identity.RegisterInput) (*models.Account, error) {
	account, err := o.credentials.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	o.logAudit(o.audit.LogRegistration(account, requestMeta(r)))
	return account, nil
}

// LocalLogin checks the password, issues a token and attaches it as a cookie.
// Nothing is written to w on failure.
func (o *Orchestrator) LocalLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, email, password string) (*models.IssuedToken, error) {
	attempt := newLoginAttempt(MethodLocal)
	meta := requestMeta(r)
	key := ratelimit.LoginKey(email, meta.IPAddress)

	if err := o.throttle.Check(ctx, key); err != nil {
		o.metrics.RecordLogin(MethodLocal, observability.OutcomeThrottle)
		o.logAudit(o.audit.LogLoginFailed(email, services.GetErrorCode(err), meta))
		return nil, o.finish(attempt, attempt.fail(err))
	}

	id, err := o.credentials.Authenticate(ctx, email, password)
	if err != nil {
		o.metrics.RecordLogin(MethodLocal, outcomeFor(err))
		o.logAudit(o.audit.LogLoginFailed(email, services.GetErrorCode(err), meta))
		return nil, o.finish(attempt, attempt.fail(err))
	}
	attempt.advance(StateVerified)
	attempt.advance(StateIdentityResolved)

	issued, err := o.issueAndAttach(ctx, attempt, w, r, id)
	if err != nil {
		o.metrics.RecordLogin(MethodLocal, observability.OutcomeError)
		return nil, o.finish(attempt, err)
	}

	o.throttle.Reset(ctx, key)
	o.metrics.RecordLogin(MethodLocal, observability.OutcomeSuccess)
	o.logAudit(o.audit.LogLoginSucceeded(id, meta))
	attempt.advance(StateCompleted)
	o.finish(attempt, nil)
	return issued, nil
}

// CompleteOIDCLogin resolves the verified external identity, issues a token,
// sets the cookie and redirects to the frontend. On failure nothing is written to w.
func (o *Orchestrator) CompleteOIDCLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, ext models.VerifiedExternalIdentity) error {
	attempt := newLoginAttempt(MethodOIDC)
	attempt.advance(StateVerified)
	meta := requestMeta(r)

	result, err := o.linker.LinkOrCreate(ctx, ext)
	if err != nil {
		o.metrics.RecordLogin(MethodOIDC, outcomeFor(err))
		o.logAudit(o.audit.LogOIDCFailed(ext.Email, models.OIDCProvider(ext.Provider), services.GetErrorCode(err), meta))
		return o.finish(attempt, attempt.fail(err))
	}
	attempt.advance(StateIdentityResolved)

	if _, err := o.issueAndAttach(ctx, attempt, w, r, result.Identity); err != nil {
		o.metrics.RecordLogin(MethodOIDC, observability.OutcomeError)
		return o.finish(attempt, err)
	}

	o.metrics.RecordLogin(MethodOIDC, observability.OutcomeSuccess)
	o.logAudit(o.audit.LogOIDCLogin(result.Identity, result.Provider, result.Created, result.LinkedLocal, meta))
	attempt.advance(StateCompleted)
	o.finish(attempt, nil)

	http.Redirect(w, r, o.cfg.FrontEndURL, http.StatusFound)
	return nil
}

// HandshakeFailed records an OIDC login that never produced a verified identity
func (o *Orchestrator) HandshakeFailed(r *http.Request, provider string, err error) {
	o.metrics.RecordLogin(MethodOIDC, observability.OutcomeFailure)
	o.logAudit(o.audit.LogOIDCFailed("", models.OIDCProvider(provider), services.ErrOIDCHandshake.Code, requestMeta(r)))
	o.logger.Warn("oidc handshake failed",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("provider", provider),
		zap.Error(err))
}

// Logout clears the access token cookie. Issued tokens stay valid until they expire.
func (o *Orchestrator) Logout(w http.ResponseWriter, r *http.Request) {
	ClearAccessTokenCookie(w, IsSecureRequest(r, o.cfg.TrustForwardedProto))

	meta := requestMeta(r)
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		if id, err := claims.Identity(); err == nil {
			o.logAudit(o.audit.LogLogout(&id.AccountID, id.Email, meta))
			return
		}
	}
	o.logAudit(o.audit.LogLogout(nil, "", meta))
}

func (o *Orchestrator) issueAndAttach(ctx context.Context, attempt *LoginAttempt, w http.ResponseWriter, r *http.Request, id models.ResolvedIdentity) (*models.IssuedToken, error) {
	issued, err := o.issuer.Issue(ctx, id, o.now())
	if err != nil {
		return nil, attempt.fail(err)
	}
	attempt.advance(StateTokenIssued)
	o.metrics.RecordTokenIssued(attempt.Method)

	SetAccessTokenCookie(w, issued.Value, issued.TTL, IsSecureRequest(r, o.cfg.TrustForwardedProto))
	attempt.advance(StateTransportAttached)
	return issued, nil
}

func (o *Orchestrator) finish(attempt *LoginAttempt, err error) error {
	if err == nil {
		o.logger.Debug("login completed",
			zap.String("method", attempt.Method),
			zap.Strings("trail", attempt.trail()))
		return nil
	}

	fields := []zap.Field{
		zap.String("method", attempt.Method),
		zap.Strings("trail", attempt.trail()),
		zap.String("code", services.GetErrorCode(err)),
		zap.Error(err),
	}
	if services.IsInternalError(err) || services.IsUnavailableError(err) {
		o.logger.Error("login failed", fields...)
	} else {
		o.logger.Info("login rejected", fields...)
	}
	return err
}

func (o *Orchestrator) logAudit(err error) {
	if err != nil {
		o.logger.Warn("auth event not recorded", zap.Error(err))
	}
}

func outcomeFor(err error) string {
	switch {
	case services.IsRateLimitError(err):
		return observability.OutcomeThrottle
	case services.IsInternalError(err), services.IsUnavailableError(err):
		return observability.OutcomeError
	default:
		return observability.OutcomeFailure
	}
}

func requestMeta(r *http.Request) audit.RequestMeta {
	return audit.RequestMeta{
		RequestID: middleware.GetRequestIDFromContext(r.Context()),
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// clientIP strips the port from RemoteAddr, which chi's RealIP has already
// replaced with the forwarded address when one is present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
