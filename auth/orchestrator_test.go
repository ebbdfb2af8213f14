package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/identity-service/internal/observability"
	"github.com/upb/identity-service/middleware"
	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/repositories/memory"
	"github.com/upb/identity-service/services"
	"github.com/upb/identity-service/services/audit"
	"github.com/upb/identity-service/services/identity"
	"github.com/upb/identity-service/services/ratelimit"
	"github.com/upb/identity-service/services/token"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testIssuer      = "identity-test"
	testFrontEndURL = "http://localhost:3000/app"
	testPassword    = "s3cret-pass"
)

type testEnv struct {
	accounts     *memory.AccountRepository
	events       *memory.AuthEventRepository
	auditor      *audit.AuditService
	metrics      *observability.Metrics
	keys         token.KeyProvider
	verifier     *token.Verifier
	orchestrator *Orchestrator
}

func newTestEnv(t *testing.T, policy identity.LinkPolicy) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	env := &testEnv{
		accounts: memory.NewAccountRepository(),
		events:   memory.NewAuthEventRepository(),
		metrics:  observability.NewMetrics(),
		keys:     token.NewHMACKeyProvider([]byte("0123456789abcdef0123456789abcdef"), "test-key"),
	}
	env.verifier = token.NewVerifier(testIssuer, env.keys, nil)

	env.auditor = audit.NewAuditService(env.events, logger, audit.Config{BufferSize: 100, WorkerCount: 1})
	require.NoError(t, env.auditor.Start())
	t.Cleanup(func() { _ = env.auditor.Stop(time.Second) })

	env.orchestrator = NewOrchestrator(
		identity.NewLocalAuthenticator(env.accounts, identity.NewBcryptHasher(bcrypt.MinCost), logger),
		identity.NewLinker(env.accounts, policy, logger),
		token.NewIssuer(testIssuer, time.Hour, time.Second, env.keys, logger),
		ratelimit.NewLoginThrottle(ratelimit.NewMemoryLimiter(3, time.Minute), logger),
		env.auditor,
		env.metrics,
		OrchestratorConfig{FrontEndURL: testFrontEndURL},
		logger,
	)
	return env
}

// flushAudit stops the audit workers so every queued event is in the store
func (e *testEnv) flushAudit(t *testing.T) []*models.AuthEvent {
	t.Helper()
	require.NoError(t, e.auditor.Stop(time.Second))
	return e.events.All()
}

func (e *testEnv) register(t *testing.T, email string) *models.Account {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", nil)
	account, err := e.orchestrator.Register(context.Background(), req, identity.RegisterInput{
		Email:    email,
		Name:     "Test User",
		Password: testPassword,
	})
	require.NoError(t, err)
	return account
}

func (e *testEnv) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	e.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func accessCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == AccessTokenCookieName {
			return c
		}
	}
	return nil
}

func actions(events []*models.AuthEvent) []models.AuthAction {
	out := make([]models.AuthAction, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func TestOrchestrator_LocalLogin(t *testing.T) {
	env := newTestEnv(t, identity.LinkPolicy{})
	account := env.register(t, "Bob@Example.com")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	issued, err := env.orchestrator.LocalLogin(context.Background(), rec, req, "  BOB@example.com ", testPassword)
	require.NoError(t, err)
	assert.Equal(t, token.TokenTypeBearer, issued.TokenType)
	assert.Equal(t, int64(3600), issued.ExpiresIn())

	cookie := accessCookie(rec)
	require.NotNil(t, cookie)
	assert.Equal(t, issued.Value, cookie.Value)
	assert.Equal(t, 3600, cookie.MaxAge)
	assert.True(t, cookie.HttpOnly)

	claims, err := env.verifier.Verify(context.Background(), issued.Value)
	require.NoError(t, err)
	assert.Equal(t, token.Subject(account.ID), claims.Subject)
	assert.Equal(t, "bob@example.com", claims.Email)
	assert.Equal(t, string(models.ScopeUser), claims.Scope)

	assert.Contains(t, env.scrape(t), `identity_logins_total{method="local",outcome="success"} 1`)
	assert.Contains(t, env.scrape(t), `identity_tokens_issued_total{method="local"} 1`)

	events := env.flushAudit(t)
	assert.ElementsMatch(t, []models.AuthAction{models.AuthActionRegister, models.AuthActionLoginSucceeded}, actions(events))
}

func TestOrchestrator_LocalLogin_Rejected(t *testing.T) {
	env := newTestEnv(t, identity.LinkPolicy{})
	env.register(t, "bob@example.com")

	// a provider-only account has no password credential
	_, _, err := env.accounts.FindOrCreate(context.Background(), models.NewExternalAccount(models.VerifiedExternalIdentity{
		Provider: "google", Subject: "g-1", Email: "carol@example.com", EmailVerified: true,
	}))
	require.NoError(t, err)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "wrong password", email: "bob@example.com", password: "nope-nope"},
		{name: "unknown email", email: "nobody@example.com", password: testPassword},
		{name: "provider-only account", email: "carol@example.com", password: testPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
			issued, err := env.orchestrator.LocalLogin(context.Background(), rec, req, tt.email, tt.password)
			assert.Nil(t, issued)
			assert.ErrorIs(t, err, services.ErrInvalidCredentials)
			assert.Nil(t, accessCookie(rec))
			assert.Empty(t, rec.Header().Get("Set-Cookie"))
		})
	}

	events := env.flushAudit(t)
	failed := 0
	for _, e := range events {
		if e.Action == models.AuthActionLoginFailed {
			failed++
			assert.Nil(t, e.AccountID)
		}
	}
	assert.Equal(t, 3, failed)
}

func TestOrchestrator_LocalLogin_Throttled(t *testing.T) {
	env := newTestEnv(t, identity.LinkPolicy{})
	env.register(t, "bob@example.com")

	login := func(password string) error {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		_, err := env.orchestrator.LocalLogin(context.Background(), httptest.NewRecorder(), req, "bob@example.com", password)
		return err
	}

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, login("wrong-password"), services.ErrInvalidCredentials)
	}

	// even the right password is refused once the window is exhausted
	err := login(testPassword)
	require.ErrorIs(t, err, services.ErrTooManyAttempts)
	details := services.GetErrorDetails(err)
	assert.Contains(t, details, "retry_after_seconds")

	assert.Contains(t, env.scrape(t), `identity_logins_total{method="local",outcome="throttled"} 1`)
}

func TestOrchestrator_LocalLogin_SuccessResetsThrottle(t *testing.T) {
	env := newTestEnv(t, identity.LinkPolicy{})
	env.register(t, "bob@example.com")

	login := func(password string) error {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		_, err := env.orchestrator.LocalLogin(context.Background(), httptest.NewRecorder(), req, "bob@example.com", password)
		return err
	}

	require.Error(t, login("wrong-password"))
	require.Error(t, login("wrong-password"))
	require.NoError(t, login(testPassword))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, login("wrong-password"), services.ErrInvalidCredentials)
	}
}

type failingIssuer struct{}

func (failingIssuer) Issue(ctx context.Context, id models.ResolvedIdentity, now time.Time) (*models.IssuedToken, error) {
	return nil, services.ErrSigningUnavailable.Wrap(errors.New("key file unreadable"))
}

func TestOrchestrator_SigningFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t, identity.LinkPolicy{})
	env.register(t, "bob@example.com")
	env.orchestrator.issuer = failingIssuer{}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	_, err := env.orchestrator.LocalLogin(context.Background(), rec, req, "bob@example.com", testPassword)
	assert.ErrorIs(t, err, services.ErrSigningUnavailable)
	assert.Empty(t, rec.Header().Get("Set-Cookie"))

	rec = httptest.NewRecorder()
	err = env.orchestrator.CompleteOIDCLogin(context.Background(), rec, req, models.VerifiedExternalIdentity{
		Provider: "google", Subject: "g-1", Email: "dave@example.com", EmailVerified: true,
	})
	assert.ErrorIs(t, err, services.ErrSigningUnavailable)
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestOrchestrator_CompleteOIDCLogin(t *testing.T) {
	env := newTestEnv(t, identity.LinkPolicy{})
	ext := models.VerifiedExternalIdentity{
		Provider:      "google",
		Subject:       "google-sub-1",
		Email:         "Alice@Example.com",
		EmailVerified: true,
		Name:          "Alice",
	}

	var subjects []string
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/login/oauth2/code/google", nil)
		require.NoError(t, env.orchestrator.CompleteOIDCLogin(context.Background(), rec, req, ext))

		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, testFrontEndURL, rec.Header().Get("Location"))

		cookie := accessCookie(rec)
		require.NotNil(t, cookie)
		claims, err := env.verifier.Verify(context.Background(), cookie.Value)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", claims.Email)
		subjects = append(subjects, claims.Subject)
	}

	assert.Equal(t, subjects[0], subjects[1], "a repeat login resolves to the same account")
	assert.Equal(t, 1, env.accounts.Count())

	account, err := env.accounts.GetByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderTag("OIDC_GOOGLE"), account.Provider)
	assert.False(t, account.HasPassword())

	events := env.flushAudit(t)
	assert.Equal(t, []models.AuthAction{models.AuthActionOIDCLogin, models.AuthActionOIDCLogin}, actions(events))
}

func TestOrchestrator_CompleteOIDCLogin_LocalCollision(t *testing.T) {
	ext := models.VerifiedExternalIdentity{
		Provider: "google", Subject: "google-sub-1", Email: "bob@example.com", EmailVerified: true,
	}

	t.Run("denied when linking disabled", func(t *testing.T) {
		env := newTestEnv(t, identity.LinkPolicy{})
		env.register(t, "bob@example.com")

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/login/oauth2/code/google", nil)
		err := env.orchestrator.CompleteOIDCLogin(context.Background(), rec, req, ext)
		assert.ErrorIs(t, err, services.ErrAccountLinkDenied)
		assert.Nil(t, accessCookie(rec))
		assert.Empty(t, rec.Header().Get("Location"))

		events := env.flushAudit(t)
		assert.Contains(t, actions(events), models.AuthActionOIDCFailed)
	})

	t.Run("linked when allowed", func(t *testing.T) {
		env := newTestEnv(t, identity.LinkPolicy{AllowLocalLink: true})
		account := env.register(t, "bob@example.com")

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/login/oauth2/code/google", nil)
		require.NoError(t, env.orchestrator.CompleteOIDCLogin(context.Background(), rec, req, ext))

		cookie := accessCookie(rec)
		require.NotNil(t, cookie)
		claims, err := env.verifier.Verify(context.Background(), cookie.Value)
		require.NoError(t, err)
		assert.Equal(t, token.Subject(account.ID), claims.Subject)

		events := env.flushAudit(t)
		assert.Contains(t, actions(events), models.AuthActionAccountLinked)
	})
}

func TestOrchestrator_CompleteOIDCLogin_MissingEmail(t *testing.T) {
	env := newTestEnv(t, identity.LinkPolicy{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login/oauth2/code/google", nil)
	err := env.orchestrator.CompleteOIDCLogin(context.Background(), rec, req, models.VerifiedExternalIdentity{
		Provider: "google", Subject: "google-sub-1",
	})
	assert.ErrorIs(t, err, services.ErrOIDCEmailMissing)
	assert.Equal(t, 0, env.accounts.Count())
	assert.Nil(t, accessCookie(rec))
}

func TestOrchestrator_Logout(t *testing.T) {
	env := newTestEnv(t, identity.LinkPolicy{})
	account := env.register(t, "bob@example.com")

	loginRec := httptest.NewRecorder()
	loginReq := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	issued, err := env.orchestrator.LocalLogin(context.Background(), loginRec, loginReq, "bob@example.com", testPassword)
	require.NoError(t, err)

	claims, err := env.verifier.Verify(context.Background(), issued.Value)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req = req.WithContext(middleware.WithClaims(req.Context(), claims))
	env.orchestrator.Logout(rec, req)

	header := rec.Header().Get("Set-Cookie")
	assert.True(t, strings.HasPrefix(header, AccessTokenCookieName+"=;"))
	assert.Contains(t, header, "Max-Age=0")

	// anonymous logout still clears the cookie
	anon := httptest.NewRecorder()
	env.orchestrator.Logout(anon, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
	assert.Contains(t, anon.Header().Get("Set-Cookie"), "Max-Age=0")

	events := env.flushAudit(t)
	var logouts []*models.AuthEvent
	for _, e := range events {
		if e.Action == models.AuthActionLogout {
			logouts = append(logouts, e)
		}
	}
	require.Len(t, logouts, 2)

	withAccount := 0
	for _, e := range logouts {
		if e.AccountID != nil {
			withAccount++
			assert.Equal(t, account.ID, *e.AccountID)
		}
	}
	assert.Equal(t, 1, withAccount)
}

func TestOrchestrator_HandshakeFailed(t *testing.T) {
	env := newTestEnv(t, identity.LinkPolicy{})

	req := httptest.NewRequest(http.MethodGet, "/login/oauth2/code/google?error=access_denied", nil)
	env.orchestrator.HandshakeFailed(req, "google", errors.New("access_denied"))

	assert.Contains(t, env.scrape(t), `identity_logins_total{method="oidc",outcome="failure"} 1`)

	events := env.flushAudit(t)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuthActionOIDCFailed, events[0].Action)
	assert.Equal(t, models.ProviderTag("OIDC_GOOGLE"), events[0].Provider)
}

func TestLoginAttempt(t *testing.T) {
	a := newLoginAttempt(MethodLocal)
	a.advance(StateVerified)
	a.advance(StateIdentityResolved)
	err := a.fail(services.ErrSigningUnavailable)

	assert.ErrorIs(t, err, services.ErrSigningUnavailable)
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, []string{"started", "credential_verified", "identity_resolved", "failed"}, a.trail())

	done := newLoginAttempt(MethodOIDC)
	done.advance(StateCompleted)
	_ = done.fail(errors.New("late"))
	assert.Equal(t, StateCompleted, done.State)
	assert.Nil(t, done.Err)
}
