package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/identity-service/handlers"
	"github.com/upb/identity-service/middleware"
	"github.com/upb/identity-service/services"
	"github.com/upb/identity-service/services/identity"
	"github.com/upb/identity-service/utils"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// StateCookieName is the cookie name for OAuth state (CSRF)
	StateCookieName = "oauth_state"
	// PKCECookieName holds the PKCE verifier between redirect and callback
	PKCECookieName = "oauth_pkce"

	handshakeCookieMaxAge = 600
	exchangeTimeout       = 10 * time.Second

	// MePath is where a freshly registered client finds its identity
	MePath = "/api/auth/me"
)

// RegisterRequest is the local registration body
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required,min=6,max=100"`
}

// LoginRequest is the local login body
type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is returned by a successful local login
type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// MeResponse describes the caller's verified token
type MeResponse struct {
	Sub        string `json:"sub"`
	Email      string `json:"email"`
	Scope      string `json:"scope"`
	IssuedAt   string `json:"iat"`
	ExpiresAt  string `json:"exp"`
	Issuer     string `json:"issuer"`
	ServerTime string `json:"serverTime"`
}

// HandlerConfig holds the HTTP transport settings of the auth endpoints
type HandlerConfig struct {
	TrustForwardedProto bool
}

// Handler serves local login, registration, logout, /me and the OIDC redirect flow
type Handler struct {
	orchestrator *Orchestrator
	providers    map[string]IdentityProvider
	cfg          HandlerConfig
	now          func() time.Time
	logger       *zap.Logger
}

// NewHandler creates a new auth handler. providers may be empty when OIDC is disabled.
func NewHandler(orchestrator *Orchestrator, providers []IdentityProvider, cfg HandlerConfig, logger *zap.Logger) *Handler {
	byName := make(map[string]IdentityProvider, len(providers))
	for _, p := range providers {
		byName[strings.ToLower(p.Name())] = p
	}
	return &Handler{
		orchestrator: orchestrator,
		providers:    byName,
		cfg:          cfg,
		now:          time.Now,
		logger:       logger,
	}
}

// HandleRegister handles POST /api/auth/register
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		handlers.HandleValidationError(w, err, h.logger)
		return
	}

	account, err := h.orchestrator.Register(r.Context(), r, identity.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		handlers.HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("account registered",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("sub", account.ID.String()))

	w.Header().Set("Location", MePath)
	w.WriteHeader(http.StatusCreated)
}

// HandleLogin handles POST /api/auth/login
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		handlers.HandleValidationError(w, err, h.logger)
		return
	}

	issued, err := h.orchestrator.LocalLogin(r.Context(), w, r, req.Email, req.Password)
	if err != nil {
		handlers.HandleServiceError(w, err, h.logger)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if err := utils.WriteJSON(w, http.StatusOK, LoginResponse{
		AccessToken: issued.Value,
		TokenType:   issued.TokenType,
		ExpiresIn:   issued.ExpiresIn(),
	}); err != nil {
		h.logger.Error("failed to write login response", zap.Error(err))
	}
}

// HandleLogout handles POST /api/auth/logout
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.Logout(w, r)
	utils.WriteNoContent(w)
}

// HandleMe handles GET /api/auth/me. It must run behind RequireAuth.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		handlers.HandleServiceError(w, services.ErrUnauthenticated, h.logger)
		return
	}

	resp := MeResponse{
		Sub:        claims.Subject,
		Email:      claims.Email,
		Scope:      claims.Scope,
		Issuer:     claims.Issuer,
		ServerTime: h.now().UTC().Format(time.RFC3339),
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = claims.IssuedAt.UTC().Format(time.RFC3339)
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}

	if err := utils.WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("failed to write me response", zap.Error(err))
	}
}

// HandleOAuthStart handles GET /oauth2/authorization/{provider}. It stores state
// and the PKCE verifier in short-lived cookies and redirects to the provider.
func (h *Handler) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(r)
	if !ok {
		_ = utils.WriteNotFound(w, "Unknown identity provider")
		return
	}

	state, err := generateSecureState()
	if err != nil {
		h.logger.Error("failed to generate state", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to initiate login")
		return
	}
	verifier := oauth2.GenerateVerifier()

	secure := IsSecureRequest(r, h.cfg.TrustForwardedProto)
	setHandshakeCookie(w, StateCookieName, state, handshakeCookieMaxAge, secure)
	setHandshakeCookie(w, PKCECookieName, verifier, handshakeCookieMaxAge, secure)

	http.Redirect(w, r, provider.AuthCodeURL(state, verifier), http.StatusFound)
}

// HandleOAuthCallback handles GET /login/oauth2/code/{provider}
func (h *Handler) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(r)
	if !ok {
		_ = utils.WriteNotFound(w, "Unknown identity provider")
		return
	}

	query := r.URL.Query()
	stateCookie, stateErr := r.Cookie(StateCookieName)
	pkceCookie, pkceErr := r.Cookie(PKCECookieName)

	// the handshake cookies are single use
	secure := IsSecureRequest(r, h.cfg.TrustForwardedProto)
	setHandshakeCookie(w, StateCookieName, "", -1, secure)
	setHandshakeCookie(w, PKCECookieName, "", -1, secure)

	if providerErr := query.Get("error"); providerErr != "" {
		err := errors.New(providerErr + ": " + query.Get("error_description"))
		h.orchestrator.HandshakeFailed(r, provider.Name(), err)
		handlers.HandleServiceError(w, services.ErrOIDCHandshake.Wrap(err), h.logger)
		return
	}

	state := query.Get("state")
	if state == "" || stateErr != nil || stateCookie.Value != state || pkceErr != nil || pkceCookie.Value == "" {
		_ = utils.WriteErrorCode(w, http.StatusBadRequest, "invalid_state", "Invalid or expired state", nil)
		return
	}

	code := query.Get("code")
	if code == "" {
		_ = utils.WriteErrorCode(w, http.StatusBadRequest, "missing_code", "Missing authorization code", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	ext, err := provider.Exchange(ctx, code, pkceCookie.Value)
	if err != nil {
		h.orchestrator.HandshakeFailed(r, provider.Name(), err)
		handlers.HandleServiceError(w, services.ErrOIDCHandshake.Wrap(err), h.logger)
		return
	}
	ext.Provider = provider.Name()

	if err := h.orchestrator.CompleteOIDCLogin(r.Context(), w, r, ext); err != nil {
		handlers.HandleServiceError(w, err, h.logger)
	}
}

func (h *Handler) provider(r *http.Request) (IdentityProvider, bool) {
	p, ok := h.providers[strings.ToLower(chi.URLParam(r, "provider"))]
	return p, ok
}

func setHandshakeCookie(w http.ResponseWriter, name, value string, maxAge int, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func generateSecureState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
