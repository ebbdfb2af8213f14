package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/identity-service/app"
	"github.com/upb/identity-service/middleware"
	"github.com/upb/identity-service/utils"
)

const requestTimeout = 30 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout))
	r.Use(deps.Metrics.Middleware)

	// CORS middleware; credentials are allowed so browsers send the access token cookie
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Location", chimw.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/.well-known/jwks.json", deps.JWKSHandler.HandleJWKS)

	auth := deps.AuthHandler
	authMW := deps.AuthMiddleware

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", auth.HandleRegister)
		r.Post("/login", auth.HandleLogin)

		// logout works without a token; one is only read to attribute the event
		r.With(authMW.OptionalAuth).Post("/logout", auth.HandleLogout)
		r.With(authMW.RequireAuth).Get("/me", auth.HandleMe)
	})

	// OIDC authorization code flow
	r.Get("/oauth2/authorization/{provider}", auth.HandleOAuthStart)
	r.Get("/login/oauth2/code/{provider}", auth.HandleOAuthCallback)

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	return r
}
