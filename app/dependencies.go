package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/identity-service/auth"
	"github.com/upb/identity-service/config"
	"github.com/upb/identity-service/handlers"
	"github.com/upb/identity-service/internal/observability"
	"github.com/upb/identity-service/middleware"
	"github.com/upb/identity-service/repositories"
	"github.com/upb/identity-service/repositories/memory"
	"github.com/upb/identity-service/repositories/postgres"
	"github.com/upb/identity-service/services/audit"
	"github.com/upb/identity-service/services/identity"
	"github.com/upb/identity-service/services/ratelimit"
	"github.com/upb/identity-service/services/token"
	"go.uber.org/zap"
)

const defaultAuditStopTimeout = 5 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	DB      *postgres.DB // nil with the memory store
	Redis   *redis.Client
	Metrics *observability.Metrics // nil when metrics are disabled

	// Repository Factory, nil with the memory store
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Accounts   repositories.AccountRepository
	AuthEvents repositories.AuthEventRepository

	// Tokens
	Keys     token.KeyProvider
	Issuer   *token.Issuer
	Verifier *token.Verifier

	// Identity
	Local    *identity.LocalAuthenticator
	Linker   *identity.Linker
	Throttle *ratelimit.LoginThrottle
	Audit    *audit.AuditService

	// Auth
	Providers      []auth.IdentityProvider
	Orchestrator   *auth.Orchestrator
	AuthHandler    *auth.Handler
	AuthMiddleware *middleware.AuthMiddleware

	// Operational handlers
	HealthHandler *handlers.HealthHandler
	JWKSHandler   *handlers.JWKSHandler
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	if err := deps.initStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := deps.initRedis(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	if err := deps.initTokens(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize token signing: %w", err)
	}

	if err := deps.initAudit(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}

	deps.initIdentity(cfg)

	if err := deps.initOIDC(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize oidc: %w", err)
	}

	deps.initAuth(cfg)
	deps.initHandlers()

	logger.Info("all dependencies initialized successfully",
		zap.String("store", cfg.Store.Backend),
		zap.String("jwt_algorithm", deps.Keys.Algorithm()),
		zap.Int("oidc_providers", len(deps.Providers)),
		zap.Bool("redis", deps.Redis != nil))
	return deps, nil
}

// initStore opens the identity store and brings its schema up to date
func (d *Dependencies) initStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		d.Logger.Warn("using in-memory identity store; accounts are lost on restart")
		d.Accounts = memory.NewAccountRepository()
		d.AuthEvents = memory.NewAuthEventRepository()

	default:
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory
		d.DB = factory.GetDB()

		if err := d.DB.HealthCheck(ctx); err != nil {
			_ = factory.Close()
			return err
		}

		version, err := factory.Migrate(ctx)
		if err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to migrate schema: %w", err)
		}

		repos := factory.NewRepositories()
		d.Accounts = repos.Accounts
		d.AuthEvents = repos.AuthEvents

		d.Logger.Info("database connection established",
			zap.String("connection", cfg.Database.LogString()),
			zap.Uint("schema_version", version))
	}

	if d.Metrics != nil {
		d.Accounts = repositories.NewInstrumentedAccountRepository(d.Accounts, d.Metrics)
	}
	return nil
}

// initRedis connects the optional shared throttle backend
func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) error {
	if !cfg.Redis.Enabled() {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Redis = client
	d.Logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	return nil
}

// initTokens builds the key provider, issuer, verifier and the auth middleware
func (d *Dependencies) initTokens(cfg *config.Config) error {
	keys, err := token.NewKeyProvider(cfg.JWT, d.Logger)
	if err != nil {
		return err
	}
	d.Keys = keys
	d.Issuer = token.NewIssuer(cfg.JWT.Issuer, cfg.JWT.AccessTokenTTL, cfg.JWT.SigningTimeout, keys, d.Logger)
	d.Verifier = token.NewVerifier(cfg.JWT.Issuer, keys, nil)

	if cfg.JWT.AllowQueryToken {
		d.Logger.Warn("access tokens are accepted in the query string; they may end up in access logs")
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(auth.DefaultResolver(cfg.JWT.AllowQueryToken), d.Verifier, d.Logger)
	return nil
}

// initAudit starts the async auth event writer
func (d *Dependencies) initAudit(cfg *config.Config) error {
	if !cfg.Audit.Enabled {
		d.Logger.Info("auth event log disabled")
		return nil
	}

	var sink audit.Sink = d.AuthEvents
	if d.RepoFactory == nil {
		// in-memory events are also logged so they survive the process
		sink = audit.MultiSink{d.AuthEvents, audit.NewLogSink(d.Logger)}
	}

	d.Audit = audit.NewAuditService(sink, d.Logger, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
	})
	return d.Audit.Start()
}

// initIdentity wires credential checks, the OIDC linker and the login throttle
func (d *Dependencies) initIdentity(cfg *config.Config) {
	d.Local = identity.NewLocalAuthenticator(d.Accounts, identity.NewBcryptHasher(0), d.Logger)
	d.Linker = identity.NewLinker(d.Accounts, identity.LinkPolicy{AllowLocalLink: cfg.OIDC.AllowLocalLink}, d.Logger)

	if !cfg.RateLimit.Enabled {
		d.Logger.Warn("login throttling disabled")
		return
	}

	var limiter ratelimit.Limiter
	if d.Redis != nil {
		limiter = ratelimit.NewRedisLimiter(d.Redis, "identity:throttle", cfg.RateLimit.LoginAttempts, cfg.RateLimit.Window)
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.LoginAttempts, cfg.RateLimit.Window)
	}
	d.Throttle = ratelimit.NewLoginThrottle(limiter, d.Logger)
}

// initOIDC discovers the configured external provider
func (d *Dependencies) initOIDC(ctx context.Context, cfg *config.Config) error {
	if !cfg.OIDC.Enabled {
		d.Logger.Info("oidc not configured, external login disabled")
		return nil
	}

	client, err := auth.NewOIDCClient(ctx, cfg.OIDC, d.Logger)
	if err != nil {
		return err
	}
	d.Providers = append(d.Providers, client)
	d.Logger.Info("oidc provider registered",
		zap.String("provider", client.Name()),
		zap.String("issuer", cfg.OIDC.IssuerURL))
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	d.Orchestrator = auth.NewOrchestrator(
		d.Local,
		d.Linker,
		d.Issuer,
		d.Throttle,
		d.Audit,
		d.Metrics,
		auth.OrchestratorConfig{
			FrontEndURL:         cfg.OIDC.FrontEndURL,
			TrustForwardedProto: cfg.Server.TrustForwardedProto,
		},
		d.Logger,
	)
	d.AuthHandler = auth.NewHandler(d.Orchestrator, d.Providers, auth.HandlerConfig{
		TrustForwardedProto: cfg.Server.TrustForwardedProto,
	}, d.Logger)
	d.Logger.Info("auth handler initialized")
}

func (d *Dependencies) initHandlers() {
	d.HealthHandler = handlers.NewHealthHandler(d.Logger)
	if d.DB != nil {
		d.HealthHandler.AddCheck("store", d.DB.HealthCheck)
	}
	if d.Redis != nil {
		d.HealthHandler.AddCheck("redis", func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		})
	}
	d.HealthHandler.AddCheck("signing_key", func(ctx context.Context) error {
		_, err := d.Keys.SigningKey(ctx)
		return err
	})

	d.JWKSHandler = handlers.NewJWKSHandler(d.Keys, d.Logger)
}

// Close gracefully shuts down all dependencies. Queued auth events are
// flushed before the store is closed.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Audit != nil {
		timeout := defaultAuditStopTimeout
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) > 0 {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}

// closeQuietly releases whatever a failed NewDependencies already opened
func (d *Dependencies) closeQuietly() {
	if d.Audit != nil {
		_ = d.Audit.Stop(time.Second)
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.RepoFactory != nil {
		_ = d.RepoFactory.Close()
	}
}
