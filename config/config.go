package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Signing algorithms
const (
	AlgorithmHS256 = "HS256"
	AlgorithmRS256 = "RS256"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Store         StoreConfig
	JWT           JWTConfig
	OIDC          OIDCConfig
	Redis         RedisConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// TrustForwardedProto makes X-Forwarded-Proto: https count as a secure transport
	// when deciding the Secure cookie attribute (TLS terminated at a proxy).
	TrustForwardedProto bool
	TLS                 struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// StoreConfig selects the identity store backend
type StoreConfig struct {
	Backend      string        // postgres or memory
	QueryTimeout time.Duration // upper bound for a single store call
}

// JWTConfig holds access token issuance settings
type JWTConfig struct {
	Issuer          string
	AccessTokenTTL  time.Duration
	Algorithm       string // HS256 or RS256
	HMACSecret      string
	PrivateKeyFile  string
	KeyID           string // HS256 kid; for RS256 a prefix of the thumbprint-derived kid
	KeyCacheTTL     time.Duration // how long a loaded RSA key is reused before the file is re-read
	SigningTimeout  time.Duration
	AllowQueryToken bool // accept ?access_token= as a last-resort transport
}

// OIDCConfig holds the external identity provider settings
type OIDCConfig struct {
	Enabled      bool
	ProviderName string // path segment and provider tag suffix, e.g. "google"
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	FrontEndURL  string // post-login redirect target (loaded from FRONT_END_URL)
	// AllowLocalLink lets an OIDC login with a matching email resolve to an
	// existing LOCAL account. When false that login is rejected.
	AllowLocalLink bool
}

// RedisConfig holds the optional Redis connection used by the login throttle
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig holds login throttle settings
type RateLimitConfig struct {
	Enabled       bool
	LoginAttempts int
	Window        time.Duration
}

// AuditConfig holds the async auth event log settings
type AuditConfig struct {
	Enabled     bool
	BufferSize  int
	WorkerCount int
}

// CORSConfig holds allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:                getEnv("SERVER_HOST", "0.0.0.0"),
			Port:                getPort(),
			ReadTimeout:         getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:        getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout:     getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			TrustForwardedProto: getEnvAsBool("TRUST_FORWARDED_PROTO", false),
		},
		Database: loadDatabaseConfig(),
		Store: StoreConfig{
			Backend:      strings.ToLower(getEnv("STORE_BACKEND", StorePostgres)),
			QueryTimeout: getEnvAsDuration("STORE_QUERY_TIMEOUT", 3*time.Second),
		},
		JWT: JWTConfig{
			Issuer:          getEnv("JWT_ISSUER", "http://localhost:8080"),
			AccessTokenTTL:  time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_MINUTES", 15)) * time.Minute,
			Algorithm:       strings.ToUpper(getEnv("JWT_ALGORITHM", AlgorithmHS256)),
			HMACSecret:      getEnv("JWT_SECRET", ""),
			PrivateKeyFile:  getEnv("JWT_PRIVATE_KEY_FILE", "keys/jwt.pem"),
			KeyID:           getEnv("JWT_KEY_ID", ""),
			KeyCacheTTL:     getEnvAsDuration("JWT_KEY_CACHE_TTL", 5*time.Minute),
			SigningTimeout:  getEnvAsDuration("JWT_SIGNING_TIMEOUT", 2*time.Second),
			AllowQueryToken: getEnvAsBool("JWT_ALLOW_QUERY_TOKEN", false),
		},
		OIDC: OIDCConfig{
			Enabled:        getEnvAsBool("OIDC_ENABLED", false),
			ProviderName:   strings.ToLower(getEnv("OIDC_PROVIDER", "google")),
			IssuerURL:      getEnv("OIDC_ISSUER_URL", "https://accounts.google.com"),
			ClientID:       getEnv("OIDC_CLIENT_ID", ""),
			ClientSecret:   getEnv("OIDC_CLIENT_SECRET", ""),
			RedirectURL:    getEnv("OIDC_REDIRECT_URL", "http://localhost:8080/login/oauth2/code/google"),
			Scopes:         getEnvAsSlice("OIDC_SCOPES", []string{"openid", "email", "profile"}),
			FrontEndURL:    getEnv("FRONT_END_URL", "http://localhost:5173"),
			AllowLocalLink: getEnvAsBool("OIDC_ALLOW_LOCAL_LINK", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvAsBool("LOGIN_RATE_LIMIT_ENABLED", true),
			LoginAttempts: getEnvAsInt("LOGIN_RATE_LIMIT_ATTEMPTS", 10),
			Window:        getEnvAsDuration("LOGIN_RATE_LIMIT_WINDOW", time.Minute),
		},
		Audit: AuditConfig{
			Enabled:     getEnvAsBool("AUDIT_ENABLED", true),
			BufferSize:  getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			WorkerCount: getEnvAsInt("AUDIT_WORKERS", 2),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}
	cfg.Server.TLS.Enabled = getEnvAsBool("TLS_ENABLED", false)
	cfg.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", "certs/cert.pem")
	cfg.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", "certs/key.pem")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StorePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory store is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.JWT.Issuer == "" {
		return fmt.Errorf("jwt issuer is required")
	}
	if c.JWT.AccessTokenTTL <= 0 {
		return fmt.Errorf("jwt access token ttl must be positive")
	}
	switch c.JWT.Algorithm {
	case AlgorithmHS256:
		// Development falls back to a generated secret (see token.NewKeyProvider)
		if c.IsProduction() && len(c.JWT.HMACSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production")
		}
	case AlgorithmRS256:
		if c.JWT.PrivateKeyFile == "" {
			return fmt.Errorf("JWT_PRIVATE_KEY_FILE is required for RS256")
		}
	default:
		return fmt.Errorf("unsupported jwt algorithm %q", c.JWT.Algorithm)
	}

	if c.OIDC.Enabled {
		if c.OIDC.ProviderName == "" {
			return fmt.Errorf("oidc provider name is required")
		}
		if c.OIDC.ClientID == "" || c.OIDC.ClientSecret == "" {
			return fmt.Errorf("oidc client id and secret are required when OIDC is enabled")
		}
		if c.OIDC.RedirectURL == "" {
			return fmt.Errorf("oidc redirect url is required when OIDC is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.LoginAttempts <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("login rate limit attempts and window must be positive")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Enabled reports whether a Redis address was configured
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "identity"),
		Password:        getEnv("DB_PASSWORD", "identity"),
		Database:        getEnv("DB_NAME", "identity"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma separated value, dropping empty entries
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
