package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/upb/identity-service/config"
	"go.uber.org/zap"
)

var (
	// ErrUnknownKey is returned when a token names a kid this service never issued
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrNoKeyMaterial is returned when the provider has no usable key
	ErrNoKeyMaterial = errors.New("no signing key material")
)

// SigningKey is the private half used by the issuer
type SigningKey struct {
	ID     string
	Method jwt.SigningMethod
	Key    interface{}
}

// KeyProvider supplies signing and verification keys. Implementations must be safe for concurrent use.
type KeyProvider interface {
	// Algorithm is the only JWT alg accepted on verification
	Algorithm() string

	SigningKey(ctx context.Context) (*SigningKey, error)

	// VerificationKey returns the key for kid; an empty kid means the current key
	VerificationKey(ctx context.Context, kid string) (interface{}, error)

	// PublicJWKS lists the keys a third party may use to verify tokens
	PublicJWKS(ctx context.Context) (*JWKS, error)
}

// NewKeyProvider builds the provider selected by cfg.Algorithm
func NewKeyProvider(cfg config.JWTConfig, logger *zap.Logger) (KeyProvider, error) {
	switch cfg.Algorithm {
	case config.AlgorithmRS256:
		return NewRSAFileKeyProvider(cfg.PrivateKeyFile, cfg.KeyID, cfg.KeyCacheTTL, cfg.AccessTokenTTL, logger)
	case config.AlgorithmHS256, "":
		secret := []byte(cfg.HMACSecret)
		if len(secret) == 0 {
			secret = make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return nil, fmt.Errorf("generate hmac secret: %w", err)
			}
			logger.Warn("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
		}
		return NewHMACKeyProvider(secret, cfg.KeyID), nil
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.Algorithm)
	}
}

// HMACKeyProvider signs with a shared secret
type HMACKeyProvider struct {
	secret []byte
	keyID  string
}

// NewHMACKeyProvider creates an HS256 key provider
func NewHMACKeyProvider(secret []byte, keyID string) *HMACKeyProvider {
	return &HMACKeyProvider{secret: secret, keyID: keyID}
}

func (p *HMACKeyProvider) Algorithm() string {
	return jwt.SigningMethodHS256.Alg()
}

func (p *HMACKeyProvider) SigningKey(ctx context.Context) (*SigningKey, error) {
	if len(p.secret) == 0 {
		return nil, ErrNoKeyMaterial
	}
	return &SigningKey{ID: p.keyID, Method: jwt.SigningMethodHS256, Key: p.secret}, nil
}

func (p *HMACKeyProvider) VerificationKey(ctx context.Context, kid string) (interface{}, error) {
	if kid != "" && kid != p.keyID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return p.secret, nil
}

// PublicJWKS is always empty: a shared secret is never published
func (p *HMACKeyProvider) PublicJWKS(ctx context.Context) (*JWKS, error) {
	return &JWKS{Keys: []JWK{}}, nil
}

const (
	currentKeyEntry = "current"

	// kidThumbprintLen is how much of the thumbprint follows a configured key id
	kidThumbprintLen = 16
)

type rsaKey struct {
	id      string
	private *rsa.PrivateKey
}

// RSAFileKeyProvider signs with an RSA key read from a PEM file. The parsed key is
// cached for cacheTTL, after which the file is read again, so replacing the file
// rotates the key without a restart. Keys rotated out stay valid for verification
// for retainFor. The kid is the key's RFC 7638 thumbprint; a configured key id
// becomes a prefix of it.
type RSAFileKeyProvider struct {
	path      string
	keyID     string
	cacheTTL  time.Duration
	retainFor time.Duration

	cache   *gocache.Cache
	retired *gocache.Cache
	mu      sync.Mutex
	last    *rsaKey
	logger  *zap.Logger
}

// NewRSAFileKeyProvider loads the key once so a missing or corrupt file fails startup
func NewRSAFileKeyProvider(path, keyID string, cacheTTL, retainFor time.Duration, logger *zap.Logger) (*RSAFileKeyProvider, error) {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	p := &RSAFileKeyProvider{
		path:      path,
		keyID:     keyID,
		cacheTTL:  cacheTTL,
		retainFor: retainFor,
		cache:     gocache.New(cacheTTL, time.Minute),
		retired:   gocache.New(retainFor, time.Minute),
		logger:    logger,
	}
	if _, err := p.current(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RSAFileKeyProvider) Algorithm() string {
	return jwt.SigningMethodRS256.Alg()
}

func (p *RSAFileKeyProvider) current() (*rsaKey, error) {
	if v, ok := p.cache.Get(currentKeyEntry); ok {
		return v.(*rsaKey), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.cache.Get(currentKeyEntry); ok {
		return v.(*rsaKey), nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	// the kid always follows the key material, so swapping the file retires the old kid
	id := Thumbprint(&priv.PublicKey)
	if p.keyID != "" {
		id = p.keyID + "-" + id[:kidThumbprintLen]
	}
	key := &rsaKey{id: id, private: priv}

	if p.last != nil && p.last.id != key.id {
		p.retired.Set(p.last.id, &p.last.private.PublicKey, p.retainFor)
		p.logger.Info("signing key rotated",
			zap.String("previous_kid", p.last.id),
			zap.String("kid", key.id),
		)
	}
	p.last = key
	p.cache.Set(currentKeyEntry, key, p.cacheTTL)
	return key, nil
}

func (p *RSAFileKeyProvider) SigningKey(ctx context.Context) (*SigningKey, error) {
	key, err := p.current()
	if err != nil {
		return nil, err
	}
	return &SigningKey{ID: key.id, Method: jwt.SigningMethodRS256, Key: key.private}, nil
}

func (p *RSAFileKeyProvider) VerificationKey(ctx context.Context, kid string) (interface{}, error) {
	key, err := p.current()
	if err != nil {
		return nil, err
	}
	if kid == "" || kid == key.id {
		return &key.private.PublicKey, nil
	}
	if v, ok := p.retired.Get(kid); ok {
		return v.(*rsa.PublicKey), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
}

func (p *RSAFileKeyProvider) PublicJWKS(ctx context.Context) (*JWKS, error) {
	key, err := p.current()
	if err != nil {
		return nil, err
	}
	set := &JWKS{Keys: []JWK{NewRSAJWK(key.id, &key.private.PublicKey)}}
	for kid, item := range p.retired.Items() {
		set.Keys = append(set.Keys, NewRSAJWK(kid, item.Object.(*rsa.PublicKey)))
	}
	return set, nil
}

// GenerateRSAKeyPEM creates a PKCS#1 PEM encoded RSA private key
func GenerateRSAKeyPEM(bits int) ([]byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}), nil
}
