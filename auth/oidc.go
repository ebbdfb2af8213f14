package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/upb/identity-service/config"
	"github.com/upb/identity-service/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// IdentityProvider runs the authorization code handshake with one external provider
type IdentityProvider interface {
	// Name is the lower-case provider name used in URLs and provider tags
	Name() string

	// AuthCodeURL builds the authorization redirect bound to state and the PKCE verifier
	AuthCodeURL(state, verifier string) string

	// Exchange trades the code for a verified identity
	Exchange(ctx context.Context, code, verifier string) (models.VerifiedExternalIdentity, error)
}

// OIDCClient is an IdentityProvider backed by OpenID Connect discovery
type OIDCClient struct {
	name     string
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	logger   *zap.Logger
}

// NewOIDCClient discovers the provider's endpoints and signing keys from its issuer URL.
// ctx must outlive the client: the provider's key set refreshes with it.
func NewOIDCClient(ctx context.Context, cfg config.OIDCConfig, logger *zap.Logger) (*OIDCClient, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc config missing client id, client secret or redirect url")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to init oidc provider %q: %w", cfg.ProviderName, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	return &OIDCClient{
		name: strings.ToLower(cfg.ProviderName),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		logger:   logger,
	}, nil
}

func (c *OIDCClient) Name() string {
	return c.name
}

// AuthCodeURL uses the S256 PKCE challenge derived from verifier
func (c *OIDCClient) AuthCodeURL(state, verifier string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
}

// Exchange redeems the code, then verifies the returned id_token's signature,
// issuer, audience and expiry before trusting any of its claims.
func (c *OIDCClient) Exchange(ctx context.Context, code, verifier string) (models.VerifiedExternalIdentity, error) {
	tok, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return models.VerifiedExternalIdentity{}, fmt.Errorf("%s token exchange failed: %w", c.name, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return models.VerifiedExternalIdentity{}, fmt.Errorf("%s did not return an id_token", c.name)
	}

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return models.VerifiedExternalIdentity{}, fmt.Errorf("%s id_token verification failed: %w", c.name, err)
	}

	var claims struct {
		Subject       string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return models.VerifiedExternalIdentity{}, fmt.Errorf("%s id_token claims parse failed: %w", c.name, err)
	}
	if claims.Subject == "" {
		return models.VerifiedExternalIdentity{}, fmt.Errorf("%s id_token has no subject", c.name)
	}

	c.logger.Debug("oidc identity verified",
		zap.String("provider", c.name),
		zap.Bool("email_present", claims.Email != ""),
		zap.Bool("email_verified", claims.EmailVerified))

	return models.VerifiedExternalIdentity{
		Provider:      c.name,
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}
