package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderTag identifies how an account was materialised: LOCAL or OIDC_<NAME>
type ProviderTag string

const (
	ProviderLocal ProviderTag = "LOCAL"

	oidcProviderPrefix = "OIDC_"
)

// OIDCProvider returns the provider tag for an external OIDC provider name
func OIDCProvider(name string) ProviderTag {
	return ProviderTag(oidcProviderPrefix + strings.ToUpper(strings.TrimSpace(name)))
}

// ParseProviderTag validates a stored provider tag
func ParseProviderTag(s string) (ProviderTag, error) {
	tag := ProviderTag(s)
	if tag.IsLocal() || (tag.IsOIDC() && len(s) > len(oidcProviderPrefix)) {
		return tag, nil
	}
	return "", fmt.Errorf("invalid provider tag: %q", s)
}

// IsLocal returns true for locally registered accounts
func (p ProviderTag) IsLocal() bool {
	return p == ProviderLocal
}

// IsOIDC returns true for accounts created through an external provider
func (p ProviderTag) IsOIDC() bool {
	return strings.HasPrefix(string(p), oidcProviderPrefix)
}

// Scope is the flat authorization label carried in the token scope claim
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeAdmin Scope = "admin"

	DefaultScope = ScopeUser
)

// ParseScope accepts only the known scopes
func ParseScope(s string) (Scope, error) {
	scope := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !scope.Valid() {
		return "", fmt.Errorf("invalid scope: %q", s)
	}
	return scope, nil
}

// Valid reports whether the scope is one of the known values
func (s Scope) Valid() bool {
	switch s {
	case ScopeUser, ScopeAdmin:
		return true
	}
	return false
}

func (s Scope) String() string {
	return string(s)
}

// Account is the canonical identity record, one per normalised email
type Account struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	Email           string      `json:"email" db:"email"`
	Name            string      `json:"name" db:"name"`
	PasswordHash    *string     `json:"-" db:"password_hash"`    // LOCAL accounts only
	Provider        ProviderTag `json:"provider" db:"provider"`
	ProviderSubject *string     `json:"provider_subject,omitempty" db:"provider_subject"` // external sub, OIDC accounts only
	Scope           Scope       `json:"scope" db:"scope"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// NormalizeEmail lower-cases and trims an email so it can be used as the unique key
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewLocalAccount creates a LOCAL account holding a password hash
func NewLocalAccount(email, name, passwordHash string) *Account {
	return &Account{
		ID:           uuid.New(),
		Email:        NormalizeEmail(email),
		Name:         name,
		PasswordHash: &passwordHash,
		Provider:     ProviderLocal,
		Scope:        DefaultScope,
		CreatedAt:    time.Now().UTC(),
	}
}

// NewExternalAccount creates a provider-only account without a password credential
func NewExternalAccount(ext VerifiedExternalIdentity) *Account {
	name := strings.TrimSpace(ext.Name)
	if name == "" {
		name = ext.Email
	}
	subject := ext.Subject
	return &Account{
		ID:              uuid.New(),
		Email:           NormalizeEmail(ext.Email),
		Name:            name,
		Provider:        OIDCProvider(ext.Provider),
		ProviderSubject: &subject,
		Scope:           DefaultScope,
		CreatedAt:       time.Now().UTC(),
	}
}

// HasPassword returns true if the account can log in with a password
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// Identity returns the resolved identity used for token issuance
func (a *Account) Identity() ResolvedIdentity {
	return ResolvedIdentity{
		AccountID: a.ID,
		Email:     a.Email,
		Scope:     a.Scope,
	}
}

// ResolvedIdentity is the sole input to token issuance. It is never persisted.
type ResolvedIdentity struct {
	AccountID uuid.UUID
	Email     string
	Scope     Scope
}

// VerifiedExternalIdentity is what a completed OIDC handshake asserts about the user
type VerifiedExternalIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// IssuedToken is a signed bearer credential plus the metadata callers need to transport it
type IssuedToken struct {
	Value     string
	TokenType string
	IssuedAt  time.Time
	ExpiresAt time.Time
	TTL       time.Duration
}

// ExpiresIn returns the lifetime in whole seconds
func (t *IssuedToken) ExpiresIn() int64 {
	return int64(t.TTL / time.Second)
}
