package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderTag(t *testing.T) {
	assert.Equal(t, ProviderTag("OIDC_GOOGLE"), OIDCProvider("google"))
	assert.Equal(t, ProviderTag("OIDC_KEYCLOAK"), OIDCProvider(" Keycloak "))

	assert.True(t, ProviderLocal.IsLocal())
	assert.False(t, ProviderLocal.IsOIDC())
	assert.True(t, OIDCProvider("google").IsOIDC())
	assert.False(t, OIDCProvider("google").IsLocal())
}

func TestParseProviderTag(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"LOCAL", false},
		{"OIDC_GOOGLE", false},
		{"OIDC_", true},
		{"GOOGLE", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			tag, err := ParseProviderTag(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ProviderTag(tt.in), tag)
		})
	}
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope(" USER ")
	require.NoError(t, err)
	assert.Equal(t, ScopeUser, s)

	s, err = ParseScope("admin")
	require.NoError(t, err)
	assert.Equal(t, ScopeAdmin, s)

	_, err = ParseScope("ROLE_USER")
	assert.Error(t, err)

	_, err = ParseScope("")
	assert.Error(t, err)

	assert.Equal(t, ScopeUser, DefaultScope)
	assert.Equal(t, "user", ScopeUser.String())
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@x.com", NormalizeEmail("  A@X.com "))
}

func TestNewLocalAccount(t *testing.T) {
	acc := NewLocalAccount(" Alice@Example.com", "Alice", "$2a$10$hash")

	assert.NotEqual(t, uuid.Nil, acc.ID)
	assert.Equal(t, "alice@example.com", acc.Email)
	assert.Equal(t, "Alice", acc.Name)
	assert.True(t, acc.HasPassword())
	assert.Equal(t, ProviderLocal, acc.Provider)
	assert.Nil(t, acc.ProviderSubject)
	assert.Equal(t, DefaultScope, acc.Scope)
	assert.False(t, acc.CreatedAt.IsZero())
}

func TestNewExternalAccount(t *testing.T) {
	acc := NewExternalAccount(VerifiedExternalIdentity{
		Provider: "google",
		Subject:  "10987",
		Email:    "Bob@Example.com",
	})

	assert.Equal(t, "bob@example.com", acc.Email)
	assert.Equal(t, "Bob@Example.com", acc.Name, "name falls back to the asserted email")
	assert.False(t, acc.HasPassword())
	assert.Equal(t, OIDCProvider("google"), acc.Provider)
	require.NotNil(t, acc.ProviderSubject)
	assert.Equal(t, "10987", *acc.ProviderSubject)
}

func TestAccount_HasPassword(t *testing.T) {
	empty := ""
	assert.False(t, (&Account{}).HasPassword())
	assert.False(t, (&Account{PasswordHash: &empty}).HasPassword())
}

func TestAccount_JSONHidesPasswordHash(t *testing.T) {
	acc := NewLocalAccount("a@x.com", "Alice", "secret-hash")

	data, err := json.Marshal(acc)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-hash")
	assert.NotContains(t, string(data), "password")
}

func TestAccount_Identity(t *testing.T) {
	acc := NewLocalAccount("a@x.com", "Alice", "hash")
	id := acc.Identity()

	assert.Equal(t, acc.ID, id.AccountID)
	assert.Equal(t, "a@x.com", id.Email)
	assert.Equal(t, ScopeUser, id.Scope)
}

func TestIssuedToken_ExpiresIn(t *testing.T) {
	tok := &IssuedToken{TTL: 15*time.Minute + 500*time.Millisecond}
	assert.Equal(t, int64(900), tok.ExpiresIn())
}

func TestNewAuthEvent(t *testing.T) {
	accountID := uuid.New()
	ev := NewAuthEvent(AuthActionLoginSucceeded, "A@X.com", ProviderLocal).
		WithAccount(accountID).
		WithRequest("req-1", "10.0.0.1", "curl/8").
		WithDetails(map[string]interface{}{"method": "password"})

	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, "a@x.com", ev.Email)
	require.NotNil(t, ev.AccountID)
	assert.Equal(t, accountID, *ev.AccountID)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.JSONEq(t, `{"method":"password"}`, string(ev.Details))
}
