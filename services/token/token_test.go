package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/identity-service/config"
	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/services"
	"go.uber.org/zap"
)

const testIssuer = "http://localhost:8080"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testIdentity() models.ResolvedIdentity {
	return models.ResolvedIdentity{
		AccountID: uuid.New(),
		Email:     "alice@example.com",
		Scope:     models.ScopeUser,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIssuer_IssueAndVerify(t *testing.T) {
	keys := NewHMACKeyProvider(testSecret, "k1")
	issuer := NewIssuer(testIssuer, 15*time.Minute, time.Second, keys, zap.NewNop())
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := testIdentity()

	tok, err := issuer.Issue(context.Background(), identity, t0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, int64(900), tok.ExpiresIn())
	assert.Equal(t, t0, tok.IssuedAt)
	assert.Equal(t, t0.Add(15*time.Minute), tok.ExpiresAt)

	claims, err := NewVerifier(testIssuer, keys, fixedClock(t0.Add(time.Minute))).Verify(context.Background(), tok.Value)
	require.NoError(t, err)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "user:"+identity.AccountID.String(), claims.Subject)
	assert.Equal(t, "user", claims.Scope)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, t0.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, t0.Add(15*time.Minute).Unix(), claims.ExpiresAt.Unix())
	assert.NotEmpty(t, claims.ID)

	got, err := claims.Identity()
	require.NoError(t, err)
	assert.Equal(t, identity, got)
	assert.True(t, claims.HasScope(models.ScopeUser))
	assert.False(t, claims.HasScope(models.ScopeAdmin))
}

func TestVerifier_ExpiryBoundary(t *testing.T) {
	keys := NewHMACKeyProvider(testSecret, "")
	ttl := 10 * time.Minute
	issuer := NewIssuer(testIssuer, ttl, time.Second, keys, zap.NewNop())
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tok, err := issuer.Issue(context.Background(), testIdentity(), t0)
	require.NoError(t, err)

	_, err = NewVerifier(testIssuer, keys, fixedClock(t0.Add(ttl-time.Second))).Verify(context.Background(), tok.Value)
	assert.NoError(t, err, "token must still verify one second before expiry")

	_, err = NewVerifier(testIssuer, keys, fixedClock(t0.Add(ttl+clockSkew))).Verify(context.Background(), tok.Value)
	assert.NoError(t, err, "expiry within the clock skew is tolerated")

	_, err = NewVerifier(testIssuer, keys, fixedClock(t0.Add(ttl+clockSkew+time.Second))).Verify(context.Background(), tok.Value)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrTokenExpired)
	assert.NotErrorIs(t, err, services.ErrMalformedToken)
	assert.Equal(t, "invalid_token", services.GetErrorCode(err))
}

func TestVerifier_IssuedAtClockSkew(t *testing.T) {
	keys := NewHMACKeyProvider(testSecret, "")
	issuer := NewIssuer(testIssuer, time.Minute, time.Second, keys, zap.NewNop())
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// issued by a replica whose clock runs ahead
	ahead, err := issuer.Issue(context.Background(), testIdentity(), t0.Add(2*time.Second))
	require.NoError(t, err)
	_, err = NewVerifier(testIssuer, keys, fixedClock(t0)).Verify(context.Background(), ahead.Value)
	assert.NoError(t, err)

	future, err := issuer.Issue(context.Background(), testIdentity(), t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = NewVerifier(testIssuer, keys, fixedClock(t0)).Verify(context.Background(), future.Value)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrMalformedToken)
}

func TestIssuer_TokensInSameSecondDiffer(t *testing.T) {
	keys := NewHMACKeyProvider(testSecret, "")
	issuer := NewIssuer(testIssuer, time.Minute, time.Second, keys, zap.NewNop())
	now := time.Now()
	identity := testIdentity()

	a, err := issuer.Issue(context.Background(), identity, now)
	require.NoError(t, err)
	b, err := issuer.Issue(context.Background(), identity, now)
	require.NoError(t, err)
	assert.NotEqual(t, a.Value, b.Value)
}

func TestIssuer_RejectsIncompleteIdentity(t *testing.T) {
	issuer := NewIssuer(testIssuer, time.Minute, time.Second, NewHMACKeyProvider(testSecret, ""), zap.NewNop())

	_, err := issuer.Issue(context.Background(), models.ResolvedIdentity{Email: "a@x.com"}, time.Now())
	assert.ErrorIs(t, err, services.ErrIdentityIncomplete)

	_, err = issuer.Issue(context.Background(), models.ResolvedIdentity{AccountID: uuid.New()}, time.Now())
	assert.ErrorIs(t, err, services.ErrIdentityIncomplete)
}

func TestIssuer_EmptyScopeIsEncodedAsEmptyString(t *testing.T) {
	keys := NewHMACKeyProvider(testSecret, "")
	issuer := NewIssuer(testIssuer, time.Minute, time.Second, keys, zap.NewNop())
	identity := testIdentity()
	identity.Scope = ""

	tok, err := issuer.Issue(context.Background(), identity, time.Now())
	require.NoError(t, err)

	claims, err := NewVerifier(testIssuer, keys, nil).Verify(context.Background(), tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "", claims.Scope)
}

type failingKeys struct {
	*HMACKeyProvider
	delay time.Duration
	err   error
}

func (f *failingKeys) SigningKey(ctx context.Context) (*SigningKey, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.HMACKeyProvider.SigningKey(ctx)
}

func TestIssuer_SigningUnavailable(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		keys := &failingKeys{HMACKeyProvider: NewHMACKeyProvider(testSecret, ""), err: errors.New("kms down")}
		issuer := NewIssuer(testIssuer, time.Minute, time.Second, keys, zap.NewNop())

		tok, err := issuer.Issue(context.Background(), testIdentity(), time.Now())
		assert.Nil(t, tok)
		assert.ErrorIs(t, err, services.ErrSigningUnavailable)
	})

	t.Run("provider timeout", func(t *testing.T) {
		keys := &failingKeys{HMACKeyProvider: NewHMACKeyProvider(testSecret, ""), delay: 200 * time.Millisecond}
		issuer := NewIssuer(testIssuer, time.Minute, 20*time.Millisecond, keys, zap.NewNop())

		tok, err := issuer.Issue(context.Background(), testIdentity(), time.Now())
		assert.Nil(t, tok)
		assert.ErrorIs(t, err, services.ErrSigningUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("empty secret", func(t *testing.T) {
		issuer := NewIssuer(testIssuer, time.Minute, time.Second, NewHMACKeyProvider(nil, ""), zap.NewNop())

		_, err := issuer.Issue(context.Background(), testIdentity(), time.Now())
		assert.ErrorIs(t, err, services.ErrSigningUnavailable)
	})
}

func TestVerifier_RejectsMalformedTokens(t *testing.T) {
	keys := NewHMACKeyProvider(testSecret, "")
	issuer := NewIssuer(testIssuer, time.Minute, time.Second, keys, zap.NewNop())
	verifier := NewVerifier(testIssuer, keys, nil)
	valid, err := issuer.Issue(context.Background(), testIdentity(), time.Now())
	require.NoError(t, err)
	other, err := issuer.Issue(context.Background(), testIdentity(), time.Now())
	require.NoError(t, err)
	validParts := strings.Split(valid.Value, ".")
	otherParts := strings.Split(other.Value, ".")
	swappedPayload := validParts[0] + "." + otherParts[1] + "." + validParts[2]

	sign := func(method jwt.SigningMethod, claims jwt.Claims, key interface{}) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	base := func() *Claims {
		return &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    testIssuer,
				Subject:   Subject(uuid.New()),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
			Scope: "user",
			Email: "a@x.com",
		}
	}

	wrongIssuer := base()
	wrongIssuer.Issuer = "https://evil.example.com"
	badSubject := base()
	badSubject.Subject = "admin:" + uuid.NewString()
	badScope := base()
	badScope.Scope = "ROLE_USER"
	noExpiry := base()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not-a-jwt"},
		{"empty", ""},
		{"payload swapped under signature", swappedPayload},
		{"wrong secret", sign(jwt.SigningMethodHS256, base(), []byte("another-secret-another-secret-xx"))},
		{"alg none", sign(jwt.SigningMethodNone, base(), jwt.UnsafeAllowNoneSignatureType)},
		{"wrong issuer", sign(jwt.SigningMethodHS256, wrongIssuer, testSecret)},
		{"subject without prefix", sign(jwt.SigningMethodHS256, badSubject, testSecret)},
		{"unknown scope", sign(jwt.SigningMethodHS256, badScope, testSecret)},
		{"missing exp", sign(jwt.SigningMethodHS256, noExpiry, testSecret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(context.Background(), tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, services.ErrMalformedToken)
		})
	}
}

func TestClaims_AccountID(t *testing.T) {
	id := uuid.New()
	c := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: Subject(id)}}
	got, err := c.AccountID()
	require.NoError(t, err)
	assert.Equal(t, id, got)

	c.Subject = id.String()
	_, err = c.AccountID()
	assert.Error(t, err)

	c.Subject = "user:not-a-uuid"
	_, err = c.AccountID()
	assert.Error(t, err)
}

func writeKey(t *testing.T, path string) {
	t.Helper()
	pemBytes, err := GenerateRSAKeyPEM(2048)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
}

func TestRSAFileKeyProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jwt.pem")
	writeKey(t, path)

	keys, err := NewRSAFileKeyProvider(path, "", time.Hour, time.Hour, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "RS256", keys.Algorithm())

	issuer := NewIssuer(testIssuer, time.Minute, time.Second, keys, zap.NewNop())
	tok, err := issuer.Issue(context.Background(), testIdentity(), time.Now())
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(tok.Value, &Claims{})
	require.NoError(t, err)
	kid, _ := parsed.Header["kid"].(string)
	assert.NotEmpty(t, kid)
	assert.Equal(t, "RS256", parsed.Header["alg"])

	_, err = NewVerifier(testIssuer, keys, nil).Verify(context.Background(), tok.Value)
	require.NoError(t, err)

	set, err := keys.PublicJWKS(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, kid, set.Keys[0].Kid)
	assert.Equal(t, "sig", set.Keys[0].Use)

	pub, err := keys.VerificationKey(context.Background(), kid)
	require.NoError(t, err)
	assert.Equal(t, NewRSAJWK(kid, pub.(*rsa.PublicKey)), set.Keys[0], "published key is the verification key")
}

func TestRSAFileKeyProvider_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jwt.pem")
	writeKey(t, path)

	keys, err := NewRSAFileKeyProvider(path, "", 10*time.Millisecond, time.Hour, zap.NewNop())
	require.NoError(t, err)
	issuer := NewIssuer(testIssuer, time.Minute, time.Second, keys, zap.NewNop())
	verifier := NewVerifier(testIssuer, keys, nil)

	before, err := issuer.Issue(context.Background(), testIdentity(), time.Now())
	require.NoError(t, err)

	writeKey(t, path)
	time.Sleep(30 * time.Millisecond)

	after, err := issuer.Issue(context.Background(), testIdentity(), time.Now())
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), before.Value)
	assert.NoError(t, err, "tokens signed with the retired key stay valid")
	_, err = verifier.Verify(context.Background(), after.Value)
	assert.NoError(t, err)

	set, err := keys.PublicJWKS(context.Background())
	require.NoError(t, err)
	assert.Len(t, set.Keys, 2)
}

func TestRSAFileKeyProvider_RotationWithConfiguredKeyID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.pem")
	writeKey(t, path)

	keys, err := NewRSAFileKeyProvider(path, "prod", 10*time.Millisecond, time.Hour, zap.NewNop())
	require.NoError(t, err)
	issuer := NewIssuer(testIssuer, time.Minute, time.Second, keys, zap.NewNop())
	verifier := NewVerifier(testIssuer, keys, nil)

	before, err := issuer.Issue(context.Background(), testIdentity(), time.Now())
	require.NoError(t, err)
	oldKey, err := keys.SigningKey(context.Background())
	require.NoError(t, err)

	writeKey(t, path)
	time.Sleep(30 * time.Millisecond)

	newKey, err := keys.SigningKey(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, oldKey.ID, newKey.ID, "a new key file gets a new kid")
	assert.True(t, strings.HasPrefix(oldKey.ID, "prod-"))
	assert.True(t, strings.HasPrefix(newKey.ID, "prod-"))

	_, err = verifier.Verify(context.Background(), before.Value)
	assert.NoError(t, err, "tokens signed before the swap stay valid")
}

func TestRSAFileKeyProvider_MissingFile(t *testing.T) {
	_, err := NewRSAFileKeyProvider(filepath.Join(t.TempDir(), "missing.pem"), "", time.Minute, time.Minute, zap.NewNop())
	assert.Error(t, err)
}

func TestRSAFileKeyProvider_FileRemovedAfterStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.pem")
	writeKey(t, path)

	keys, err := NewRSAFileKeyProvider(path, "kid-1", 10*time.Millisecond, time.Minute, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	time.Sleep(30 * time.Millisecond)

	issuer := NewIssuer(testIssuer, time.Minute, time.Second, keys, zap.NewNop())
	_, err = issuer.Issue(context.Background(), testIdentity(), time.Now())
	assert.ErrorIs(t, err, services.ErrSigningUnavailable)
}

func TestHMACKeyProvider_UnknownKid(t *testing.T) {
	keys := NewHMACKeyProvider(testSecret, "k1")
	_, err := keys.VerificationKey(context.Background(), "k2")
	assert.ErrorIs(t, err, ErrUnknownKey)

	set, err := keys.PublicJWKS(context.Background())
	require.NoError(t, err)
	assert.Empty(t, set.Keys)
}

func TestNewKeyProvider(t *testing.T) {
	t.Run("hs256 without secret generates one", func(t *testing.T) {
		kp, err := NewKeyProvider(config.JWTConfig{Algorithm: config.AlgorithmHS256}, zap.NewNop())
		require.NoError(t, err)
		key, err := kp.SigningKey(context.Background())
		require.NoError(t, err)
		assert.Len(t, key.Key, 32)
	})

	t.Run("rs256 from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jwt.pem")
		writeKey(t, path)
		kp, err := NewKeyProvider(config.JWTConfig{Algorithm: config.AlgorithmRS256, PrivateKeyFile: path, AccessTokenTTL: time.Minute}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "RS256", kp.Algorithm())
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := NewKeyProvider(config.JWTConfig{Algorithm: "ES256"}, zap.NewNop())
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "unsupported"))
	})
}

func TestThumbprint_Stable(t *testing.T) {
	pemBytes, err := GenerateRSAKeyPEM(2048)
	require.NoError(t, err)
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	require.NoError(t, err)

	assert.Equal(t, Thumbprint(&priv.PublicKey), Thumbprint(&priv.PublicKey))

	other, err := GenerateRSAKeyPEM(2048)
	require.NoError(t, err)
	otherPriv, err := jwt.ParseRSAPrivateKeyFromPEM(other)
	require.NoError(t, err)
	assert.NotEqual(t, Thumbprint(&priv.PublicKey), Thumbprint(&otherPriv.PublicKey))
}
