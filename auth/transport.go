package auth

import (
	"net/http"
	"strings"
	"time"
)

const (
	// AccessTokenCookieName carries the access token for browser clients
	AccessTokenCookieName = "access_token"

	// AccessTokenQueryParam is the optional query parameter transport
	AccessTokenQueryParam = "access_token"
)

// TokenSource extracts a raw bearer token from one place on a request
type TokenSource func(r *http.Request) (string, bool)

// BearerHeader reads "Authorization: Bearer <token>". The scheme is case-insensitive;
// any other scheme or a missing token counts as absent.
func BearerHeader() TokenSource {
	return func(r *http.Request) (string, bool) {
		header := r.Header.Get("Authorization")
		if header == "" {
			return "", false
		}
		scheme, value, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", false
		}
		value = strings.TrimSpace(value)
		if value == "" || strings.ContainsAny(value, " \t") {
			return "", false
		}
		return value, true
	}
}

// Cookie reads the named cookie verbatim
func Cookie(name string) TokenSource {
	return func(r *http.Request) (string, bool) {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			return "", false
		}
		return c.Value, true
	}
}

// QueryParam reads the named query parameter
func QueryParam(name string) TokenSource {
	return func(r *http.Request) (string, bool) {
		v := r.URL.Query().Get(name)
		return v, v != ""
	}
}

// Resolver tries each source in order; the first one that yields a token wins
type Resolver struct {
	sources []TokenSource
}

// NewResolver creates a resolver over sources, consulted left to right
func NewResolver(sources ...TokenSource) *Resolver {
	return &Resolver{sources: sources}
}

// DefaultResolver checks the Authorization header, then the access_token cookie,
// then, if allowQuery is set, the access_token query parameter.
func DefaultResolver(allowQuery bool) *Resolver {
	sources := []TokenSource{BearerHeader(), Cookie(AccessTokenCookieName)}
	if allowQuery {
		sources = append(sources, QueryParam(AccessTokenQueryParam))
	}
	return NewResolver(sources...)
}

// Resolve returns the first token found
func (res *Resolver) Resolve(r *http.Request) (string, bool) {
	for _, source := range res.sources {
		if token, ok := source(r); ok {
			return token, true
		}
	}
	return "", false
}

// SetAccessTokenCookie writes the access token cookie, living as long as the token
func SetAccessTokenCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearAccessTokenCookie expires the access token cookie with the same attributes
func ClearAccessTokenCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// IsSecureRequest reports whether the client reached us over TLS. X-Forwarded-Proto
// is honoured only when the deployment sits behind a trusted proxy.
func IsSecureRequest(r *http.Request, trustForwardedProto bool) bool {
	if r.TLS != nil {
		return true
	}
	if trustForwardedProto {
		proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
		return strings.EqualFold(strings.TrimSpace(proto), "https")
	}
	return false
}
