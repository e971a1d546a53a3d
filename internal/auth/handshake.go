package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// TokenCookieKey names the session cookie browsers attach to the upgrade.
const TokenCookieKey = "token"

// Handshake is the metadata a connecting socket presents.
type Handshake struct {
	// AuthToken is the token carried in the handshake auth payload.
	AuthToken string
	Headers   http.Header
	Query     url.Values
	Origin    string
}

func HandshakeFromRequest(r *http.Request) Handshake {
	h := Handshake{
		Headers: r.Header,
		Query:   r.URL.Query(),
		Origin:  r.Header.Get("Origin"),
	}
	if c, err := r.Cookie(TokenCookieKey); err == nil {
		h.AuthToken = c.Value
	}
	return h
}

// Token returns the first token found in the auth payload, then the
// Authorization header, then the token query parameter.
func (h Handshake) Token() string {
	if h.AuthToken != "" {
		return h.AuthToken
	}
	if t := BearerToken(h.Headers.Get("Authorization")); t != "" {
		return t
	}
	return h.Query.Get("token")
}

// BearerToken extracts the token from an "Authorization: Bearer" value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
