// Package auth defines the pluggable connect-time authentication hooks.
package auth

import (
	"context"
	"net/http"
	"net/url"

	"github.com/fulanowo/maim-message/pkg/errors"
)

// HeaderAPIKey is the header fallback for the api_key query parameter.
const HeaderAPIKey = "x-apikey"

// ConnectInfo is the connect-time metadata an authenticator sees: the routing
// credentials plus the raw query string and headers of the handshake request.
type ConnectInfo struct {
	APIKey     string
	Platform   string
	RemoteAddr string
	Query      url.Values
	Header     http.Header
}

// ConnectInfoFromRequest assembles ConnectInfo from a handshake request. The
// api_key query parameter is preferred; the x-apikey header is the fallback.
func ConnectInfoFromRequest(r *http.Request) ConnectInfo {
	q := r.URL.Query()
	apiKey := q.Get("api_key")
	if apiKey == "" {
		apiKey = r.Header.Get(HeaderAPIKey)
	}
	return ConnectInfo{
		APIKey:     apiKey,
		Platform:   q.Get("platform"),
		RemoteAddr: r.RemoteAddr,
		Query:      q,
		Header:     r.Header,
	}
}

// Authenticator validates connect-time credentials and maps them to a stable
// user identifier. ExtractUser may collapse many api keys onto one user, or
// return the key verbatim.
type Authenticator interface {
	// Authenticate reports whether the handshake should be accepted.
	Authenticate(ctx context.Context, info ConnectInfo) bool
	// ExtractUser returns the user id the connection is registered under.
	ExtractUser(ctx context.Context, info ConnectInfo) (string, error)
}

// APIKeyAuthenticator is the default Authenticator: any non-empty api key is
// accepted, and the key itself is the user id.
type APIKeyAuthenticator struct{}

// Authenticate accepts any metadata carrying a non-empty api key.
func (APIKeyAuthenticator) Authenticate(_ context.Context, info ConnectInfo) bool {
	return info.APIKey != ""
}

// ExtractUser returns the api key verbatim.
func (APIKeyAuthenticator) ExtractUser(_ context.Context, info ConnectInfo) (string, error) {
	if info.APIKey == "" {
		return "", errors.Wrap(errors.ErrHandshakeRejected, "missing api_key")
	}
	return info.APIKey, nil
}
