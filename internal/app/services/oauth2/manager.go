// Package oauth2 manages OAuth2 authorization flows and token lifecycles for
// linked accounts. Provider-specific behavior lives in the quirks table, the
// generic path never special-cases an app.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	xoauth2 "golang.org/x/oauth2"

	"github.com/unitool-ai/unitool/internal/app/security"
	"github.com/unitool-ai/unitool/pkg/logger"
)

var (
	// ErrExchange marks a failed code-for-token exchange. The authorization
	// attempt is over, the user must restart the consent flow.
	ErrExchange = errors.New("oauth2 code exchange failed")
	// ErrRefresh marks a failed token refresh. The stored token is left
	// untouched so a transient upstream failure does not strand it.
	ErrRefresh = errors.New("oauth2 token refresh failed")
)

// Manager drives the authorization-code flow for a single app.
type Manager struct {
	appName string
	scheme  security.OAuth2Scheme
	client  *http.Client
	log     *logger.Logger
}

// NewManager builds a manager from an app's OAuth2 scheme configuration.
// The HTTP client is owned by the caller; nil falls back to a client with a
// conservative timeout.
func NewManager(appName string, scheme security.OAuth2Scheme, client *http.Client, log *logger.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("oauth2")
	}
	return &Manager{appName: appName, scheme: scheme, client: client, log: log}
}

func (m *Manager) config(redirectURI, tokenURL string) *xoauth2.Config {
	if tokenURL == "" {
		tokenURL = m.scheme.AccessTokenURL
	}
	return &xoauth2.Config{
		ClientID:     m.scheme.ClientID,
		ClientSecret: m.scheme.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       splitScope(m.scheme.Scope),
		Endpoint: xoauth2.Endpoint{
			AuthURL:  m.scheme.AuthorizeURL,
			TokenURL: tokenURL,
		},
	}
}

// AuthorizationURL builds the PKCE (S256) authorization URL. Construction is
// deterministic for a given state and verifier.
func (m *Manager) AuthorizationURL(redirectURI, state, codeVerifier string) string {
	opts := []xoauth2.AuthCodeOption{
		xoauth2.S256ChallengeOption(codeVerifier),
		xoauth2.AccessTypeOffline,
		xoauth2.SetAuthURLParam("prompt", "consent"),
	}
	q := quirksFor(m.appName)
	for key, value := range q.AuthParams {
		opts = append(opts, xoauth2.SetAuthURLParam(key, value))
	}

	u := m.config(redirectURI, "").AuthCodeURL(state, opts...)
	if q.RewriteAuthURL != nil {
		u = q.RewriteAuthURL(u)
	}
	return u
}

// Exchange trades an authorization code for credentials. A non-2xx response
// or a malformed body ends the authorization attempt.
func (m *Manager) Exchange(ctx context.Context, redirectURI, code, codeVerifier string) (security.OAuth2Credentials, error) {
	ctx = context.WithValue(ctx, xoauth2.HTTPClient, m.client)
	tok, err := m.config(redirectURI, "").Exchange(ctx, code, xoauth2.VerifierOption(codeVerifier))
	if err != nil {
		m.log.WithError(err).Warnf("code exchange failed for app %s", m.appName)
		return security.OAuth2Credentials{}, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	creds, err := ParseToken(m.appName, tok)
	if err != nil {
		return security.OAuth2Credentials{}, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	return creds, nil
}

// Refresh trades a refresh token for a fresh credential set. Callers keep
// the previous credentials on failure.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (security.OAuth2Credentials, error) {
	if refreshToken == "" {
		return security.OAuth2Credentials{}, fmt.Errorf("%w: no refresh token", ErrRefresh)
	}
	ctx = context.WithValue(ctx, xoauth2.HTTPClient, m.client)

	cfg := m.config("", m.scheme.RefreshTokenURL)
	tok, err := cfg.TokenSource(ctx, &xoauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		m.log.WithError(err).Warnf("token refresh failed for app %s", m.appName)
		return security.OAuth2Credentials{}, fmt.Errorf("%w: %v", ErrRefresh, err)
	}

	creds, err := ParseToken(m.appName, tok)
	if err != nil {
		return security.OAuth2Credentials{}, fmt.Errorf("%w: %v", ErrRefresh, err)
	}
	// Providers frequently omit the refresh token on refresh responses.
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}

// GenerateCodeVerifier returns a fresh PKCE code verifier.
func GenerateCodeVerifier() string {
	return xoauth2.GenerateVerifier()
}

func splitScope(scope string) []string {
	return strings.Fields(scope)
}
