package oauth2

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	xoauth2 "golang.org/x/oauth2"

	"github.com/unitool-ai/unitool/internal/app/security"
)

// ProviderQuirks collects the non-standard behaviors of a single OAuth2
// provider. Adding a provider means adding a table entry, never touching the
// generic flow.
type ProviderQuirks struct {
	// AuthParams are extra parameters appended to the authorization URL.
	AuthParams map[string]string
	// RewriteAuthURL post-processes the assembled authorization URL.
	RewriteAuthURL func(string) string
	// ParseToken overrides credential extraction from the token response.
	ParseToken func(tok *xoauth2.Token) (security.OAuth2Credentials, error)
}

// quirksByApp is keyed by upper-cased app name.
var quirksByApp = map[string]ProviderQuirks{
	"REDDIT": {
		// Reddit only issues a refresh token when asked for a permanent
		// grant.
		AuthParams: map[string]string{"duration": "permanent"},
	},
	"SLACK": {
		RewriteAuthURL: slackRewriteAuthURL,
		ParseToken:     slackParseToken,
	},
}

func quirksFor(appName string) ProviderQuirks {
	return quirksByApp[strings.ToUpper(appName)]
}

// slackRewriteAuthURL moves the requested scopes into Slack's user_scope
// parameter; Slack treats plain scope as bot scopes.
func slackRewriteAuthURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	scope := q.Get("scope")
	if scope == "" {
		return raw
	}
	q.Set("user_scope", scope)
	q.Set("scope", "")
	u.RawQuery = q.Encode()
	return u.String()
}

// slackParseToken extracts the user token Slack nests under authed_user.
func slackParseToken(tok *xoauth2.Token) (security.OAuth2Credentials, error) {
	authedUser, ok := tok.Extra("authed_user").(map[string]any)
	if !ok {
		return security.OAuth2Credentials{}, fmt.Errorf("slack token response missing authed_user")
	}
	accessToken, _ := authedUser["access_token"].(string)
	if accessToken == "" {
		return security.OAuth2Credentials{}, fmt.Errorf("slack token response missing authed_user.access_token")
	}

	creds := security.OAuth2Credentials{AccessToken: accessToken}
	creds.TokenType, _ = authedUser["token_type"].(string)
	creds.RefreshToken, _ = authedUser["refresh_token"].(string)
	creds.Scope, _ = authedUser["scope"].(string)
	if expiresIn, ok := authedUser["expires_in"].(float64); ok && expiresIn > 0 {
		creds.ExpiresAt = time.Now().Unix() + int64(expiresIn)
	}
	if raw, err := json.Marshal(authedUser); err == nil {
		creds.RawTokenResponse = raw
	}
	return creds, nil
}

// ParseToken converts a provider token response into stored credentials,
// applying provider quirks when registered. The default path expects
// access_token with optional refresh_token and expiry.
func ParseToken(appName string, tok *xoauth2.Token) (security.OAuth2Credentials, error) {
	if q := quirksFor(appName); q.ParseToken != nil {
		return q.ParseToken(tok)
	}
	if tok.AccessToken == "" {
		return security.OAuth2Credentials{}, fmt.Errorf("token response missing access_token")
	}

	creds := security.OAuth2Credentials{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		creds.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		creds.ExpiresAt = tok.Expiry.Unix()
	}
	if raw, err := json.Marshal(tok); err == nil {
		creds.RawTokenResponse = raw
	}
	return creds, nil
}
