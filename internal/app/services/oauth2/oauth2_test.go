package oauth2

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	xoauth2 "golang.org/x/oauth2"

	"github.com/unitool-ai/unitool/internal/app/security"
	"github.com/unitool-ai/unitool/pkg/logger"
)

func testScheme(tokenURL string) security.OAuth2Scheme {
	return security.OAuth2Scheme{
		ClientID:       "cid",
		ClientSecret:   "csecret",
		Scope:          "read write",
		AuthorizeURL:   "https://provider.example/authorize",
		AccessTokenURL: tokenURL,
	}
}

func TestAuthorizationURLCarriesPKCE(t *testing.T) {
	m := NewManager("GITHUB", testScheme("https://provider.example/token"), nil, logger.NewNop())

	raw := m.AuthorizationURL("https://unitool.example/callback", "state-1", "verifier-1")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	require.Equal(t, "cid", q.Get("client_id"))
	require.Equal(t, "state-1", q.Get("state"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, "consent", q.Get("prompt"))
	require.Equal(t, "read write", q.Get("scope"))

	// Same state and verifier build the same URL.
	require.Equal(t, raw, m.AuthorizationURL("https://unitool.example/callback", "state-1", "verifier-1"))
}

func TestAuthorizationURLRedditQuirk(t *testing.T) {
	m := NewManager("reddit", testScheme("https://provider.example/token"), nil, logger.NewNop())

	u, err := url.Parse(m.AuthorizationURL("https://unitool.example/callback", "s", "v"))
	require.NoError(t, err)
	require.Equal(t, "permanent", u.Query().Get("duration"))
}

func TestAuthorizationURLSlackQuirk(t *testing.T) {
	m := NewManager("SLACK", testScheme("https://provider.example/token"), nil, logger.NewNop())

	u, err := url.Parse(m.AuthorizationURL("https://unitool.example/callback", "s", "v"))
	require.NoError(t, err)

	q := u.Query()
	require.Equal(t, "read write", q.Get("user_scope"))
	require.Empty(t, q.Get("scope"))
}

func TestParseTokenDefault(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	tok := (&xoauth2.Token{
		AccessToken:  "at",
		TokenType:    "Bearer",
		RefreshToken: "rt",
		Expiry:       expiry,
	}).WithExtra(map[string]any{"scope": "read"})

	creds, err := ParseToken("GITHUB", tok)
	require.NoError(t, err)
	require.Equal(t, "at", creds.AccessToken)
	require.Equal(t, "rt", creds.RefreshToken)
	require.Equal(t, "read", creds.Scope)
	require.Equal(t, expiry.Unix(), creds.ExpiresAt)
}

func TestParseTokenMissingAccessToken(t *testing.T) {
	_, err := ParseToken("GITHUB", &xoauth2.Token{})
	require.Error(t, err)
}

func TestParseTokenSlackAuthedUser(t *testing.T) {
	tok := (&xoauth2.Token{AccessToken: "bot-token"}).WithExtra(map[string]any{
		"authed_user": map[string]any{
			"access_token":  "user-token",
			"token_type":    "user",
			"refresh_token": "user-refresh",
			"scope":         "chat:write",
			"expires_in":    float64(3600),
		},
	})

	creds, err := ParseToken("SLACK", tok)
	require.NoError(t, err)
	require.Equal(t, "user-token", creds.AccessToken)
	require.Equal(t, "user-refresh", creds.RefreshToken)
	require.Equal(t, "chat:write", creds.Scope)
	require.Greater(t, creds.ExpiresAt, time.Now().Unix())
}

func TestParseTokenSlackMissingAuthedUser(t *testing.T) {
	_, err := ParseToken("SLACK", &xoauth2.Token{AccessToken: "bot-token"})
	require.Error(t, err)
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "rt-old", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	m := NewManager("GITHUB", testScheme(srv.URL), srv.Client(), logger.NewNop())
	creds, err := m.Refresh(context.Background(), "rt-old")
	require.NoError(t, err)
	require.Equal(t, "at-new", creds.AccessToken)
	// The provider omitted the refresh token, so the old one is kept.
	require.Equal(t, "rt-old", creds.RefreshToken)
}

func TestRefreshUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewManager("GITHUB", testScheme(srv.URL), srv.Client(), logger.NewNop())
	_, err := m.Refresh(context.Background(), "rt-old")
	require.ErrorIs(t, err, ErrRefresh)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	m := NewManager("GITHUB", testScheme("https://provider.example/token"), nil, logger.NewNop())
	_, err := m.Refresh(context.Background(), "")
	require.ErrorIs(t, err, ErrRefresh)
}

func TestExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		require.Equal(t, "code-1", r.Form.Get("code"))
		require.Equal(t, "verifier-1", r.Form.Get("code_verifier"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","token_type":"Bearer","refresh_token":"rt"}`))
	}))
	defer srv.Close()

	m := NewManager("GITHUB", testScheme(srv.URL), srv.Client(), logger.NewNop())
	creds, err := m.Exchange(context.Background(), "https://unitool.example/callback", "code-1", "verifier-1")
	require.NoError(t, err)
	require.Equal(t, "at", creds.AccessToken)
	require.Equal(t, "rt", creds.RefreshToken)
}

func TestExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewManager("GITHUB", testScheme(srv.URL), srv.Client(), logger.NewNop())
	_, err := m.Exchange(context.Background(), "https://unitool.example/callback", "bad-code", "v")
	require.ErrorIs(t, err, ErrExchange)
}

func TestStateCodecRoundTrip(t *testing.T) {
	codec := NewStateCodec([]byte("signing-key"), time.Minute)
	st := LinkState{
		ProjectID:    "proj-1",
		AppName:      "GITHUB",
		OwnerID:      "user-1",
		RedirectURI:  "https://unitool.example/callback",
		CodeVerifier: "verifier-1",
	}

	token, err := codec.Encode(st)
	require.NoError(t, err)

	decoded, err := codec.Decode(token)
	require.NoError(t, err)
	require.Equal(t, st, decoded)
}

func TestStateCodecRejectsTamperedToken(t *testing.T) {
	codec := NewStateCodec([]byte("signing-key"), time.Minute)
	token, err := codec.Encode(LinkState{ProjectID: "proj-1"})
	require.NoError(t, err)

	other := NewStateCodec([]byte("different-key"), time.Minute)
	_, err = other.Decode(token)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = codec.Decode(token + "x")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestStateCodecRejectsExpiredToken(t *testing.T) {
	codec := NewStateCodec([]byte("signing-key"), time.Nanosecond)
	token, err := codec.Encode(LinkState{ProjectID: "proj-1"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = codec.Decode(token)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestGenerateCodeVerifierUnique(t *testing.T) {
	require.NotEqual(t, GenerateCodeVerifier(), GenerateCodeVerifier())
}
