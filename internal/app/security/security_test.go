package security

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/unitool-ai/unitool/internal/app/schema"
)

func TestParseSchemeAPIKey(t *testing.T) {
	raw := json.RawMessage(`{"location":"header","name":"X-Api-Key"}`)
	s, err := ParseScheme(SchemeAPIKey, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	apiKey, ok := s.(APIKeyScheme)
	if !ok {
		t.Fatalf("expected APIKeyScheme, got %T", s)
	}
	if apiKey.Location != schema.LocationHeader || apiKey.Name != "X-Api-Key" {
		t.Fatalf("unexpected scheme: %+v", apiKey)
	}
}

func TestParseSchemeAPIKeyRequiresLocationAndName(t *testing.T) {
	if _, err := ParseScheme(SchemeAPIKey, json.RawMessage(`{"name":"k"}`)); err == nil {
		t.Fatal("expected error for missing location")
	}
	if _, err := ParseScheme(SchemeAPIKey, json.RawMessage(`{"location":"query"}`)); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestParseSchemeOAuth2Defaults(t *testing.T) {
	raw := json.RawMessage(`{
		"client_id": "cid",
		"client_secret": "secret",
		"scope": "read write",
		"authorize_url": "https://example.com/authorize",
		"access_token_url": "https://example.com/token"
	}`)
	s, err := ParseScheme(SchemeOAuth2, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	oauth2 := s.(OAuth2Scheme)
	if oauth2.Location != schema.LocationHeader {
		t.Fatalf("expected header default, got %s", oauth2.Location)
	}
	if oauth2.Name != "Authorization" || oauth2.Prefix != "Bearer" {
		t.Fatalf("unexpected defaults: name=%s prefix=%s", oauth2.Name, oauth2.Prefix)
	}
}

func TestParseSchemeUnknownKind(t *testing.T) {
	_, err := ParseScheme("mtls", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}
}

func TestDecodeCredentialsStrictShape(t *testing.T) {
	// An API key payload stored under an oauth2 scheme must be rejected, not
	// guessed at.
	_, err := DecodeCredentials(SchemeOAuth2, json.RawMessage(`{"secret_key":"sk"}`))
	if !errors.Is(err, ErrSchemeCredentialMismatch) {
		t.Fatalf("expected ErrSchemeCredentialMismatch, got %v", err)
	}

	_, err = DecodeCredentials(SchemeHTTPBasic, json.RawMessage(`{"username":"u"}`))
	if !errors.Is(err, ErrSchemeCredentialMismatch) {
		t.Fatalf("expected ErrSchemeCredentialMismatch for missing password, got %v", err)
	}
}

func TestDecodeCredentialsRejectsUnknownFields(t *testing.T) {
	_, err := DecodeCredentials(SchemeAPIKey, json.RawMessage(`{"secret_key":"sk","token":"t"}`))
	if !errors.Is(err, ErrSchemeCredentialMismatch) {
		t.Fatalf("expected ErrSchemeCredentialMismatch for extra field, got %v", err)
	}

	_, err = DecodeCredentials(SchemeHTTPBasic, json.RawMessage(`{"username":"u","password":"p","realm":"r"}`))
	if !errors.Is(err, ErrSchemeCredentialMismatch) {
		t.Fatalf("expected ErrSchemeCredentialMismatch for extra field, got %v", err)
	}
}

func TestDecodeCredentialsRoundTrip(t *testing.T) {
	creds := OAuth2Credentials{
		AccessToken:  "at",
		TokenType:    "Bearer",
		RefreshToken: "rt",
		ExpiresAt:    1700000000,
	}
	raw, err := EncodeCredentials(creds)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeCredentials(SchemeOAuth2, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.(OAuth2Credentials).RefreshToken != "rt" {
		t.Fatalf("round trip lost refresh token: %+v", decoded)
	}
}

func TestOAuth2CredentialsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)

	if (OAuth2Credentials{ExpiresAt: 0}).Expired(now) {
		t.Fatal("token without expiry must never expire")
	}
	if (OAuth2Credentials{ExpiresAt: now.Unix() + 60}).Expired(now) {
		t.Fatal("future token reported expired")
	}
	if !(OAuth2Credentials{ExpiresAt: now.Unix() - 1}).Expired(now) {
		t.Fatal("past token not reported expired")
	}
	// Expiry is strict: a token expiring exactly now is still valid.
	if (OAuth2Credentials{ExpiresAt: now.Unix()}).Expired(now) {
		t.Fatal("token expiring now reported expired")
	}
}
