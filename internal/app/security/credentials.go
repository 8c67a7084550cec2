package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Credentials is the closed union of secret payloads, tagged by the same
// kinds as Scheme.
type Credentials interface {
	Kind() SchemeKind
	securityCredentials()
}

// NoAuthCredentials is the empty payload for no-auth schemes.
type NoAuthCredentials struct{}

func (NoAuthCredentials) Kind() SchemeKind     { return SchemeNoAuth }
func (NoAuthCredentials) securityCredentials() {}

// APIKeyCredentials holds a static secret key.
type APIKeyCredentials struct {
	SecretKey string `json:"secret_key"`
}

func (APIKeyCredentials) Kind() SchemeKind     { return SchemeAPIKey }
func (APIKeyCredentials) securityCredentials() {}

// HTTPBasicCredentials holds a username/password pair.
type HTTPBasicCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (HTTPBasicCredentials) Kind() SchemeKind     { return SchemeHTTPBasic }
func (HTTPBasicCredentials) securityCredentials() {}

// OAuth2Credentials holds the token set obtained from an OAuth2 provider.
// ExpiresAt is an absolute unix timestamp; zero means the provider reported
// no expiry.
type OAuth2Credentials struct {
	AccessToken      string          `json:"access_token"`
	TokenType        string          `json:"token_type,omitempty"`
	RefreshToken     string          `json:"refresh_token,omitempty"`
	ExpiresAt        int64           `json:"expires_at,omitempty"`
	Scope            string          `json:"scope,omitempty"`
	RawTokenResponse json.RawMessage `json:"raw_token_response,omitempty"`
}

func (OAuth2Credentials) Kind() SchemeKind     { return SchemeOAuth2 }
func (OAuth2Credentials) securityCredentials() {}

// Expired reports whether the access token's expiry has passed. Tokens
// without a recorded expiry never report as expired.
func (c OAuth2Credentials) Expired(now time.Time) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return c.ExpiresAt < now.Unix()
}

// DecodeCredentials parses a stored credential payload for the given scheme
// and validates its shape strictly: a payload missing the scheme's secret
// fields is a configuration error, never a guess.
func DecodeCredentials(kind SchemeKind, raw json.RawMessage) (Credentials, error) {
	switch kind {
	case SchemeNoAuth:
		return NoAuthCredentials{}, nil
	case SchemeAPIKey:
		var c APIKeyCredentials
		if err := decodeStrict(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemeCredentialMismatch, err)
		}
		if c.SecretKey == "" {
			return nil, fmt.Errorf("%w: api_key credentials missing secret_key", ErrSchemeCredentialMismatch)
		}
		return c, nil
	case SchemeHTTPBasic:
		var c HTTPBasicCredentials
		if err := decodeStrict(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemeCredentialMismatch, err)
		}
		if c.Username == "" || c.Password == "" {
			return nil, fmt.Errorf("%w: http_basic credentials missing username or password", ErrSchemeCredentialMismatch)
		}
		return c, nil
	case SchemeOAuth2:
		var c OAuth2Credentials
		if err := decodeStrict(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemeCredentialMismatch, err)
		}
		if c.AccessToken == "" {
			return nil, fmt.Errorf("%w: oauth2 credentials missing access_token", ErrSchemeCredentialMismatch)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, kind)
	}
}

// decodeStrict rejects unknown fields so stored payloads that drifted from
// the scheme's shape surface as a mismatch instead of losing data silently.
func decodeStrict(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// EncodeCredentials serialises credentials for storage.
func EncodeCredentials(c Credentials) (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s credentials: %w", c.Kind(), err)
	}
	return data, nil
}
