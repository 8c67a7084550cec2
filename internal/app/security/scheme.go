// Package security defines the authentication schemes an app can require and
// the credential payloads resolved for them. Schemes are configuration only;
// credentials carry the secrets.
package security

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/unitool-ai/unitool/internal/app/schema"
)

// SchemeKind tags the closed set of supported security schemes.
type SchemeKind string

const (
	SchemeNoAuth    SchemeKind = "no_auth"
	SchemeAPIKey    SchemeKind = "api_key"
	SchemeHTTPBasic SchemeKind = "http_basic"
	SchemeOAuth2    SchemeKind = "oauth2"
)

// Valid reports whether the kind is one of the supported schemes.
func (k SchemeKind) Valid() bool {
	switch k {
	case SchemeNoAuth, SchemeAPIKey, SchemeHTTPBasic, SchemeOAuth2:
		return true
	}
	return false
}

var (
	// ErrUnknownScheme marks a scheme kind outside the supported set.
	ErrUnknownScheme = errors.New("unknown security scheme")
	// ErrSchemeCredentialMismatch marks credentials whose shape does not
	// match the scheme they are stored under.
	ErrSchemeCredentialMismatch = errors.New("credentials do not match security scheme")
)

// Scheme is the closed union of security scheme configurations.
type Scheme interface {
	Kind() SchemeKind
	securityScheme()
}

// NoAuthScheme requires no credentials.
type NoAuthScheme struct{}

func (NoAuthScheme) Kind() SchemeKind { return SchemeNoAuth }
func (NoAuthScheme) securityScheme()  {}

// APIKeyScheme places a static secret at a named request location.
type APIKeyScheme struct {
	Location schema.Location `json:"location"`
	Name     string          `json:"name"`
}

func (APIKeyScheme) Kind() SchemeKind { return SchemeAPIKey }
func (APIKeyScheme) securityScheme()  {}

// HTTPBasicScheme places a base64 username:password pair, optionally
// prefixed, at a named header.
type HTTPBasicScheme struct {
	Location schema.Location `json:"location"`
	Name     string          `json:"name"`
	Prefix   string          `json:"prefix,omitempty"`
}

func (HTTPBasicScheme) Kind() SchemeKind { return SchemeHTTPBasic }
func (HTTPBasicScheme) securityScheme()  {}

// OAuth2Scheme configures the authorization-code flow for an app and where
// the resulting access token is placed on outbound requests.
type OAuth2Scheme struct {
	Location        schema.Location `json:"location"`
	Name            string          `json:"name"`
	Prefix          string          `json:"prefix,omitempty"`
	ClientID        string          `json:"client_id"`
	ClientSecret    string          `json:"client_secret"`
	Scope           string          `json:"scope"`
	AuthorizeURL    string          `json:"authorize_url"`
	AccessTokenURL  string          `json:"access_token_url"`
	RefreshTokenURL string          `json:"refresh_token_url,omitempty"`
}

func (OAuth2Scheme) Kind() SchemeKind { return SchemeOAuth2 }
func (OAuth2Scheme) securityScheme()  {}

// ParseScheme decodes a scheme configuration stored as JSON under its kind.
func ParseScheme(kind SchemeKind, raw json.RawMessage) (Scheme, error) {
	switch kind {
	case SchemeNoAuth:
		return NoAuthScheme{}, nil
	case SchemeAPIKey:
		var s APIKeyScheme
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse api_key scheme: %w", err)
		}
		if !s.Location.Valid() || s.Name == "" {
			return nil, fmt.Errorf("api_key scheme requires location and name")
		}
		return s, nil
	case SchemeHTTPBasic:
		var s HTTPBasicScheme
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse http_basic scheme: %w", err)
		}
		if !s.Location.Valid() || s.Name == "" {
			return nil, fmt.Errorf("http_basic scheme requires location and name")
		}
		return s, nil
	case SchemeOAuth2:
		var s OAuth2Scheme
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse oauth2 scheme: %w", err)
		}
		if s.ClientID == "" || s.AuthorizeURL == "" || s.AccessTokenURL == "" {
			return nil, fmt.Errorf("oauth2 scheme requires client_id, authorize_url and access_token_url")
		}
		if s.Location == "" {
			s.Location = schema.LocationHeader
		}
		if s.Name == "" {
			s.Name = "Authorization"
		}
		if s.Prefix == "" {
			s.Prefix = "Bearer"
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, kind)
	}
}
