package oauth2

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LinkState is the payload threaded through an OAuth2 linking flow: encoded
// into the state parameter on authorization and recovered on callback, so
// the callback endpoint stays stateless.
type LinkState struct {
	ProjectID    string `json:"project_id"`
	AppName      string `json:"app_name"`
	OwnerID      string `json:"owner_id"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

type stateClaims struct {
	LinkState
	jwt.RegisteredClaims
}

// ErrInvalidState marks a state token that failed signature or expiry
// checks.
var ErrInvalidState = errors.New("invalid oauth2 state")

// StateCodec signs and verifies linking state tokens.
type StateCodec struct {
	key []byte
	ttl time.Duration
}

// NewStateCodec builds a codec with the given HMAC key. ttl bounds how long
// a pending consent flow stays valid; zero defaults to 10 minutes.
func NewStateCodec(key []byte, ttl time.Duration) StateCodec {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return StateCodec{key: key, ttl: ttl}
}

// Encode signs the state payload.
func (c StateCodec) Encode(st LinkState) (string, error) {
	now := time.Now()
	claims := stateClaims{
		LinkState: st,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign oauth2 state: %w", err)
	}
	return token, nil
}

// Decode verifies the signature and expiry and recovers the payload.
func (c StateCodec) Decode(token string) (LinkState, error) {
	var claims stateClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.key, nil
	})
	if err != nil || !parsed.Valid {
		return LinkState{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return claims.LinkState, nil
}

// GenerateState returns a random state value for flows that carry their
// payload elsewhere.
func GenerateState() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
