// Package credentials resolves the effective security credentials for a
// linked account, refreshing expired OAuth2 tokens before they are injected
// into outbound requests.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unitool-ai/unitool/internal/app/domain/app"
	"github.com/unitool-ai/unitool/internal/app/domain/linkedaccount"
	"github.com/unitool-ai/unitool/internal/app/security"
	"github.com/unitool-ai/unitool/internal/app/storage"
	"github.com/unitool-ai/unitool/pkg/logger"
)

var (
	// ErrNoCredentials means neither the linked account nor the app default
	// carries usable credentials. The caller must configure a default or
	// re-link the account.
	ErrNoCredentials = errors.New("no security credentials usable")
	// ErrAccountDisabled marks a soft-disabled linked account.
	ErrAccountDisabled = errors.New("linked account is disabled")
	// ErrSchemeNotConfigured means the app does not configure the scheme the
	// linked account was created under.
	ErrSchemeNotConfigured = errors.New("security scheme not configured for app")
)

// TokenRefresher refreshes an OAuth2 token set. Implemented by the oauth2
// package's Manager.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (security.OAuth2Credentials, error)
}

// RefresherFactory builds a refresher for an app's OAuth2 scheme.
type RefresherFactory func(appName string, scheme security.OAuth2Scheme) TokenRefresher

// Resolved is the outcome of credential resolution.
type Resolved struct {
	Scheme       security.Scheme
	Credentials  security.Credentials
	IsAppDefault bool
	Refreshed    bool
}

// Resolver picks effective credentials for a linked account and keeps OAuth2
// tokens fresh.
type Resolver struct {
	accounts  storage.LinkedAccountStore
	refresher RefresherFactory
	now       func() time.Time
	log       *logger.Logger
}

// NewResolver constructs a resolver. The refresher factory may be nil when
// OAuth2 apps are not in play (tests, API-key-only deployments).
func NewResolver(accounts storage.LinkedAccountStore, refresher RefresherFactory, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewDefault("credentials")
	}
	return &Resolver{
		accounts:  accounts,
		refresher: refresher,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// WithClock overrides the clock. Intended for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve picks the effective credentials for the linked account: end-user
// supplied credentials take precedence over the app's shared default. OAuth2
// credentials past their expiry are refreshed synchronously and persisted
// with a conditional update so concurrent refreshes cannot clobber each
// other.
func (r *Resolver) Resolve(ctx context.Context, a app.App, acct linkedaccount.LinkedAccount) (Resolved, error) {
	if !acct.Enabled {
		return Resolved{}, fmt.Errorf("%w: account %s", ErrAccountDisabled, acct.ID)
	}

	scheme, ok, err := a.Scheme(acct.Scheme)
	if err != nil {
		return Resolved{}, fmt.Errorf("app %s: %w", a.Name, err)
	}
	if !ok {
		return Resolved{}, fmt.Errorf("%w: app %s, scheme %s", ErrSchemeNotConfigured, a.Name, acct.Scheme)
	}

	var (
		raw          json.RawMessage
		isAppDefault bool
	)
	switch {
	case acct.HasOwnCredentials():
		raw = acct.Credentials
	case len(a.DefaultCredentials[acct.Scheme]) > 0:
		raw = a.DefaultCredentials[acct.Scheme]
		isAppDefault = true
		r.log.Debugf("using app default credentials for app %s, owner %s", a.Name, acct.OwnerID)
	case acct.Scheme == security.SchemeNoAuth:
		raw = json.RawMessage(`{}`)
	default:
		return Resolved{}, fmt.Errorf("%w: app %s, scheme %s, owner %s",
			ErrNoCredentials, a.Name, acct.Scheme, acct.OwnerID)
	}

	creds, err := security.DecodeCredentials(acct.Scheme, raw)
	if err != nil {
		return Resolved{}, fmt.Errorf("app %s, account %s: %w", a.Name, acct.ID, err)
	}

	resolved := Resolved{Scheme: scheme, Credentials: creds, IsAppDefault: isAppDefault}

	oauth2Creds, isOAuth2 := creds.(security.OAuth2Credentials)
	if !isOAuth2 || !oauth2Creds.Expired(r.now()) {
		return resolved, nil
	}

	refreshed, err := r.refreshOAuth2(ctx, a, scheme, acct, oauth2Creds, isAppDefault)
	if err != nil {
		return Resolved{}, err
	}
	resolved.Credentials = refreshed
	resolved.Refreshed = true
	return resolved, nil
}

func (r *Resolver) refreshOAuth2(
	ctx context.Context,
	a app.App,
	scheme security.Scheme,
	acct linkedaccount.LinkedAccount,
	creds security.OAuth2Credentials,
	isAppDefault bool,
) (security.OAuth2Credentials, error) {
	oauth2Scheme, ok := scheme.(security.OAuth2Scheme)
	if !ok || r.refresher == nil {
		return security.OAuth2Credentials{}, fmt.Errorf("%w: no refresher for app %s", ErrNoCredentials, a.Name)
	}
	r.log.Warnf("access token expired for app %s, account %s, refreshing", a.Name, acct.ID)

	refreshed, err := r.refresher(a.Name, oauth2Scheme).Refresh(ctx, creds.RefreshToken)
	if err != nil {
		// The stored token is left untouched: a transient refresh failure
		// must not strand a still-valid-but-unrefreshed token.
		return security.OAuth2Credentials{}, err
	}

	if isAppDefault {
		// App-wide defaults are operator-managed; nothing to persist on the
		// linked account.
		return refreshed, nil
	}

	encoded, err := security.EncodeCredentials(refreshed)
	if err != nil {
		return security.OAuth2Credentials{}, err
	}
	if _, err := r.accounts.UpdateLinkedAccountCredentials(ctx, acct.ID, encoded, acct.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// A concurrent refresh won the race; use its token and discard
			// ours.
			return r.rereadCredentials(ctx, acct.ID)
		}
		return security.OAuth2Credentials{}, fmt.Errorf("persist refreshed token for account %s: %w", acct.ID, err)
	}
	r.log.Infof("refreshed oauth2 token persisted for account %s", acct.ID)
	return refreshed, nil
}

func (r *Resolver) rereadCredentials(ctx context.Context, accountID string) (security.OAuth2Credentials, error) {
	current, err := r.accounts.GetLinkedAccount(ctx, accountID)
	if err != nil {
		return security.OAuth2Credentials{}, fmt.Errorf("reload account %s after refresh race: %w", accountID, err)
	}
	creds, err := security.DecodeCredentials(security.SchemeOAuth2, current.Credentials)
	if err != nil {
		return security.OAuth2Credentials{}, fmt.Errorf("account %s: %w", accountID, err)
	}
	oauth2Creds, ok := creds.(security.OAuth2Credentials)
	if !ok {
		return security.OAuth2Credentials{}, fmt.Errorf("account %s: %w", accountID, security.ErrSchemeCredentialMismatch)
	}
	return oauth2Creds, nil
}
