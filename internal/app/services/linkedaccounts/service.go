// Package linkedaccounts manages end-user app authorizations: direct
// credential linking, the OAuth2 consent flow and the background token
// refresh sweep.
package linkedaccounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/unitool-ai/unitool/internal/app/domain/app"
	"github.com/unitool-ai/unitool/internal/app/domain/linkedaccount"
	"github.com/unitool-ai/unitool/internal/app/metrics"
	"github.com/unitool-ai/unitool/internal/app/security"
	oauth2svc "github.com/unitool-ai/unitool/internal/app/services/oauth2"
	"github.com/unitool-ai/unitool/internal/app/storage"
	"github.com/unitool-ai/unitool/pkg/logger"
)

var (
	// ErrAlreadyLinked marks a duplicate (project, app, owner) link attempt.
	ErrAlreadyLinked = errors.New("account already linked")
	// ErrSchemeNotSupported marks a link attempt under a scheme the app does
	// not configure.
	ErrSchemeNotSupported = errors.New("app does not support scheme")
)

// Service manages linked accounts.
type Service struct {
	apps       storage.AppStore
	accounts   storage.LinkedAccountStore
	stateCodec oauth2svc.StateCodec
	httpClient *http.Client
	now        storage.Clock
	log        *logger.Logger
}

// New constructs a linked account service. The HTTP client is shared with the
// OAuth2 managers built per app; nil falls back to a 30 second timeout.
func New(apps storage.AppStore, accounts storage.LinkedAccountStore, stateCodec oauth2svc.StateCodec, client *http.Client, log *logger.Logger) *Service {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("linkedaccounts")
	}
	return &Service{
		apps:       apps,
		accounts:   accounts,
		stateCodec: stateCodec,
		httpClient: client,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// WithClock overrides the clock. Intended for tests.
func (s *Service) WithClock(now storage.Clock) *Service {
	s.now = now
	return s
}

// Link creates a linked account carrying caller-supplied credentials, or an
// empty payload to fall back to the app's default credentials. The
// (project, app, owner) triple is unique.
func (s *Service) Link(ctx context.Context, projectID, appName, ownerID string, kind security.SchemeKind, creds json.RawMessage) (linkedaccount.LinkedAccount, error) {
	a, scheme, err := s.appScheme(ctx, appName, kind)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	if scheme.Kind() == security.SchemeOAuth2 {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("app %s: oauth2 accounts are linked through the authorization flow", appName)
	}
	if len(creds) > 0 && string(creds) != "{}" {
		if _, err := security.DecodeCredentials(kind, creds); err != nil {
			return linkedaccount.LinkedAccount{}, fmt.Errorf("app %s: %w", appName, err)
		}
	}

	return s.create(ctx, linkedaccount.LinkedAccount{
		ProjectID:   projectID,
		AppID:       a.ID,
		OwnerID:     ownerID,
		Scheme:      kind,
		Credentials: creds,
		Enabled:     true,
	})
}

// StartOAuth2 begins the consent flow: it mints a signed state token carrying
// the flow payload and returns the provider authorization URL.
func (s *Service) StartOAuth2(ctx context.Context, projectID, appName, ownerID, redirectURI string) (string, error) {
	a, scheme, err := s.appScheme(ctx, appName, security.SchemeOAuth2)
	if err != nil {
		return "", err
	}
	if _, err := s.accounts.FindLinkedAccount(ctx, projectID, a.ID, ownerID); err == nil {
		return "", fmt.Errorf("%w: app %s, owner %s", ErrAlreadyLinked, appName, ownerID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	verifier := oauth2svc.GenerateCodeVerifier()
	state, err := s.stateCodec.Encode(oauth2svc.LinkState{
		ProjectID:    projectID,
		AppName:      appName,
		OwnerID:      ownerID,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		return "", err
	}

	manager := oauth2svc.NewManager(appName, scheme.(security.OAuth2Scheme), s.httpClient, s.log)
	return manager.AuthorizationURL(redirectURI, state, verifier), nil
}

// CompleteOAuth2 finishes the consent flow: it verifies the state token,
// exchanges the code for tokens and creates the linked account.
func (s *Service) CompleteOAuth2(ctx context.Context, stateToken, code string) (linkedaccount.LinkedAccount, error) {
	state, err := s.stateCodec.Decode(stateToken)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	a, scheme, err := s.appScheme(ctx, state.AppName, security.SchemeOAuth2)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}

	manager := oauth2svc.NewManager(state.AppName, scheme.(security.OAuth2Scheme), s.httpClient, s.log)
	creds, err := manager.Exchange(ctx, state.RedirectURI, code, state.CodeVerifier)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	encoded, err := security.EncodeCredentials(creds)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}

	return s.create(ctx, linkedaccount.LinkedAccount{
		ProjectID:   state.ProjectID,
		AppID:       a.ID,
		OwnerID:     state.OwnerID,
		Scheme:      security.SchemeOAuth2,
		Credentials: encoded,
		Enabled:     true,
	})
}

// Get retrieves a linked account by identifier.
func (s *Service) Get(ctx context.Context, id string) (linkedaccount.LinkedAccount, error) {
	return s.accounts.GetLinkedAccount(ctx, id)
}

// List returns linked accounts matching the filter.
func (s *Service) List(ctx context.Context, filter storage.LinkedAccountFilter) ([]linkedaccount.LinkedAccount, error) {
	return s.accounts.ListLinkedAccounts(ctx, filter)
}

// SetEnabled toggles an account's enabled flag. Disabling blocks execution
// without destroying the stored credentials.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (linkedaccount.LinkedAccount, error) {
	acct, err := s.accounts.GetLinkedAccount(ctx, id)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	acct.Enabled = enabled
	updated, err := s.accounts.UpdateLinkedAccount(ctx, acct)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	s.log.Infof("linked account %s enabled=%t", id, enabled)
	return updated, nil
}

// RefreshExpiring proactively refreshes OAuth2 tokens expiring within the
// horizon. Invoked from the cron scheduler; failures are logged per account
// and never abort the sweep.
func (s *Service) RefreshExpiring(ctx context.Context, horizon time.Duration) error {
	accounts, err := s.accounts.ListLinkedAccounts(ctx, storage.LinkedAccountFilter{Scheme: security.SchemeOAuth2})
	if err != nil {
		return err
	}

	deadline := s.now().Add(horizon)
	appCache := make(map[string]app.App)
	refreshed := 0
	for _, acct := range accounts {
		if !acct.Enabled || !acct.HasOwnCredentials() {
			continue
		}
		creds, err := security.DecodeCredentials(security.SchemeOAuth2, acct.Credentials)
		if err != nil {
			s.log.WithError(err).Warnf("skipping account %s in refresh sweep", acct.ID)
			continue
		}
		oc := creds.(security.OAuth2Credentials)
		if oc.RefreshToken == "" || !oc.Expired(deadline) {
			continue
		}

		a, ok := appCache[acct.AppID]
		if !ok {
			a, err = s.apps.GetApp(ctx, acct.AppID)
			if err != nil {
				s.log.WithError(err).Warnf("skipping account %s in refresh sweep", acct.ID)
				continue
			}
			appCache[acct.AppID] = a
		}
		if err := s.refreshAccount(ctx, a, acct, oc); err != nil {
			metrics.RecordTokenRefresh(a.Name, false)
			s.log.WithError(err).Warnf("refresh sweep failed for account %s", acct.ID)
			continue
		}
		metrics.RecordTokenRefresh(a.Name, true)
		refreshed++
	}
	if refreshed > 0 {
		s.log.Infof("refresh sweep renewed %d tokens", refreshed)
	}
	return nil
}

func (s *Service) refreshAccount(ctx context.Context, a app.App, acct linkedaccount.LinkedAccount, creds security.OAuth2Credentials) error {
	scheme, ok, err := a.Scheme(security.SchemeOAuth2)
	if err != nil || !ok {
		return fmt.Errorf("app %s: oauth2 scheme unavailable: %w", a.Name, err)
	}

	manager := oauth2svc.NewManager(a.Name, scheme.(security.OAuth2Scheme), s.httpClient, s.log)
	refreshed, err := manager.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		return err
	}
	encoded, err := security.EncodeCredentials(refreshed)
	if err != nil {
		return err
	}
	_, err = s.accounts.UpdateLinkedAccountCredentials(ctx, acct.ID, encoded, acct.Version)
	if errors.Is(err, storage.ErrVersionConflict) {
		// Another writer refreshed in the meantime, their token wins.
		return nil
	}
	return err
}

func (s *Service) create(ctx context.Context, acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error) {
	if _, err := s.accounts.FindLinkedAccount(ctx, acct.ProjectID, acct.AppID, acct.OwnerID); err == nil {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("%w: owner %s", ErrAlreadyLinked, acct.OwnerID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return linkedaccount.LinkedAccount{}, err
	}

	created, err := s.accounts.CreateLinkedAccount(ctx, acct)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	s.log.Infof("linked account %s created for app %s, owner %s", created.ID, created.AppID, created.OwnerID)
	return created, nil
}

func (s *Service) appScheme(ctx context.Context, appName string, kind security.SchemeKind) (app.App, security.Scheme, error) {
	a, err := s.apps.GetAppByName(ctx, appName)
	if err != nil {
		return app.App{}, nil, err
	}
	if !a.Enabled {
		return app.App{}, nil, fmt.Errorf("app %s is disabled", appName)
	}
	scheme, ok, err := a.Scheme(kind)
	if err != nil {
		return app.App{}, nil, fmt.Errorf("app %s: %w", appName, err)
	}
	if !ok {
		return app.App{}, nil, fmt.Errorf("%w: app %s, scheme %s", ErrSchemeNotSupported, appName, kind)
	}
	return a, scheme, nil
}
