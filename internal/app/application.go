package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/unitool-ai/unitool/internal/app/security"
	appsvc "github.com/unitool-ai/unitool/internal/app/services/apps"
	"github.com/unitool-ai/unitool/internal/app/services/credentials"
	"github.com/unitool-ai/unitool/internal/app/services/executor"
	"github.com/unitool-ai/unitool/internal/app/services/functions"
	"github.com/unitool-ai/unitool/internal/app/services/linkedaccounts"
	oauth2svc "github.com/unitool-ai/unitool/internal/app/services/oauth2"
	"github.com/unitool-ai/unitool/internal/app/storage"
	"github.com/unitool-ai/unitool/internal/app/storage/memory"
	"github.com/unitool-ai/unitool/internal/app/system"
	"github.com/unitool-ai/unitool/internal/secrets"
	"github.com/unitool-ai/unitool/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Apps           storage.AppStore
	Functions      storage.FunctionStore
	LinkedAccounts storage.LinkedAccountStore
}

// Options tunes optional application behavior.
type Options struct {
	// EncryptionKey seals linked account credentials at rest when set.
	EncryptionKey []byte
	// StateSigningKey signs OAuth2 flow state tokens. Required for OAuth2
	// linking.
	StateSigningKey []byte
	// UpstreamTimeout bounds outbound requests to providers.
	UpstreamTimeout time.Duration
	// SweepSchedule is the cron expression of the token refresh sweep. Empty
	// disables the sweep.
	SweepSchedule string
	// SweepHorizon is how far ahead of expiry the sweep renews tokens.
	SweepHorizon time.Duration
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Apps           *appsvc.Service
	Functions      *functions.Service
	LinkedAccounts *linkedaccounts.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Apps == nil {
		stores.Apps = mem
	}
	if stores.Functions == nil {
		stores.Functions = mem
	}
	if stores.LinkedAccounts == nil {
		stores.LinkedAccounts = mem
	}

	if len(opts.EncryptionKey) > 0 {
		cipher, err := secrets.NewAESCipher(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("credential encryption: %w", err)
		}
		stores.LinkedAccounts = storage.NewEncryptedLinkedAccounts(stores.LinkedAccounts, cipher)
	} else {
		log.Warn("no encryption key configured; linked account credentials stored in plaintext")
	}

	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	refresher := func(appName string, scheme security.OAuth2Scheme) credentials.TokenRefresher {
		return oauth2svc.NewManager(appName, scheme, httpClient, log)
	}
	resolver := credentials.NewResolver(stores.LinkedAccounts, refresher, log)

	stateCodec := oauth2svc.NewStateCodec(opts.StateSigningKey, 0)

	appService := appsvc.New(stores.Apps, stores.Functions, log)
	accountService := linkedaccounts.New(stores.Apps, stores.LinkedAccounts, stateCodec, httpClient, log)
	funcService := functions.New(
		stores.Apps,
		stores.Functions,
		stores.LinkedAccounts,
		resolver,
		executor.NewREST(httpClient, log),
		log,
	)

	manager := system.NewManager()
	for _, name := range []string{"apps", "functions", "linkedaccounts"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if opts.SweepSchedule != "" {
		sweeper := linkedaccounts.NewSweeper(accountService, opts.SweepSchedule, opts.SweepHorizon, log)
		if err := manager.Register(sweeper); err != nil {
			return nil, fmt.Errorf("register %s: %w", sweeper.Name(), err)
		}
	} else {
		log.Warn("token refresh sweep disabled; tokens refresh inline on execution")
	}

	return &Application{
		manager:        manager,
		log:            log,
		Apps:           appService,
		Functions:      funcService,
		LinkedAccounts: accountService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
