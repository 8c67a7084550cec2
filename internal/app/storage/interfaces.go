// Package storage defines the persistence interfaces of the application.
// Implementations live in the memory and postgres subpackages.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/unitool-ai/unitool/internal/app/domain/app"
	"github.com/unitool-ai/unitool/internal/app/domain/function"
	"github.com/unitool-ai/unitool/internal/app/domain/linkedaccount"
	"github.com/unitool-ai/unitool/internal/app/security"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by conditional credential updates when
	// another writer got there first.
	ErrVersionConflict = errors.New("version conflict")
)

// AppStore persists registered apps.
type AppStore interface {
	CreateApp(ctx context.Context, a app.App) (app.App, error)
	UpdateApp(ctx context.Context, a app.App) (app.App, error)
	GetApp(ctx context.Context, id string) (app.App, error)
	GetAppByName(ctx context.Context, name string) (app.App, error)
	ListApps(ctx context.Context) ([]app.App, error)
}

// FunctionStore persists function definitions.
type FunctionStore interface {
	CreateFunction(ctx context.Context, def function.Definition) (function.Definition, error)
	UpdateFunction(ctx context.Context, def function.Definition) (function.Definition, error)
	GetFunction(ctx context.Context, id string) (function.Definition, error)
	GetFunctionByName(ctx context.Context, name string) (function.Definition, error)
	ListFunctions(ctx context.Context, appID string) ([]function.Definition, error)
}

// LinkedAccountFilter narrows linked account listings. Zero values match
// everything.
type LinkedAccountFilter struct {
	ProjectID string
	AppID     string
	OwnerID   string
	Scheme    security.SchemeKind
}

// LinkedAccountStore persists end-user app authorizations.
type LinkedAccountStore interface {
	CreateLinkedAccount(ctx context.Context, acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error)
	UpdateLinkedAccount(ctx context.Context, acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error)
	GetLinkedAccount(ctx context.Context, id string) (linkedaccount.LinkedAccount, error)
	// FindLinkedAccount looks up the unique (project, app, owner) triple.
	FindLinkedAccount(ctx context.Context, projectID, appID, ownerID string) (linkedaccount.LinkedAccount, error)
	ListLinkedAccounts(ctx context.Context, filter LinkedAccountFilter) ([]linkedaccount.LinkedAccount, error)
	// UpdateLinkedAccountCredentials replaces the credential payload only if
	// the stored version still equals expectedVersion. Losing writers get
	// ErrVersionConflict and must discard their result.
	UpdateLinkedAccountCredentials(ctx context.Context, id string, credentials json.RawMessage, expectedVersion int64) (linkedaccount.LinkedAccount, error)
}

// Clock abstracts time for stores and services; tests substitute a fixed
// clock.
type Clock func() time.Time
