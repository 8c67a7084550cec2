// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/unitool-ai/unitool/internal/app/domain/app"
	"github.com/unitool-ai/unitool/internal/app/domain/function"
	"github.com/unitool-ai/unitool/internal/app/domain/linkedaccount"
	"github.com/unitool-ai/unitool/internal/app/storage"
)

// Store is the in-memory implementation of all storage interfaces.
type Store struct {
	mu             sync.RWMutex
	nextID         int64
	now            storage.Clock
	apps           map[string]app.App
	appsByName     map[string]string
	functions      map[string]function.Definition
	functionByName map[string]string
	accounts       map[string]linkedaccount.LinkedAccount
	accountsByKey  map[string]string
}

var _ storage.AppStore = (*Store)(nil)
var _ storage.FunctionStore = (*Store)(nil)
var _ storage.LinkedAccountStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return NewWithClock(func() time.Time { return time.Now().UTC() })
}

// NewWithClock creates an empty store with an injected clock.
func NewWithClock(now storage.Clock) *Store {
	return &Store{
		nextID:         1,
		now:            now,
		apps:           make(map[string]app.App),
		appsByName:     make(map[string]string),
		functions:      make(map[string]function.Definition),
		functionByName: make(map[string]string),
		accounts:       make(map[string]linkedaccount.LinkedAccount),
		accountsByKey:  make(map[string]string),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func accountKey(projectID, appID, ownerID string) string {
	return projectID + "/" + appID + "/" + ownerID
}

// AppStore implementation -----------------------------------------------------

func (s *Store) CreateApp(_ context.Context, a app.App) (app.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.appsByName[a.Name]; exists {
		return app.App{}, fmt.Errorf("app %s already exists", a.Name)
	}
	if a.ID == "" {
		a.ID = s.nextIDLocked()
	} else if _, exists := s.apps[a.ID]; exists {
		return app.App{}, fmt.Errorf("app %s already exists", a.ID)
	}

	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.SecuritySchemes = cloneRawMap(a.SecuritySchemes)
	a.DefaultCredentials = cloneRawMap(a.DefaultCredentials)

	s.apps[a.ID] = a
	s.appsByName[a.Name] = a.ID
	return cloneApp(a), nil
}

func (s *Store) UpdateApp(_ context.Context, a app.App) (app.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.apps[a.ID]
	if !ok {
		return app.App{}, fmt.Errorf("app %s: %w", a.ID, storage.ErrNotFound)
	}

	a.Name = original.Name
	a.CreatedAt = original.CreatedAt
	a.UpdatedAt = s.now()
	a.SecuritySchemes = cloneRawMap(a.SecuritySchemes)
	a.DefaultCredentials = cloneRawMap(a.DefaultCredentials)

	s.apps[a.ID] = a
	return cloneApp(a), nil
}

func (s *Store) GetApp(_ context.Context, id string) (app.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.apps[id]
	if !ok {
		return app.App{}, fmt.Errorf("app %s: %w", id, storage.ErrNotFound)
	}
	return cloneApp(a), nil
}

func (s *Store) GetAppByName(_ context.Context, name string) (app.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.appsByName[name]
	if !ok {
		return app.App{}, fmt.Errorf("app %s: %w", name, storage.ErrNotFound)
	}
	return cloneApp(s.apps[id]), nil
}

func (s *Store) ListApps(_ context.Context) ([]app.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]app.App, 0, len(s.apps))
	for _, a := range s.apps {
		result = append(result, cloneApp(a))
	}
	return result, nil
}

// FunctionStore implementation ------------------------------------------------

func (s *Store) CreateFunction(_ context.Context, def function.Definition) (function.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.functionByName[def.Name]; exists {
		return function.Definition{}, fmt.Errorf("function %s already exists", def.Name)
	}
	if def.ID == "" {
		def.ID = s.nextIDLocked()
	} else if _, exists := s.functions[def.ID]; exists {
		return function.Definition{}, fmt.Errorf("function %s already exists", def.ID)
	}

	now := s.now()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.Tags = append([]string(nil), def.Tags...)

	s.functions[def.ID] = def
	s.functionByName[def.Name] = def.ID
	return cloneFunction(def), nil
}

func (s *Store) UpdateFunction(_ context.Context, def function.Definition) (function.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.functions[def.ID]
	if !ok {
		return function.Definition{}, fmt.Errorf("function %s: %w", def.ID, storage.ErrNotFound)
	}

	def.Name = original.Name
	def.AppID = original.AppID
	def.CreatedAt = original.CreatedAt
	def.UpdatedAt = s.now()
	def.Tags = append([]string(nil), def.Tags...)

	s.functions[def.ID] = def
	return cloneFunction(def), nil
}

func (s *Store) GetFunction(_ context.Context, id string) (function.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.functions[id]
	if !ok {
		return function.Definition{}, fmt.Errorf("function %s: %w", id, storage.ErrNotFound)
	}
	return cloneFunction(def), nil
}

func (s *Store) GetFunctionByName(_ context.Context, name string) (function.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.functionByName[name]
	if !ok {
		return function.Definition{}, fmt.Errorf("function %s: %w", name, storage.ErrNotFound)
	}
	return cloneFunction(s.functions[id]), nil
}

func (s *Store) ListFunctions(_ context.Context, appID string) ([]function.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]function.Definition, 0)
	for _, def := range s.functions {
		if appID != "" && def.AppID != appID {
			continue
		}
		result = append(result, cloneFunction(def))
	}
	return result, nil
}

// LinkedAccountStore implementation -------------------------------------------

func (s *Store) CreateLinkedAccount(_ context.Context, acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey(acct.ProjectID, acct.AppID, acct.OwnerID)
	if _, exists := s.accountsByKey[key]; exists {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("linked account %s already exists", key)
	}
	if acct.ID == "" {
		acct.ID = s.nextIDLocked()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("linked account %s already exists", acct.ID)
	}

	now := s.now()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.Version = 1
	acct.Credentials = cloneRaw(acct.Credentials)

	s.accounts[acct.ID] = acct
	s.accountsByKey[key] = acct.ID
	return cloneAccount(acct), nil
}

func (s *Store) UpdateLinkedAccount(_ context.Context, acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.accounts[acct.ID]
	if !ok {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("linked account %s: %w", acct.ID, storage.ErrNotFound)
	}

	acct.ProjectID = original.ProjectID
	acct.AppID = original.AppID
	acct.OwnerID = original.OwnerID
	acct.CreatedAt = original.CreatedAt
	acct.UpdatedAt = s.now()
	acct.Version = original.Version + 1
	acct.Credentials = cloneRaw(acct.Credentials)

	s.accounts[acct.ID] = acct
	return cloneAccount(acct), nil
}

func (s *Store) GetLinkedAccount(_ context.Context, id string) (linkedaccount.LinkedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("linked account %s: %w", id, storage.ErrNotFound)
	}
	return cloneAccount(acct), nil
}

func (s *Store) FindLinkedAccount(_ context.Context, projectID, appID, ownerID string) (linkedaccount.LinkedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountsByKey[accountKey(projectID, appID, ownerID)]
	if !ok {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("linked account for owner %s: %w", ownerID, storage.ErrNotFound)
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *Store) ListLinkedAccounts(_ context.Context, filter storage.LinkedAccountFilter) ([]linkedaccount.LinkedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]linkedaccount.LinkedAccount, 0)
	for _, acct := range s.accounts {
		if filter.ProjectID != "" && acct.ProjectID != filter.ProjectID {
			continue
		}
		if filter.AppID != "" && acct.AppID != filter.AppID {
			continue
		}
		if filter.OwnerID != "" && acct.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Scheme != "" && acct.Scheme != filter.Scheme {
			continue
		}
		result = append(result, cloneAccount(acct))
	}
	return result, nil
}

func (s *Store) UpdateLinkedAccountCredentials(_ context.Context, id string, credentials json.RawMessage, expectedVersion int64) (linkedaccount.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("linked account %s: %w", id, storage.ErrNotFound)
	}
	if acct.Version != expectedVersion {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("linked account %s: %w", id, storage.ErrVersionConflict)
	}

	acct.Credentials = cloneRaw(credentials)
	acct.Version++
	acct.UpdatedAt = s.now()
	s.accounts[id] = acct
	return cloneAccount(acct), nil
}

// clone helpers ---------------------------------------------------------------

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneRawMap[K comparable](m map[K]json.RawMessage) map[K]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[K]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = cloneRaw(v)
	}
	return out
}

func cloneApp(a app.App) app.App {
	a.SecuritySchemes = cloneRawMap(a.SecuritySchemes)
	a.DefaultCredentials = cloneRawMap(a.DefaultCredentials)
	return a
}

func cloneFunction(def function.Definition) function.Definition {
	def.Tags = append([]string(nil), def.Tags...)
	return def
}

func cloneAccount(acct linkedaccount.LinkedAccount) linkedaccount.LinkedAccount {
	acct.Credentials = cloneRaw(acct.Credentials)
	return acct
}
