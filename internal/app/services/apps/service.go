// Package apps manages the catalog of registered third-party apps and their
// function definitions.
package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/unitool-ai/unitool/internal/app/domain/app"
	"github.com/unitool-ai/unitool/internal/app/domain/function"
	"github.com/unitool-ai/unitool/internal/app/schema"
	"github.com/unitool-ai/unitool/internal/app/security"
	"github.com/unitool-ai/unitool/internal/app/storage"
	"github.com/unitool-ai/unitool/pkg/logger"
)

// Service manages apps and their functions.
type Service struct {
	apps      storage.AppStore
	functions storage.FunctionStore
	log       *logger.Logger
}

// New constructs an app service.
func New(apps storage.AppStore, functions storage.FunctionStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("apps")
	}
	return &Service{apps: apps, functions: functions, log: log}
}

// Register validates and stores a new app. Every configured security scheme
// must parse, and every default credential must decode against its scheme.
func (s *Service) Register(ctx context.Context, a app.App) (app.App, error) {
	if a.Name == "" {
		return app.App{}, fmt.Errorf("name is required")
	}
	if len(a.SecuritySchemes) == 0 {
		return app.App{}, fmt.Errorf("app %s: at least one security scheme is required", a.Name)
	}

	for kind, raw := range a.SecuritySchemes {
		if _, err := security.ParseScheme(kind, raw); err != nil {
			return app.App{}, fmt.Errorf("app %s: %w", a.Name, err)
		}
	}
	for kind, raw := range a.DefaultCredentials {
		if _, ok := a.SecuritySchemes[kind]; !ok {
			return app.App{}, fmt.Errorf("app %s: default credentials for unconfigured scheme %s", a.Name, kind)
		}
		if _, err := security.DecodeCredentials(kind, raw); err != nil {
			return app.App{}, fmt.Errorf("app %s: %w", a.Name, err)
		}
	}

	created, err := s.apps.CreateApp(ctx, a)
	if err != nil {
		return app.App{}, err
	}
	s.log.Infof("app %s registered with schemes %s", created.Name, schemeKinds(created))
	return created, nil
}

// Update overwrites mutable fields of an app.
func (s *Service) Update(ctx context.Context, a app.App) (app.App, error) {
	existing, err := s.apps.GetApp(ctx, a.ID)
	if err != nil {
		return app.App{}, err
	}

	if a.Name == "" {
		a.Name = existing.Name
	}
	if a.Description == "" {
		a.Description = existing.Description
	}
	if a.SecuritySchemes == nil {
		a.SecuritySchemes = existing.SecuritySchemes
	}
	if a.DefaultCredentials == nil {
		a.DefaultCredentials = existing.DefaultCredentials
	}

	for kind, raw := range a.SecuritySchemes {
		if _, err := security.ParseScheme(kind, raw); err != nil {
			return app.App{}, fmt.Errorf("app %s: %w", a.Name, err)
		}
	}

	updated, err := s.apps.UpdateApp(ctx, a)
	if err != nil {
		return app.App{}, err
	}
	s.log.Infof("app %s updated", updated.Name)
	return updated, nil
}

// SetDefaultCredentials stores operator-managed shared credentials for one
// of the app's schemes.
func (s *Service) SetDefaultCredentials(ctx context.Context, appName string, kind security.SchemeKind, raw json.RawMessage) (app.App, error) {
	a, err := s.apps.GetAppByName(ctx, appName)
	if err != nil {
		return app.App{}, err
	}
	if _, ok := a.SecuritySchemes[kind]; !ok {
		return app.App{}, fmt.Errorf("app %s does not configure scheme %s", appName, kind)
	}
	if _, err := security.DecodeCredentials(kind, raw); err != nil {
		return app.App{}, fmt.Errorf("app %s: %w", appName, err)
	}

	if a.DefaultCredentials == nil {
		a.DefaultCredentials = make(map[security.SchemeKind]json.RawMessage)
	}
	a.DefaultCredentials[kind] = raw
	return s.apps.UpdateApp(ctx, a)
}

// Get retrieves an app by identifier.
func (s *Service) Get(ctx context.Context, id string) (app.App, error) {
	return s.apps.GetApp(ctx, id)
}

// GetByName retrieves an app by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (app.App, error) {
	return s.apps.GetAppByName(ctx, name)
}

// List returns all registered apps.
func (s *Service) List(ctx context.Context) ([]app.App, error) {
	return s.apps.ListApps(ctx)
}

// ImportFunctions validates and upserts function definitions under an app.
// Parameter schemas are checked against the partition contract at import
// time so execution never sees a misconfigured schema.
func (s *Service) ImportFunctions(ctx context.Context, appName string, defs []function.Definition) ([]function.Definition, error) {
	a, err := s.apps.GetAppByName(ctx, appName)
	if err != nil {
		return nil, err
	}

	imported := make([]function.Definition, 0, len(defs))
	for _, def := range defs {
		def.AppID = a.ID
		if err := validateDefinition(a, def); err != nil {
			return nil, err
		}

		existing, err := s.functions.GetFunctionByName(ctx, def.Name)
		switch {
		case err == nil:
			if existing.AppID != a.ID {
				return nil, fmt.Errorf("function %s already belongs to another app", def.Name)
			}
			def.ID = existing.ID
			def, err = s.functions.UpdateFunction(ctx, def)
		case errors.Is(err, storage.ErrNotFound):
			def, err = s.functions.CreateFunction(ctx, def)
		}
		if err != nil {
			return nil, fmt.Errorf("import function %s: %w", def.Name, err)
		}
		imported = append(imported, def)
	}
	s.log.Infof("imported %d functions for app %s", len(imported), appName)
	return imported, nil
}

// ListFunctions returns the function definitions of an app.
func (s *Service) ListFunctions(ctx context.Context, appName string) ([]function.Definition, error) {
	a, err := s.apps.GetAppByName(ctx, appName)
	if err != nil {
		return nil, err
	}
	return s.functions.ListFunctions(ctx, a.ID)
}

func validateDefinition(a app.App, def function.Definition) error {
	if def.Name == "" {
		return fmt.Errorf("function name is required")
	}
	if !strings.HasPrefix(def.Name, strings.ToUpper(a.Name)+"__") {
		return fmt.Errorf("function %s: name must be prefixed with %s__", def.Name, strings.ToUpper(a.Name))
	}
	if def.Protocol != function.ProtocolREST {
		return fmt.Errorf("function %s: unsupported protocol %q", def.Name, def.Protocol)
	}
	if def.Rest.Method == "" || def.Rest.ServerURL == "" {
		return fmt.Errorf("function %s: rest metadata requires method and server_url", def.Name)
	}
	if def.Parameters != nil {
		if err := schema.Validate(def.Parameters); err != nil {
			return fmt.Errorf("function %s: %w", def.Name, err)
		}
	}
	return nil
}

func schemeKinds(a app.App) string {
	kinds := make([]string, 0, len(a.SecuritySchemes))
	for kind := range a.SecuritySchemes {
		kinds = append(kinds, string(kind))
	}
	return strings.Join(kinds, ",")
}
