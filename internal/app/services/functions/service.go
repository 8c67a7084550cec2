// Package functions exposes function lookup, schema views and the execution
// pipeline: normalize input, resolve credentials, inject them and call the
// upstream endpoint.
package functions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/unitool-ai/unitool/internal/app/domain/function"
	"github.com/unitool-ai/unitool/internal/app/metrics"
	"github.com/unitool-ai/unitool/internal/app/schema"
	"github.com/unitool-ai/unitool/internal/app/services/credentials"
	"github.com/unitool-ai/unitool/internal/app/services/executor"
	"github.com/unitool-ai/unitool/internal/app/storage"
	"github.com/unitool-ai/unitool/pkg/logger"
)

// ErrFunctionDisabled marks a call against a disabled function or app.
var ErrFunctionDisabled = errors.New("function is disabled")

// Executor sends the assembled request upstream.
type Executor interface {
	Execute(ctx context.Context, def function.Definition, parts executor.RequestParts) (function.ExecutionResult, error)
}

// Service manages function definitions and runs executions.
type Service struct {
	apps       storage.AppStore
	functions  storage.FunctionStore
	accounts   storage.LinkedAccountStore
	normalizer *schema.Normalizer
	resolver   *credentials.Resolver
	executor   Executor
	log        *logger.Logger
}

// New constructs a function service.
func New(
	apps storage.AppStore,
	functions storage.FunctionStore,
	accounts storage.LinkedAccountStore,
	resolver *credentials.Resolver,
	exec Executor,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("functions")
	}
	return &Service{
		apps:       apps,
		functions:  functions,
		accounts:   accounts,
		normalizer: schema.NewNormalizer(),
		resolver:   resolver,
		executor:   exec,
		log:        log,
	}
}

// List returns function definitions sorted by name, optionally filtered by a
// case-insensitive name prefix.
func (s *Service) List(ctx context.Context, prefix string) ([]function.Definition, error) {
	defs, err := s.functions.ListFunctions(ctx, "")
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		upper := strings.ToUpper(prefix)
		filtered := defs[:0]
		for _, def := range defs {
			if strings.HasPrefix(def.Name, upper) {
				filtered = append(filtered, def)
			}
		}
		defs = filtered
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Get retrieves a function definition by name.
func (s *Service) Get(ctx context.Context, name string) (function.Definition, error) {
	return s.functions.GetFunctionByName(ctx, name)
}

// VisibleSchema returns the caller-facing subset of a function's parameter
// schema, with invisible properties removed.
func (s *Service) VisibleSchema(ctx context.Context, name string) (*schema.Object, error) {
	def, err := s.functions.GetFunctionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if def.Parameters == nil {
		return &schema.Object{Type: "object"}, nil
	}
	return schema.VisibleOnly(def.Parameters), nil
}

// Execute runs a function for an end user. Validation and credential
// resolution failures are returned as errors; upstream failures come back as
// a failed ExecutionResult.
func (s *Service) Execute(ctx context.Context, name, projectID, ownerID string, input map[string]any) (function.ExecutionResult, error) {
	start := time.Now()
	appName := "unknown"
	result, err := func() (function.ExecutionResult, error) {
		def, err := s.functions.GetFunctionByName(ctx, name)
		if err != nil {
			return function.ExecutionResult{}, err
		}
		a, err := s.apps.GetApp(ctx, def.AppID)
		if err != nil {
			return function.ExecutionResult{}, fmt.Errorf("app for function %s: %w", name, err)
		}
		appName = a.Name
		if !def.Enabled || !a.Enabled {
			return function.ExecutionResult{}, fmt.Errorf("%w: %s", ErrFunctionDisabled, name)
		}

		// The cache key carries the update time so a re-imported schema is
		// recompiled rather than validated against the previous version.
		cacheKey := fmt.Sprintf("%s@%d", def.ID, def.UpdatedAt.UnixNano())
		normalized, err := s.normalizer.Normalize(cacheKey, def.Parameters, input)
		if err != nil {
			return function.ExecutionResult{}, err
		}

		acct, err := s.accounts.FindLinkedAccount(ctx, projectID, a.ID, ownerID)
		if err != nil {
			return function.ExecutionResult{}, fmt.Errorf("linked account for app %s, owner %s: %w", a.Name, ownerID, err)
		}
		resolved, err := s.resolver.Resolve(ctx, a, acct)
		if err != nil {
			return function.ExecutionResult{}, err
		}
		if resolved.Refreshed {
			metrics.RecordTokenRefresh(a.Name, true)
		}

		parts, err := executor.Inject(executor.PartsFromInput(normalized), resolved.Scheme, resolved.Credentials)
		if err != nil {
			return function.ExecutionResult{}, fmt.Errorf("inject credentials for %s: %w", name, err)
		}

		return s.executor.Execute(ctx, def, parts)
	}()

	status := "success"
	if err != nil || !result.Success {
		status = "failure"
	}
	metrics.RecordFunctionExecution(appName, status, time.Since(start))
	if err != nil {
		s.log.WithError(err).Warnf("execution of %s failed", name)
	}
	return result, err
}
