package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/unitool-ai/unitool/internal/app/domain/app"
	"github.com/unitool-ai/unitool/internal/app/domain/function"
	"github.com/unitool-ai/unitool/internal/app/domain/linkedaccount"
	"github.com/unitool-ai/unitool/internal/app/schema"
	"github.com/unitool-ai/unitool/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.AppStore = (*Store)(nil)
var _ storage.FunctionStore = (*Store)(nil)
var _ storage.LinkedAccountStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- AppStore ---------------------------------------------------------------

func (s *Store) CreateApp(ctx context.Context, a app.App) (app.App, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	schemesJSON, err := json.Marshal(a.SecuritySchemes)
	if err != nil {
		return app.App{}, err
	}
	defaultsJSON, err := json.Marshal(a.DefaultCredentials)
	if err != nil {
		return app.App{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO apps (id, name, description, enabled, security_schemes, default_credentials, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Name, a.Description, a.Enabled, schemesJSON, defaultsJSON, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return app.App{}, err
	}
	return a, nil
}

func (s *Store) UpdateApp(ctx context.Context, a app.App) (app.App, error) {
	existing, err := s.GetApp(ctx, a.ID)
	if err != nil {
		return app.App{}, err
	}

	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()

	schemesJSON, err := json.Marshal(a.SecuritySchemes)
	if err != nil {
		return app.App{}, err
	}
	defaultsJSON, err := json.Marshal(a.DefaultCredentials)
	if err != nil {
		return app.App{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE apps
		SET name = $2, description = $3, enabled = $4, security_schemes = $5, default_credentials = $6, updated_at = $7
		WHERE id = $1
	`, a.ID, a.Name, a.Description, a.Enabled, schemesJSON, defaultsJSON, a.UpdatedAt)
	if err != nil {
		return app.App{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return app.App{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetApp(ctx context.Context, id string) (app.App, error) {
	return s.scanApp(s.db.QueryRowContext(ctx, `
		SELECT id, name, description, enabled, security_schemes, default_credentials, created_at, updated_at
		FROM apps
		WHERE id = $1
	`, id))
}

func (s *Store) GetAppByName(ctx context.Context, name string) (app.App, error) {
	return s.scanApp(s.db.QueryRowContext(ctx, `
		SELECT id, name, description, enabled, security_schemes, default_credentials, created_at, updated_at
		FROM apps
		WHERE name = $1
	`, name))
}

func (s *Store) ListApps(ctx context.Context) ([]app.App, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, enabled, security_schemes, default_credentials, created_at, updated_at
		FROM apps
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []app.App
	for rows.Next() {
		a, err := s.scanApp(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanApp(row rowScanner) (app.App, error) {
	var (
		a           app.App
		schemesRaw  []byte
		defaultsRaw []byte
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Enabled, &schemesRaw, &defaultsRaw, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return app.App{}, storage.ErrNotFound
		}
		return app.App{}, err
	}
	if len(schemesRaw) > 0 {
		_ = json.Unmarshal(schemesRaw, &a.SecuritySchemes)
	}
	if len(defaultsRaw) > 0 {
		_ = json.Unmarshal(defaultsRaw, &a.DefaultCredentials)
	}
	return a, nil
}

// --- FunctionStore ----------------------------------------------------------

func (s *Store) CreateFunction(ctx context.Context, def function.Definition) (function.Definition, error) {
	if def.AppID == "" {
		return function.Definition{}, errors.New("app_id required")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	parametersJSON, err := json.Marshal(def.Parameters)
	if err != nil {
		return function.Definition{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO functions (id, app_id, name, description, tags, enabled, protocol, rest_method, rest_server_url, rest_path, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, def.ID, def.AppID, def.Name, def.Description, pq.Array(def.Tags), def.Enabled, def.Protocol,
		def.Rest.Method, def.Rest.ServerURL, def.Rest.Path, parametersJSON, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return function.Definition{}, err
	}
	return def, nil
}

func (s *Store) UpdateFunction(ctx context.Context, def function.Definition) (function.Definition, error) {
	existing, err := s.GetFunction(ctx, def.ID)
	if err != nil {
		return function.Definition{}, err
	}

	def.AppID = existing.AppID
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now().UTC()

	parametersJSON, err := json.Marshal(def.Parameters)
	if err != nil {
		return function.Definition{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE functions
		SET name = $2, description = $3, tags = $4, enabled = $5, protocol = $6, rest_method = $7, rest_server_url = $8, rest_path = $9, parameters = $10, updated_at = $11
		WHERE id = $1
	`, def.ID, def.Name, def.Description, pq.Array(def.Tags), def.Enabled, def.Protocol,
		def.Rest.Method, def.Rest.ServerURL, def.Rest.Path, parametersJSON, def.UpdatedAt)
	if err != nil {
		return function.Definition{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return function.Definition{}, storage.ErrNotFound
	}
	return def, nil
}

func (s *Store) GetFunction(ctx context.Context, id string) (function.Definition, error) {
	return s.scanFunction(s.db.QueryRowContext(ctx, `
		SELECT id, app_id, name, description, tags, enabled, protocol, rest_method, rest_server_url, rest_path, parameters, created_at, updated_at
		FROM functions
		WHERE id = $1
	`, id))
}

func (s *Store) GetFunctionByName(ctx context.Context, name string) (function.Definition, error) {
	return s.scanFunction(s.db.QueryRowContext(ctx, `
		SELECT id, app_id, name, description, tags, enabled, protocol, rest_method, rest_server_url, rest_path, parameters, created_at, updated_at
		FROM functions
		WHERE name = $1
	`, name))
}

func (s *Store) ListFunctions(ctx context.Context, appID string) ([]function.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_id, name, description, tags, enabled, protocol, rest_method, rest_server_url, rest_path, parameters, created_at, updated_at
		FROM functions
		WHERE $1 = '' OR app_id = $1
		ORDER BY name
	`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []function.Definition
	for rows.Next() {
		def, err := s.scanFunction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, def)
	}
	return result, rows.Err()
}

func (s *Store) scanFunction(row rowScanner) (function.Definition, error) {
	var (
		def           function.Definition
		parametersRaw []byte
	)
	if err := row.Scan(&def.ID, &def.AppID, &def.Name, &def.Description, pq.Array(&def.Tags), &def.Enabled,
		&def.Protocol, &def.Rest.Method, &def.Rest.ServerURL, &def.Rest.Path, &parametersRaw,
		&def.CreatedAt, &def.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return function.Definition{}, storage.ErrNotFound
		}
		return function.Definition{}, err
	}
	if len(parametersRaw) > 0 && string(parametersRaw) != "null" {
		def.Parameters = &schema.Object{}
		if err := json.Unmarshal(parametersRaw, def.Parameters); err != nil {
			return function.Definition{}, err
		}
	}
	return def, nil
}

// --- LinkedAccountStore -----------------------------------------------------

func (s *Store) CreateLinkedAccount(ctx context.Context, acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linked_accounts (id, project_id, app_id, owner_id, scheme, credentials, enabled, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, acct.ID, acct.ProjectID, acct.AppID, acct.OwnerID, acct.Scheme, nullableJSON(acct.Credentials),
		acct.Enabled, acct.Version, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	return acct, nil
}

func (s *Store) UpdateLinkedAccount(ctx context.Context, acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error) {
	existing, err := s.GetLinkedAccount(ctx, acct.ID)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}

	acct.ProjectID = existing.ProjectID
	acct.AppID = existing.AppID
	acct.OwnerID = existing.OwnerID
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		UPDATE linked_accounts
		SET scheme = $2, credentials = $3, enabled = $4, version = version + 1, updated_at = $5
		WHERE id = $1
		RETURNING version
	`, acct.ID, acct.Scheme, nullableJSON(acct.Credentials), acct.Enabled, acct.UpdatedAt)
	if err := row.Scan(&acct.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return linkedaccount.LinkedAccount{}, storage.ErrNotFound
		}
		return linkedaccount.LinkedAccount{}, err
	}
	return acct, nil
}

func (s *Store) GetLinkedAccount(ctx context.Context, id string) (linkedaccount.LinkedAccount, error) {
	return s.scanLinkedAccount(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, app_id, owner_id, scheme, credentials, enabled, version, created_at, updated_at
		FROM linked_accounts
		WHERE id = $1
	`, id))
}

func (s *Store) FindLinkedAccount(ctx context.Context, projectID, appID, ownerID string) (linkedaccount.LinkedAccount, error) {
	return s.scanLinkedAccount(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, app_id, owner_id, scheme, credentials, enabled, version, created_at, updated_at
		FROM linked_accounts
		WHERE project_id = $1 AND app_id = $2 AND owner_id = $3
	`, projectID, appID, ownerID))
}

func (s *Store) ListLinkedAccounts(ctx context.Context, filter storage.LinkedAccountFilter) ([]linkedaccount.LinkedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, app_id, owner_id, scheme, credentials, enabled, version, created_at, updated_at
		FROM linked_accounts
		WHERE ($1 = '' OR project_id = $1)
		  AND ($2 = '' OR app_id = $2)
		  AND ($3 = '' OR owner_id = $3)
		  AND ($4 = '' OR scheme = $4)
		ORDER BY created_at
	`, filter.ProjectID, filter.AppID, filter.OwnerID, string(filter.Scheme))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []linkedaccount.LinkedAccount
	for rows.Next() {
		acct, err := s.scanLinkedAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func (s *Store) UpdateLinkedAccountCredentials(ctx context.Context, id string, credentials json.RawMessage, expectedVersion int64) (linkedaccount.LinkedAccount, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE linked_accounts
		SET credentials = $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $4
	`, id, nullableJSON(credentials), time.Now().UTC(), expectedVersion)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Distinguish a stale version from a missing row.
		if _, err := s.GetLinkedAccount(ctx, id); err != nil {
			return linkedaccount.LinkedAccount{}, err
		}
		return linkedaccount.LinkedAccount{}, storage.ErrVersionConflict
	}
	return s.GetLinkedAccount(ctx, id)
}

func (s *Store) scanLinkedAccount(row rowScanner) (linkedaccount.LinkedAccount, error) {
	var (
		acct           linkedaccount.LinkedAccount
		credentialsRaw []byte
	)
	if err := row.Scan(&acct.ID, &acct.ProjectID, &acct.AppID, &acct.OwnerID, &acct.Scheme,
		&credentialsRaw, &acct.Enabled, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return linkedaccount.LinkedAccount{}, storage.ErrNotFound
		}
		return linkedaccount.LinkedAccount{}, err
	}
	acct.Credentials = credentialsRaw
	return acct, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
