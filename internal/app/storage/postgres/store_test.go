package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/unitool-ai/unitool/internal/app/domain/app"
	"github.com/unitool-ai/unitool/internal/app/domain/function"
	"github.com/unitool-ai/unitool/internal/app/domain/linkedaccount"
	"github.com/unitool-ai/unitool/internal/app/security"
	"github.com/unitool-ai/unitool/internal/app/storage"
	"github.com/unitool-ai/unitool/internal/platform/migrations"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping db: %v", err)
	}
	if err := migrations.Apply(db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestStoreIntegration(t *testing.T) {
	db := openTestDB(t)
	store := New(db)
	ctx := context.Background()

	// Unique per run so repeated runs against the same database do not
	// collide on the apps name constraint.
	appName := "ITEST_" + uuid.NewString()[:8]

	created, err := store.CreateApp(ctx, app.App{
		Name:    appName,
		Enabled: true,
		SecuritySchemes: map[security.SchemeKind]json.RawMessage{
			security.SchemeAPIKey: json.RawMessage(`{"location":"header","name":"X-Api-Key"}`),
		},
	})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	if created.ID == "" {
		t.Fatal("create app assigned no id")
	}

	byName, err := store.GetAppByName(ctx, appName)
	if err != nil {
		t.Fatalf("get app by name: %v", err)
	}
	if byName.ID != created.ID {
		t.Fatalf("lookup mismatch: %s vs %s", byName.ID, created.ID)
	}
	if _, ok := byName.SecuritySchemes[security.SchemeAPIKey]; !ok {
		t.Fatal("security schemes not round-tripped")
	}

	if _, err := store.CreateApp(ctx, app.App{Name: appName}); err == nil {
		t.Fatal("expected duplicate app name rejection")
	}

	fn, err := store.CreateFunction(ctx, function.Definition{
		AppID:    created.ID,
		Name:     appName + "__PING",
		Enabled:  true,
		Protocol: function.ProtocolREST,
		Rest: function.RestMetadata{
			Method:    "GET",
			ServerURL: "https://api.example.com",
			Path:      "/ping",
		},
	})
	if err != nil {
		t.Fatalf("create function: %v", err)
	}

	fetched, err := store.GetFunctionByName(ctx, fn.Name)
	if err != nil {
		t.Fatalf("get function by name: %v", err)
	}
	if fetched.Rest.Path != "/ping" {
		t.Fatalf("rest metadata lost: %+v", fetched.Rest)
	}

	fns, err := store.ListFunctions(ctx, created.ID)
	if err != nil {
		t.Fatalf("list functions: %v", err)
	}
	if len(fns) != 1 {
		t.Fatalf("expected 1 function, got %d", len(fns))
	}

	acct, err := store.CreateLinkedAccount(ctx, linkedaccount.LinkedAccount{
		ProjectID:   "proj-itest",
		AppID:       created.ID,
		OwnerID:     "user-itest",
		Scheme:      security.SchemeAPIKey,
		Credentials: json.RawMessage(`{"secret_key":"sk-1"}`),
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("create linked account: %v", err)
	}
	if acct.Version != 1 {
		t.Fatalf("initial version: %d", acct.Version)
	}

	found, err := store.FindLinkedAccount(ctx, "proj-itest", created.ID, "user-itest")
	if err != nil {
		t.Fatalf("find linked account: %v", err)
	}
	if found.ID != acct.ID {
		t.Fatalf("find mismatch: %s vs %s", found.ID, acct.ID)
	}

	accounts, err := store.ListLinkedAccounts(ctx, storage.LinkedAccountFilter{
		ProjectID: "proj-itest",
		Scheme:    security.SchemeAPIKey,
	})
	if err != nil {
		t.Fatalf("list linked accounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
}

func TestStoreConditionalCredentialUpdate(t *testing.T) {
	db := openTestDB(t)
	store := New(db)
	ctx := context.Background()

	created, err := store.CreateApp(ctx, app.App{
		Name:    "ITEST_" + uuid.NewString()[:8],
		Enabled: true,
		SecuritySchemes: map[security.SchemeKind]json.RawMessage{
			security.SchemeOAuth2: json.RawMessage(`{"client_id":"cid","client_secret":"cs","authorize_url":"https://p.example/a","access_token_url":"https://p.example/t"}`),
		},
	})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}

	acct, err := store.CreateLinkedAccount(ctx, linkedaccount.LinkedAccount{
		ProjectID:   "proj-itest",
		AppID:       created.ID,
		OwnerID:     fmt.Sprintf("user-%d", time.Now().UnixNano()),
		Scheme:      security.SchemeOAuth2,
		Credentials: json.RawMessage(`{"access_token":"old"}`),
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("create linked account: %v", err)
	}

	updated, err := store.UpdateLinkedAccountCredentials(ctx, acct.ID, json.RawMessage(`{"access_token":"new"}`), acct.Version)
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if updated.Version != acct.Version+1 {
		t.Fatalf("version not bumped: %d", updated.Version)
	}

	// Stale writer must lose.
	_, err = store.UpdateLinkedAccountCredentials(ctx, acct.ID, json.RawMessage(`{"access_token":"stale"}`), acct.Version)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	// Unknown id maps to not found.
	_, err = store.UpdateLinkedAccountCredentials(ctx, uuid.NewString(), json.RawMessage(`{}`), 1)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
