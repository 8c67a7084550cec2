package storage_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/unitool-ai/unitool/internal/app/domain/linkedaccount"
	"github.com/unitool-ai/unitool/internal/app/storage"
	"github.com/unitool-ai/unitool/internal/app/storage/memory"
	"github.com/unitool-ai/unitool/internal/secrets"
)

func newEncrypted(t *testing.T) (*storage.EncryptedLinkedAccounts, *memory.Store) {
	t.Helper()
	cipher, err := secrets.NewAESCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	inner := memory.New()
	return storage.NewEncryptedLinkedAccounts(inner, cipher), inner
}

func TestEncryptedStoreSealsAtRest(t *testing.T) {
	ctx := context.Background()
	store, inner := newEncrypted(t)

	plaintext := json.RawMessage(`{"secret_key":"sk-live"}`)
	created, err := store.CreateLinkedAccount(ctx, linkedaccount.LinkedAccount{
		ProjectID: "proj-1", AppID: "app-1", OwnerID: "user-1",
		Credentials: plaintext,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Callers see plaintext.
	if string(created.Credentials) != string(plaintext) {
		t.Fatalf("caller got sealed payload: %s", created.Credentials)
	}

	// The backing store does not.
	raw, err := inner.GetLinkedAccount(ctx, created.ID)
	if err != nil {
		t.Fatalf("inner get: %v", err)
	}
	if strings.Contains(string(raw.Credentials), "sk-live") {
		t.Fatalf("credentials stored in plaintext: %s", raw.Credentials)
	}
	var sealed struct {
		Sealed string `json:"sealed"`
	}
	if err := json.Unmarshal(raw.Credentials, &sealed); err != nil || sealed.Sealed == "" {
		t.Fatalf("stored payload is not a sealed envelope: %s", raw.Credentials)
	}

	opened, err := store.GetLinkedAccount(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(opened.Credentials) != string(plaintext) {
		t.Fatalf("open mismatch: %s", opened.Credentials)
	}
}

func TestEncryptedStoreConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := newEncrypted(t)

	created, _ := store.CreateLinkedAccount(ctx, linkedaccount.LinkedAccount{
		ProjectID: "proj-1", AppID: "app-1", OwnerID: "user-1",
		Credentials: json.RawMessage(`{"access_token":"old"}`),
	})

	updated, err := store.UpdateLinkedAccountCredentials(ctx, created.ID, json.RawMessage(`{"access_token":"new"}`), created.Version)
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if string(updated.Credentials) != `{"access_token":"new"}` {
		t.Fatalf("update not opened: %s", updated.Credentials)
	}
}

func TestEncryptedStoreListOpensAll(t *testing.T) {
	ctx := context.Background()
	store, _ := newEncrypted(t)

	for _, owner := range []string{"user-1", "user-2"} {
		_, err := store.CreateLinkedAccount(ctx, linkedaccount.LinkedAccount{
			ProjectID: "proj-1", AppID: "app-1", OwnerID: owner,
			Credentials: json.RawMessage(`{"secret_key":"` + owner + `"}`),
		})
		if err != nil {
			t.Fatalf("create %s: %v", owner, err)
		}
	}

	accounts, err := store.ListLinkedAccounts(ctx, storage.LinkedAccountFilter{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, acct := range accounts {
		if !strings.Contains(string(acct.Credentials), acct.OwnerID) {
			t.Fatalf("account %s not opened: %s", acct.ID, acct.Credentials)
		}
	}
}

func TestEncryptedStoreLegacyPlaintextPassthrough(t *testing.T) {
	ctx := context.Background()
	store, inner := newEncrypted(t)

	// A record written before encryption was enabled.
	created, err := inner.CreateLinkedAccount(ctx, linkedaccount.LinkedAccount{
		ProjectID: "proj-1", AppID: "app-1", OwnerID: "user-1",
		Credentials: json.RawMessage(`{"secret_key":"legacy"}`),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := store.GetLinkedAccount(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Credentials) != `{"secret_key":"legacy"}` {
		t.Fatalf("legacy record mangled: %s", got.Credentials)
	}
}

func TestEncryptedStoreEmptyCredentials(t *testing.T) {
	ctx := context.Background()
	store, _ := newEncrypted(t)

	created, err := store.CreateLinkedAccount(ctx, linkedaccount.LinkedAccount{
		ProjectID: "proj-1", AppID: "app-1", OwnerID: "user-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.Credentials) != 0 {
		t.Fatalf("empty credentials grew a payload: %s", created.Credentials)
	}
}
