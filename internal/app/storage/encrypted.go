package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/unitool-ai/unitool/internal/app/domain/linkedaccount"
	"github.com/unitool-ai/unitool/internal/secrets"
)

// EncryptedLinkedAccounts decorates a LinkedAccountStore so credential
// payloads are sealed before they reach the backing store and opened on the
// way out. Callers keep working with plaintext JSON.
type EncryptedLinkedAccounts struct {
	inner  LinkedAccountStore
	cipher *secrets.AESCipher
}

var _ LinkedAccountStore = (*EncryptedLinkedAccounts)(nil)

// NewEncryptedLinkedAccounts wraps the store with the given cipher.
func NewEncryptedLinkedAccounts(inner LinkedAccountStore, cipher *secrets.AESCipher) *EncryptedLinkedAccounts {
	return &EncryptedLinkedAccounts{inner: inner, cipher: cipher}
}

type sealedPayload struct {
	Sealed string `json:"sealed"`
}

func (s *EncryptedLinkedAccounts) seal(credentials json.RawMessage) (json.RawMessage, error) {
	if len(credentials) == 0 {
		return credentials, nil
	}
	encrypted, err := s.cipher.Encrypt(credentials)
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	return json.Marshal(sealedPayload{Sealed: base64.StdEncoding.EncodeToString(encrypted)})
}

func (s *EncryptedLinkedAccounts) open(acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error) {
	if len(acct.Credentials) == 0 {
		return acct, nil
	}
	var payload sealedPayload
	if err := json.Unmarshal(acct.Credentials, &payload); err != nil || payload.Sealed == "" {
		// Pre-encryption record, pass through as-is.
		return acct, nil
	}
	encrypted, err := base64.StdEncoding.DecodeString(payload.Sealed)
	if err != nil {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("decode sealed credentials: %w", err)
	}
	plaintext, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return linkedaccount.LinkedAccount{}, fmt.Errorf("open credentials for account %s: %w", acct.ID, err)
	}
	acct.Credentials = plaintext
	return acct, nil
}

func (s *EncryptedLinkedAccounts) CreateLinkedAccount(ctx context.Context, acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error) {
	sealed, err := s.seal(acct.Credentials)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	acct.Credentials = sealed
	created, err := s.inner.CreateLinkedAccount(ctx, acct)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	return s.open(created)
}

func (s *EncryptedLinkedAccounts) UpdateLinkedAccount(ctx context.Context, acct linkedaccount.LinkedAccount) (linkedaccount.LinkedAccount, error) {
	sealed, err := s.seal(acct.Credentials)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	acct.Credentials = sealed
	updated, err := s.inner.UpdateLinkedAccount(ctx, acct)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	return s.open(updated)
}

func (s *EncryptedLinkedAccounts) GetLinkedAccount(ctx context.Context, id string) (linkedaccount.LinkedAccount, error) {
	acct, err := s.inner.GetLinkedAccount(ctx, id)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	return s.open(acct)
}

func (s *EncryptedLinkedAccounts) FindLinkedAccount(ctx context.Context, projectID, appID, ownerID string) (linkedaccount.LinkedAccount, error) {
	acct, err := s.inner.FindLinkedAccount(ctx, projectID, appID, ownerID)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	return s.open(acct)
}

func (s *EncryptedLinkedAccounts) ListLinkedAccounts(ctx context.Context, filter LinkedAccountFilter) ([]linkedaccount.LinkedAccount, error) {
	accounts, err := s.inner.ListLinkedAccounts(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i, acct := range accounts {
		opened, err := s.open(acct)
		if err != nil {
			return nil, err
		}
		accounts[i] = opened
	}
	return accounts, nil
}

func (s *EncryptedLinkedAccounts) UpdateLinkedAccountCredentials(ctx context.Context, id string, credentials json.RawMessage, expectedVersion int64) (linkedaccount.LinkedAccount, error) {
	sealed, err := s.seal(credentials)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	updated, err := s.inner.UpdateLinkedAccountCredentials(ctx, id, sealed, expectedVersion)
	if err != nil {
		return linkedaccount.LinkedAccount{}, err
	}
	return s.open(updated)
}
