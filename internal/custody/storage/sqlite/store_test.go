package sqlite

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/okonek/tokenvault/internal/custody/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir() + "/custody.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func putTestIntegration(t *testing.T, store *Store, userID string, provider storage.Provider, now time.Time) {
	t.Helper()
	err := store.PutIntegration(context.Background(), storage.Integration{
		UserID:        userID,
		Provider:      provider,
		Status:        storage.StatusConnected,
		GrantedScopes: []string{"mail.read", "calendar.read"},
		AccountEmail:  "user@example.com",
		ConnectedAt:   now,
	})
	if err != nil {
		t.Fatalf("put integration: %v", err)
	}
}

func TestIntegrationRoundTrip(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	putTestIntegration(t, store, "user-1", storage.ProviderGoogle, now)

	integration, err := store.GetIntegration(context.Background(), "user-1", storage.ProviderGoogle)
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	if integration.Status != storage.StatusConnected {
		t.Fatalf("status = %q, want %q", integration.Status, storage.StatusConnected)
	}
	if !reflect.DeepEqual(integration.GrantedScopes, []string{"mail.read", "calendar.read"}) {
		t.Fatalf("granted scopes = %v", integration.GrantedScopes)
	}
	if !integration.ConnectedAt.Equal(now) {
		t.Fatalf("connected at = %v, want %v", integration.ConnectedAt, now)
	}
	if integration.LastRefreshAt != nil {
		t.Fatalf("expected no last refresh, got %v", integration.LastRefreshAt)
	}
	if len(integration.Credentials) != 0 {
		t.Fatalf("expected no credentials, got %d", len(integration.Credentials))
	}
}

func TestGetIntegrationMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetIntegration(context.Background(), "ghost", storage.ProviderGoogle)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPutIntegrationRejectsUnknownProvider(t *testing.T) {
	store := openTestStore(t)
	err := store.PutIntegration(context.Background(), storage.Integration{
		UserID:   "user-1",
		Provider: storage.Provider("myspace"),
		Status:   storage.StatusConnected,
	})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestPutIntegrationUpsertsOneRowPerPair(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	putTestIntegration(t, store, "user-1", storage.ProviderGoogle, now)

	err := store.PutIntegration(context.Background(), storage.Integration{
		UserID:        "user-1",
		Provider:      storage.ProviderGoogle,
		Status:        storage.StatusRevoked,
		GrantedScopes: []string{"mail.read"},
		ConnectedAt:   now,
	})
	if err != nil {
		t.Fatalf("second put: %v", err)
	}

	integration, err := store.GetIntegration(context.Background(), "user-1", storage.ProviderGoogle)
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	if integration.Status != storage.StatusRevoked {
		t.Fatalf("status = %q, want %q", integration.Status, storage.StatusRevoked)
	}
	if !reflect.DeepEqual(integration.GrantedScopes, []string{"mail.read"}) {
		t.Fatalf("granted scopes = %v", integration.GrantedScopes)
	}
}

func TestCredentialReplaceOnRefresh(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	putTestIntegration(t, store, "user-1", storage.ProviderGoogle, now)

	expires := now.Add(time.Hour)
	err := store.PutCredential(context.Background(), "user-1", storage.ProviderGoogle, storage.EncryptedCredential{
		Kind:       storage.TokenKindAccess,
		Ciphertext: []byte{0x01, 0x02},
		KeyID:      "aaaa",
		ExpiresAt:  &expires,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("put access credential: %v", err)
	}

	newExpires := now.Add(2 * time.Hour)
	err = store.PutCredential(context.Background(), "user-1", storage.ProviderGoogle, storage.EncryptedCredential{
		Kind:       storage.TokenKindAccess,
		Ciphertext: []byte{0x03, 0x04},
		KeyID:      "bbbb",
		ExpiresAt:  &newExpires,
		UpdatedAt:  now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("replace access credential: %v", err)
	}

	integration, err := store.GetIntegration(context.Background(), "user-1", storage.ProviderGoogle)
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	if len(integration.Credentials) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(integration.Credentials))
	}
	credential := integration.Credentials[storage.TokenKindAccess]
	if !reflect.DeepEqual(credential.Ciphertext, []byte{0x03, 0x04}) {
		t.Fatalf("ciphertext = %v, want replaced bytes", credential.Ciphertext)
	}
	if credential.KeyID != "bbbb" {
		t.Fatalf("key id = %q, want %q", credential.KeyID, "bbbb")
	}
	if credential.ExpiresAt == nil || !credential.ExpiresAt.Equal(newExpires) {
		t.Fatalf("expires at = %v, want %v", credential.ExpiresAt, newExpires)
	}
}

func TestRefreshCredentialHasNoExpiry(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	putTestIntegration(t, store, "user-1", storage.ProviderGoogle, now)

	err := store.PutCredential(context.Background(), "user-1", storage.ProviderGoogle, storage.EncryptedCredential{
		Kind:       storage.TokenKindRefresh,
		Ciphertext: []byte{0x05},
		KeyID:      "aaaa",
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("put refresh credential: %v", err)
	}

	integration, err := store.GetIntegration(context.Background(), "user-1", storage.ProviderGoogle)
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	credential, ok := integration.Credentials[storage.TokenKindRefresh]
	if !ok {
		t.Fatal("expected refresh credential")
	}
	if credential.ExpiresAt != nil {
		t.Fatalf("expected nil expiry for refresh token, got %v", credential.ExpiresAt)
	}
}

func TestPutCredentialRequiresIntegration(t *testing.T) {
	store := openTestStore(t)
	err := store.PutCredential(context.Background(), "ghost", storage.ProviderGoogle, storage.EncryptedCredential{
		Kind:       storage.TokenKindAccess,
		Ciphertext: []byte{0x01},
		KeyID:      "aaaa",
		UpdatedAt:  time.Now(),
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkStatusAndRecordRefresh(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	putTestIntegration(t, store, "user-1", storage.ProviderMicrosoft, now)

	if err := store.MarkStatus(context.Background(), "user-1", storage.ProviderMicrosoft, storage.StatusError, now); err != nil {
		t.Fatalf("mark status: %v", err)
	}
	integration, err := store.GetIntegration(context.Background(), "user-1", storage.ProviderMicrosoft)
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	if integration.Status != storage.StatusError {
		t.Fatalf("status = %q, want %q", integration.Status, storage.StatusError)
	}

	refreshedAt := now.Add(time.Minute)
	if err := store.RecordRefresh(context.Background(), "user-1", storage.ProviderMicrosoft, refreshedAt, []string{"mail.send"}); err != nil {
		t.Fatalf("record refresh: %v", err)
	}
	integration, err = store.GetIntegration(context.Background(), "user-1", storage.ProviderMicrosoft)
	if err != nil {
		t.Fatalf("get integration after refresh: %v", err)
	}
	if integration.Status != storage.StatusConnected {
		t.Fatalf("status = %q, want %q", integration.Status, storage.StatusConnected)
	}
	if integration.LastRefreshAt == nil || !integration.LastRefreshAt.Equal(refreshedAt) {
		t.Fatalf("last refresh = %v, want %v", integration.LastRefreshAt, refreshedAt)
	}
	if !reflect.DeepEqual(integration.GrantedScopes, []string{"mail.send"}) {
		t.Fatalf("granted scopes = %v, want replaced set", integration.GrantedScopes)
	}
}

func TestRecordRefreshKeepsScopesWhenProviderOmitsThem(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	putTestIntegration(t, store, "user-1", storage.ProviderGoogle, now)

	if err := store.RecordRefresh(context.Background(), "user-1", storage.ProviderGoogle, now.Add(time.Minute), nil); err != nil {
		t.Fatalf("record refresh: %v", err)
	}
	integration, err := store.GetIntegration(context.Background(), "user-1", storage.ProviderGoogle)
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	if !reflect.DeepEqual(integration.GrantedScopes, []string{"mail.read", "calendar.read"}) {
		t.Fatalf("granted scopes = %v, want original set", integration.GrantedScopes)
	}
}

func TestMarkStatusMissingIntegration(t *testing.T) {
	store := openTestStore(t)
	err := store.MarkStatus(context.Background(), "ghost", storage.ProviderGoogle, storage.StatusError, time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListExpiring(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)

	putTestIntegration(t, store, "soon", storage.ProviderGoogle, now)
	putTestIntegration(t, store, "later", storage.ProviderGoogle, now)
	putTestIntegration(t, store, "revoked", storage.ProviderGoogle, now)
	if err := store.MarkStatus(context.Background(), "revoked", storage.ProviderGoogle, storage.StatusRevoked, now); err != nil {
		t.Fatalf("mark revoked: %v", err)
	}

	putAccess := func(userID string, expires time.Time) {
		t.Helper()
		err := store.PutCredential(context.Background(), userID, storage.ProviderGoogle, storage.EncryptedCredential{
			Kind:       storage.TokenKindAccess,
			Ciphertext: []byte{0x01},
			KeyID:      "aaaa",
			ExpiresAt:  &expires,
			UpdatedAt:  now,
		})
		if err != nil {
			t.Fatalf("put access for %s: %v", userID, err)
		}
	}
	putAccess("soon", now.Add(time.Minute))
	putAccess("later", now.Add(time.Hour))
	putAccess("revoked", now.Add(time.Minute))

	keys, err := store.ListExpiring(context.Background(), now.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 expiring key, got %d: %v", len(keys), keys)
	}
	if keys[0].UserID != "soon" || keys[0].Provider != storage.ProviderGoogle {
		t.Fatalf("unexpected key %v", keys[0])
	}
}
