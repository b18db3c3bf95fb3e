// Package storage defines persistence contracts for encrypted credential
// state. It is pure data access; refresh policy lives in the custody service.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Provider identifies an external OAuth provider.
type Provider string

// Known providers.
const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Valid reports whether the provider is a known tag.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft:
		return true
	}
	return false
}

// Status is the lifecycle state of an integration.
type Status string

// Integration statuses. Revoked is terminal and only set by an external
// disconnect; error requires re-authorization to leave.
const (
	StatusConnected Status = "connected"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
	StatusError     Status = "error"
)

// TokenKind distinguishes the stored credential rows of one integration.
type TokenKind string

// Credential kinds.
const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// EncryptedCredential holds one encrypted token for an integration.
//
// Ciphertext is opaque to storage: nonce and authentication tag live inside
// the envelope. ExpiresAt is nil for refresh tokens, which are treated as
// long-lived until revoked.
type EncryptedCredential struct {
	Kind       TokenKind
	Ciphertext []byte
	KeyID      string
	ExpiresAt  *time.Time
	UpdatedAt  time.Time
}

// Integration is one connected OAuth relationship between a user and a
// provider, with its encrypted credentials attached.
type Integration struct {
	UserID        string
	Provider      Provider
	Status        Status
	GrantedScopes []string
	AccountEmail  string
	AccountName   string
	ConnectedAt   time.Time
	LastRefreshAt *time.Time
	Credentials   map[TokenKind]EncryptedCredential
}

// Key identifies one integration.
type Key struct {
	UserID   string
	Provider Provider
}

// CredentialStore persists integrations and their encrypted credentials.
//
// Implementations must keep single-row writes atomic with respect to
// concurrent readers: a reader never observes a half-written credential.
// Failures surface as-is; retry policy belongs to the caller.
type CredentialStore interface {
	// GetIntegration loads one integration with all of its credentials.
	GetIntegration(ctx context.Context, userID string, provider Provider) (Integration, error)
	// PutIntegration upserts the integration row. At most one row exists
	// per (user, provider); re-authorization overwrites a revoked row.
	PutIntegration(ctx context.Context, integration Integration) error
	// PutCredential atomically replaces one credential row.
	PutCredential(ctx context.Context, userID string, provider Provider, credential EncryptedCredential) error
	// MarkStatus updates the integration lifecycle status.
	MarkStatus(ctx context.Context, userID string, provider Provider, status Status, at time.Time) error
	// RecordRefresh marks a successful refresh: status returns to connected,
	// the last-refresh timestamp advances, and granted scopes are replaced
	// when the provider returned a scope set.
	RecordRefresh(ctx context.Context, userID string, provider Provider, at time.Time, grantedScopes []string) error
	// ListExpiring returns keys of non-revoked integrations whose access
	// credential expires before the given instant, soonest first.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]Key, error)
}
