// Package sqlite provides a SQLite-backed credential store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/okonek/tokenvault/internal/custody/storage"
	"github.com/okonek/tokenvault/internal/custody/storage/sqlite/migrations"
	"github.com/okonek/tokenvault/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store persists custody state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite custody store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func optionalMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}

func encodeScopes(scopes []string) (string, error) {
	if scopes == nil {
		scopes = []string{}
	}
	raw, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("encode scopes: %w", err)
	}
	return string(raw), nil
}

func decodeScopes(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	if len(scopes) == 0 {
		return nil, nil
	}
	return scopes, nil
}

// PutIntegration upserts the integration row for (user, provider).
func (s *Store) PutIntegration(ctx context.Context, integration storage.Integration) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	userID := strings.TrimSpace(integration.UserID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if !integration.Provider.Valid() {
		return fmt.Errorf("provider %q is unknown", integration.Provider)
	}
	scopesJSON, err := encodeScopes(integration.GrantedScopes)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO integrations
		   (user_id, provider, status, granted_scopes, account_email, account_name, connected_at, last_refresh_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET
		   status = excluded.status,
		   granted_scopes = excluded.granted_scopes,
		   account_email = excluded.account_email,
		   account_name = excluded.account_name,
		   connected_at = excluded.connected_at,
		   last_refresh_at = excluded.last_refresh_at,
		   updated_at = excluded.updated_at`,
		userID, string(integration.Provider), string(integration.Status), scopesJSON,
		integration.AccountEmail, integration.AccountName,
		toMillis(integration.ConnectedAt), optionalMillis(integration.LastRefreshAt),
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put integration: %w", err)
	}
	return nil
}

// GetIntegration loads one integration with its credentials.
func (s *Store) GetIntegration(ctx context.Context, userID string, provider storage.Provider) (storage.Integration, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Integration{}, err
	}

	var (
		integration   storage.Integration
		scopesJSON    string
		connectedAt   int64
		lastRefreshAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT user_id, provider, status, granted_scopes, account_email, account_name, connected_at, last_refresh_at
		 FROM integrations WHERE user_id = ? AND provider = ?`,
		userID, string(provider),
	).Scan(
		&integration.UserID, &integration.Provider, &integration.Status, &scopesJSON,
		&integration.AccountEmail, &integration.AccountName, &connectedAt, &lastRefreshAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Integration{}, storage.ErrNotFound
		}
		return storage.Integration{}, fmt.Errorf("get integration: %w", err)
	}

	integration.ConnectedAt = fromMillis(connectedAt)
	if lastRefreshAt.Valid {
		at := fromMillis(lastRefreshAt.Int64)
		integration.LastRefreshAt = &at
	}
	integration.GrantedScopes, err = decodeScopes(scopesJSON)
	if err != nil {
		return storage.Integration{}, err
	}

	integration.Credentials, err = s.credentialsFor(ctx, userID, provider)
	if err != nil {
		return storage.Integration{}, err
	}
	return integration, nil
}

func (s *Store) credentialsFor(ctx context.Context, userID string, provider storage.Provider) (map[storage.TokenKind]storage.EncryptedCredential, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT kind, ciphertext, key_id, expires_at, updated_at
		 FROM credentials WHERE user_id = ? AND provider = ?`,
		userID, string(provider),
	)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	credentials := make(map[storage.TokenKind]storage.EncryptedCredential)
	for rows.Next() {
		var (
			credential storage.EncryptedCredential
			expiresAt  sql.NullInt64
			updatedAt  int64
		)
		if err := rows.Scan(&credential.Kind, &credential.Ciphertext, &credential.KeyID, &expiresAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if expiresAt.Valid {
			at := fromMillis(expiresAt.Int64)
			credential.ExpiresAt = &at
		}
		credential.UpdatedAt = fromMillis(updatedAt)
		credentials[credential.Kind] = credential
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return credentials, nil
}

// PutCredential replaces one credential row. The upsert is a single statement
// so a concurrent reader sees either the old row or the new one, never a mix.
func (s *Store) PutCredential(ctx context.Context, userID string, provider storage.Provider, credential storage.EncryptedCredential) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(credential.Ciphertext) == 0 {
		return fmt.Errorf("ciphertext is required")
	}
	if credential.Kind != storage.TokenKindAccess && credential.Kind != storage.TokenKindRefresh {
		return fmt.Errorf("token kind %q is unknown", credential.Kind)
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO credentials (user_id, provider, kind, ciphertext, key_id, expires_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM integrations WHERE user_id = ? AND provider = ?)
		 ON CONFLICT(user_id, provider, kind) DO UPDATE SET
		   ciphertext = excluded.ciphertext,
		   key_id = excluded.key_id,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		userID, string(provider), string(credential.Kind), credential.Ciphertext,
		credential.KeyID, optionalMillis(credential.ExpiresAt), toMillis(credential.UpdatedAt),
		userID, string(provider),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("put credential rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkStatus updates the lifecycle status of one integration.
func (s *Store) MarkStatus(ctx context.Context, userID string, provider storage.Provider, status storage.Status, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE integrations SET status = ?, updated_at = ? WHERE user_id = ? AND provider = ?`,
		string(status), toMillis(at), userID, string(provider),
	)
	if err != nil {
		return fmt.Errorf("mark status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark status rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RecordRefresh marks one successful refresh in a single row write.
func (s *Store) RecordRefresh(ctx context.Context, userID string, provider storage.Provider, at time.Time, grantedScopes []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	query := `UPDATE integrations SET status = ?, last_refresh_at = ?, updated_at = ? WHERE user_id = ? AND provider = ?`
	args := []any{string(storage.StatusConnected), toMillis(at), toMillis(at), userID, string(provider)}
	if len(grantedScopes) > 0 {
		scopesJSON, err := encodeScopes(grantedScopes)
		if err != nil {
			return err
		}
		query = `UPDATE integrations SET status = ?, last_refresh_at = ?, updated_at = ?, granted_scopes = ? WHERE user_id = ? AND provider = ?`
		args = []any{string(storage.StatusConnected), toMillis(at), toMillis(at), scopesJSON, userID, string(provider)}
	}

	result, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record refresh: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record refresh rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListExpiring returns non-revoked integrations whose access credential
// expires before the given instant, soonest first.
func (s *Store) ListExpiring(ctx context.Context, before time.Time, limit int) ([]storage.Key, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT i.user_id, i.provider
		 FROM integrations i
		 JOIN credentials c ON c.user_id = i.user_id AND c.provider = i.provider
		 WHERE c.kind = ? AND c.expires_at IS NOT NULL AND c.expires_at < ?
		   AND i.status IN (?, ?)
		 ORDER BY c.expires_at ASC
		 LIMIT ?`,
		string(storage.TokenKindAccess), toMillis(before),
		string(storage.StatusConnected), string(storage.StatusExpired), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring: %w", err)
	}
	defer rows.Close()

	var keys []storage.Key
	for rows.Next() {
		var key storage.Key
		if err := rows.Scan(&key.UserID, &key.Provider); err != nil {
			return nil, fmt.Errorf("scan expiring key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expiring keys: %w", err)
	}
	return keys, nil
}
