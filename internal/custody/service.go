package custody

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okonek/tokenvault/internal/custody/audit"
	"github.com/okonek/tokenvault/internal/custody/provider"
	"github.com/okonek/tokenvault/internal/custody/scopes"
	"github.com/okonek/tokenvault/internal/custody/secret"
	"github.com/okonek/tokenvault/internal/custody/storage"
	apperrors "github.com/okonek/tokenvault/internal/platform/errors"
)

const (
	// DefaultExpiryBuffer is the safety margin before true expiry at which
	// a token is considered stale and refreshed proactively.
	DefaultExpiryBuffer = 5 * time.Minute

	// DefaultProviderTimeout bounds one provider refresh round-trip.
	DefaultProviderTimeout = 10 * time.Second

	// fallbackTokenTTL applies when a provider omits expires_in.
	fallbackTokenTTL = time.Hour
)

// Config tunes service behavior. Zero values fall back to defaults.
type Config struct {
	ExpiryBuffer    time.Duration
	ProviderTimeout time.Duration
	Clock           func() time.Time
}

// Token is one decrypted access token handed to a caller.
type Token struct {
	AccessToken   string
	ExpiresAt     time.Time
	GrantedScopes []string
}

// Service coordinates credential reads, decryption, and refreshes.
type Service struct {
	store           storage.CredentialStore
	deriver         *secret.Deriver
	exchanger       provider.Exchanger
	emitter         audit.Emitter
	clock           func() time.Time
	expiryBuffer    time.Duration
	providerTimeout time.Duration
	refreshes       singleflight.Group
}

// NewService builds a custody service. The emitter may be nil; audit loss
// never affects token operations.
func NewService(store storage.CredentialStore, deriver *secret.Deriver, exchanger provider.Exchanger, emitter audit.Emitter, config Config) (*Service, error) {
	if store == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "credential store is required")
	}
	if deriver == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "key deriver is required")
	}
	if exchanger == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "provider exchanger is required")
	}

	service := &Service{
		store:           store,
		deriver:         deriver,
		exchanger:       exchanger,
		emitter:         emitter,
		clock:           config.Clock,
		expiryBuffer:    config.ExpiryBuffer,
		providerTimeout: config.ProviderTimeout,
	}
	if service.clock == nil {
		service.clock = time.Now
	}
	if service.expiryBuffer <= 0 {
		service.expiryBuffer = DefaultExpiryBuffer
	}
	if service.providerTimeout <= 0 {
		service.providerTimeout = DefaultProviderTimeout
	}
	return service, nil
}

// GetValidToken returns a decrypted access token for (user, provider) that is
// neither expired nor expiring within the configured buffer, refreshing it
// first when necessary, and verifies the grant covers requiredScopes.
func (s *Service) GetValidToken(ctx context.Context, userID string, prov storage.Provider, requiredScopes []string) (Token, error) {
	if s == nil {
		return Token{}, apperrors.New(apperrors.CodeConfiguration, "custody service is not configured")
	}

	integration, err := s.loadIntegration(ctx, userID, prov)
	if err != nil {
		return Token{}, err
	}

	access, ok := integration.Credentials[storage.TokenKindAccess]
	if !ok {
		return Token{}, apperrors.WithMetadata(apperrors.CodeTokenNotFound,
			"no access credential stored", s.meta(userID, prov, "get_valid_token"))
	}

	if s.isFresh(access) {
		key, err := s.deriver.Derive(userID)
		if err != nil {
			return Token{}, err
		}
		plaintext, err := secret.Decrypt(access.Ciphertext, key)
		if err != nil {
			return Token{}, err
		}
		if err := scopes.Validate(requiredScopes, integration.GrantedScopes); err != nil {
			return Token{}, err
		}
		s.emit(ctx, audit.EventTokenIssued, userID, prov, map[string]string{"source": "stored"})
		return Token{
			AccessToken:   string(plaintext),
			ExpiresAt:     *access.ExpiresAt,
			GrantedScopes: integration.GrantedScopes,
		}, nil
	}

	outcome, err := s.refresh(ctx, userID, prov)
	if err != nil {
		return Token{}, err
	}
	if err := scopes.Validate(requiredScopes, outcome.scopes); err != nil {
		return Token{}, err
	}
	s.emit(ctx, audit.EventTokenIssued, userID, prov, map[string]string{"source": "refresh"})
	return Token{
		AccessToken:   outcome.accessToken,
		ExpiresAt:     outcome.expiresAt,
		GrantedScopes: outcome.scopes,
	}, nil
}

// EnsureFresh refreshes the access token for (user, provider) when it is
// expired or expiring within the buffer. It never decrypts the access token
// on the fresh path and applies no scope gate; the maintenance refresher
// calls it periodically.
func (s *Service) EnsureFresh(ctx context.Context, userID string, prov storage.Provider) error {
	if s == nil {
		return apperrors.New(apperrors.CodeConfiguration, "custody service is not configured")
	}

	integration, err := s.loadIntegration(ctx, userID, prov)
	if err != nil {
		return err
	}
	access, ok := integration.Credentials[storage.TokenKindAccess]
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeTokenNotFound,
			"no access credential stored", s.meta(userID, prov, "ensure_fresh"))
	}
	if s.isFresh(access) {
		return nil
	}
	_, err = s.refresh(ctx, userID, prov)
	return err
}

func (s *Service) loadIntegration(ctx context.Context, userID string, prov storage.Provider) (storage.Integration, error) {
	integration, err := s.store.GetIntegration(ctx, userID, prov)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Integration{}, apperrors.WithMetadata(apperrors.CodeIntegrationNotFound,
				"integration not found", s.meta(userID, prov, "load_integration"))
		}
		return storage.Integration{}, apperrors.WrapWithMetadata(apperrors.CodeStorageFailure,
			"load integration", s.meta(userID, prov, "load_integration"), err)
	}
	if integration.Status == storage.StatusRevoked {
		return storage.Integration{}, apperrors.WithMetadata(apperrors.CodeIntegrationNotFound,
			"integration is revoked", s.meta(userID, prov, "load_integration"))
	}
	return integration, nil
}

// isFresh reports whether the access credential outlives the expiry buffer.
func (s *Service) isFresh(access storage.EncryptedCredential) bool {
	if access.ExpiresAt == nil {
		// Access tokens always carry an expiry; a missing one forces a refresh.
		return false
	}
	return s.clock().UTC().Add(s.expiryBuffer).Before(*access.ExpiresAt)
}

func (s *Service) meta(userID string, prov storage.Provider, operation string) map[string]string {
	return map[string]string{
		"user_id":   userID,
		"provider":  string(prov),
		"operation": operation,
	}
}

// emit sends one audit event, ignoring emitter failures.
func (s *Service) emit(ctx context.Context, eventType audit.EventType, userID string, prov storage.Provider, detail map[string]string) {
	if s.emitter == nil {
		return
	}
	eventID, err := audit.NewEventID()
	if err != nil {
		return
	}
	_ = s.emitter.Emit(ctx, audit.Event{
		ID:       eventID,
		Type:     eventType,
		UserID:   userID,
		Provider: string(prov),
		At:       s.clock().UTC(),
		Detail:   detail,
	})
}
