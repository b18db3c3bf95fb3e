package custody

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/okonek/tokenvault/internal/custody/audit"
	"github.com/okonek/tokenvault/internal/custody/secret"
	"github.com/okonek/tokenvault/internal/custody/storage"
	apperrors "github.com/okonek/tokenvault/internal/platform/errors"
)

var tracer = otel.Tracer("github.com/okonek/tokenvault/internal/custody")

// refreshOutcome is the shared result of one refresh cycle, fanned out to
// every caller that waited on it.
type refreshOutcome struct {
	accessToken string
	expiresAt   time.Time
	scopes      []string
}

// refresh deduplicates concurrent refreshes per (user, provider). The first
// caller becomes the owner and performs the cycle; later callers attach as
// waiters and block on the shared outcome. The registry entry lives exactly
// as long as the cycle: singleflight removes it when the owner returns.
func (s *Service) refresh(ctx context.Context, userID string, prov storage.Provider) (refreshOutcome, error) {
	key := userID + "/" + string(prov)
	ch := s.refreshes.DoChan(key, func() (any, error) {
		// The cycle runs detached from the triggering caller so one
		// cancellation cannot poison the outcome shared by all waiters.
		cycleCtx := context.WithoutCancel(ctx)
		return s.performRefresh(cycleCtx, userID, prov)
	})

	select {
	case result := <-ch:
		if result.Err != nil {
			return refreshOutcome{}, result.Err
		}
		return result.Val.(refreshOutcome), nil
	case <-ctx.Done():
		// This waiter gives up; the owner's cycle keeps running for the rest.
		return refreshOutcome{}, ctx.Err()
	}
}

// performRefresh executes one full refresh cycle: at most one provider call
// and one credential write per (user, provider) per cycle.
func (s *Service) performRefresh(ctx context.Context, userID string, prov storage.Provider) (refreshOutcome, error) {
	ctx, span := tracer.Start(ctx, "custody.refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String("custody.provider", string(prov)),
	)

	integration, err := s.loadIntegration(ctx, userID, prov)
	if err != nil {
		return refreshOutcome{}, err
	}

	// Another cycle may have committed between the caller's staleness check
	// and this one becoming owner. Serve the stored token when it is already
	// fresh instead of spending a second provider round-trip.
	if access, ok := integration.Credentials[storage.TokenKindAccess]; ok && s.isFresh(access) {
		key, err := s.deriver.Derive(userID)
		if err != nil {
			return refreshOutcome{}, err
		}
		plaintext, err := secret.Decrypt(access.Ciphertext, key)
		if err != nil {
			return refreshOutcome{}, err
		}
		return refreshOutcome{
			accessToken: string(plaintext),
			expiresAt:   *access.ExpiresAt,
			scopes:      integration.GrantedScopes,
		}, nil
	}

	refreshCred, ok := integration.Credentials[storage.TokenKindRefresh]
	if !ok {
		// Dead end: re-authorization is required, nothing to retry.
		failure := apperrors.WithMetadata(apperrors.CodeRefreshTokenNotFound,
			"no refresh credential stored", s.meta(userID, prov, "refresh"))
		s.failRefresh(ctx, userID, prov, failure)
		return refreshOutcome{}, failure
	}

	now := s.clock().UTC()
	if integration.Status == storage.StatusConnected {
		// The refresh window was missed; record the expired state while the
		// cycle is in flight. Advisory only, the cycle proceeds regardless.
		_ = s.store.MarkStatus(ctx, userID, prov, storage.StatusExpired, now)
	}

	key, err := s.deriver.Derive(userID)
	if err != nil {
		return refreshOutcome{}, err
	}
	refreshToken, err := secret.Decrypt(refreshCred.Ciphertext, key)
	if err != nil {
		return refreshOutcome{}, err
	}

	providerCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	grant, err := s.exchanger.Refresh(providerCtx, prov, string(refreshToken))
	cancel()
	if err != nil {
		failure := err
		if !apperrors.HasCode(err, apperrors.CodeProviderFailure) {
			failure = apperrors.WrapWithMetadata(apperrors.CodeProviderFailure,
				"provider refresh failed", s.meta(userID, prov, "refresh"), err)
		}
		s.failRefresh(ctx, userID, prov, failure)
		return refreshOutcome{}, failure
	}

	now = s.clock().UTC()
	expiresAt := grant.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(fallbackTokenTTL)
	}

	accessEnvelope, keyID, err := secret.Encrypt([]byte(grant.AccessToken), key)
	if err != nil {
		return refreshOutcome{}, err
	}
	err = s.store.PutCredential(ctx, userID, prov, storage.EncryptedCredential{
		Kind:       storage.TokenKindAccess,
		Ciphertext: accessEnvelope,
		KeyID:      keyID,
		ExpiresAt:  &expiresAt,
		UpdatedAt:  now,
	})
	if err != nil {
		return refreshOutcome{}, apperrors.WrapWithMetadata(apperrors.CodeStorageFailure,
			"persist access credential", s.meta(userID, prov, "refresh"), err)
	}

	// Providers rotate refresh tokens optionally; keep the stored one unless
	// the grant carried a replacement.
	if grant.RefreshToken != "" {
		refreshEnvelope, refreshKeyID, err := secret.Encrypt([]byte(grant.RefreshToken), key)
		if err != nil {
			return refreshOutcome{}, err
		}
		err = s.store.PutCredential(ctx, userID, prov, storage.EncryptedCredential{
			Kind:       storage.TokenKindRefresh,
			Ciphertext: refreshEnvelope,
			KeyID:      refreshKeyID,
			UpdatedAt:  now,
		})
		if err != nil {
			return refreshOutcome{}, apperrors.WrapWithMetadata(apperrors.CodeStorageFailure,
				"persist refresh credential", s.meta(userID, prov, "refresh"), err)
		}
	}

	if err := s.store.RecordRefresh(ctx, userID, prov, now, grant.Scopes); err != nil {
		return refreshOutcome{}, apperrors.WrapWithMetadata(apperrors.CodeStorageFailure,
			"record refresh", s.meta(userID, prov, "refresh"), err)
	}

	grantedScopes := grant.Scopes
	if len(grantedScopes) == 0 {
		grantedScopes = integration.GrantedScopes
	}

	s.emit(ctx, audit.EventTokenRefreshed, userID, prov, map[string]string{"key_id": keyID})
	return refreshOutcome{
		accessToken: grant.AccessToken,
		expiresAt:   expiresAt,
		scopes:      grantedScopes,
	}, nil
}

// failRefresh marks the integration errored and emits the failure event.
// The status write is best effort: the original failure is what surfaces.
func (s *Service) failRefresh(ctx context.Context, userID string, prov storage.Provider, failure error) {
	_ = s.store.MarkStatus(ctx, userID, prov, storage.StatusError, s.clock().UTC())

	detail := map[string]string{}
	var domainErr *apperrors.Error
	if errors.As(failure, &domainErr) {
		detail["code"] = string(domainErr.Code)
	}
	s.emit(ctx, audit.EventRefreshFailed, userID, prov, detail)
}
