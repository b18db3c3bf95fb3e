package secret

import (
	"crypto/pbkdf2"
	"crypto/sha256"
	"fmt"

	apperrors "github.com/okonek/tokenvault/internal/platform/errors"
)

const (
	// DefaultIterations is the PBKDF2 cost factor. High enough to resist
	// offline brute force against a leaked database.
	DefaultIterations = 210_000

	// KeyLength is the derived key width in bytes, sized for AES-256-GCM.
	KeyLength = 32

	// minSaltLength rejects salts too short to be a real secret.
	minSaltLength = 16
)

// Deriver derives per-user symmetric keys from a service-wide secret salt.
//
// Derivation is deterministic: the same user id and salt always yield the
// same key, so a key derived at write time can be re-derived at read time
// without ever being stored.
type Deriver struct {
	salt       []byte
	iterations int
}

// NewDeriver validates the service salt and builds a deriver.
func NewDeriver(salt []byte) (*Deriver, error) {
	return NewDeriverWithIterations(salt, DefaultIterations)
}

// NewDeriverWithIterations builds a deriver with an explicit cost factor.
// Tests use a low cost; production callers should use NewDeriver.
func NewDeriverWithIterations(salt []byte, iterations int) (*Deriver, error) {
	if len(salt) < minSaltLength {
		return nil, apperrors.New(apperrors.CodeConfiguration,
			fmt.Sprintf("service salt must be at least %d bytes", minSaltLength))
	}
	if iterations < 1 {
		return nil, apperrors.New(apperrors.CodeConfiguration, "derivation iterations must be positive")
	}
	return &Deriver{salt: append([]byte(nil), salt...), iterations: iterations}, nil
}

// Derive returns the symmetric key for one user id.
//
// Callers must treat the key as scoped to a single encrypt or decrypt
// operation and discard it afterwards.
func (d *Deriver) Derive(userID string) ([]byte, error) {
	if d == nil || len(d.salt) == 0 {
		return nil, apperrors.New(apperrors.CodeConfiguration, "key deriver is not configured")
	}
	if userID == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "user id is required for key derivation")
	}
	key, err := pbkdf2.Key(sha256.New, userID, d.salt, d.iterations, KeyLength)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "derive user key", err)
	}
	return key, nil
}
