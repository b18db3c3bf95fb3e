package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	apperrors "github.com/okonek/tokenvault/internal/platform/errors"
)

// keyIDBytes is the fingerprint width. Wide enough to detect a retired key
// during rotation, far too narrow to help recover the key.
const keyIDBytes = 8

// ErrDecryptionFailed reports an authentication failure on decrypt. Tampering
// and a wrong key are deliberately indistinguishable.
var ErrDecryptionFailed = apperrors.New(apperrors.CodeDecryptionFailed, "credential cannot be decrypted")

// Encrypt seals plaintext under key with AES-GCM and a fresh random nonce.
// The returned envelope is nonce || ciphertext. The key id identifies the
// encryption key for rotation bookkeeping.
func Encrypt(plaintext, key []byte) (envelope []byte, keyID string, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), KeyID(key), nil
}

// Decrypt opens an envelope produced by Encrypt. Any authentication failure
// returns ErrDecryptionFailed.
func Decrypt(envelope, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(envelope) < nonceSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, envelope[:nonceSize], envelope[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// KeyID returns the truncated one-way fingerprint of a key.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:keyIDBytes])
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "new cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "new gcm", err)
	}
	return aead, nil
}
