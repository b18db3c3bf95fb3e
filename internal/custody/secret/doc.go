// Package secret implements per-user key derivation and authenticated
// encryption for stored OAuth token material.
//
// Keys are derived on demand from a service-wide salt and discarded after
// each operation; no persistent key material exists outside the salt. The
// ciphertext envelope is nonce || ciphertext so decryption needs no storage
// beyond the envelope itself.
package secret
