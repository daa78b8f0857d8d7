package sshtransport

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherState transforms one direction of a connection's packet stream.
// A fresh CipherState is selected whenever NEWKEYS takes effect; the
// identity state is used for everything exchanged before the first KEX
// completes.
type CipherState interface {
	// Overhead is the number of trailing authentication-tag bytes Seal
	// appends, 0 for the identity cipher.
	Overhead() int
	// Seal authenticates and (if keyed) encrypts plaintext, which is the
	// padding_length byte followed by payload and random padding.
	Seal(seq uint32, plaintext []byte) []byte
	// Open authenticates and (if keyed) decrypts ciphertext, which is the
	// same region Seal produced, tag included.
	Open(seq uint32, ciphertext []byte) ([]byte, error)
}

// identityCipher is used pre-NEWKEYS: no confidentiality or integrity,
// matching the cleartext phase of the SSH binary packet protocol.
type identityCipher struct{}

func (identityCipher) Overhead() int { return 0 }

func (identityCipher) Seal(_ uint32, plaintext []byte) []byte {
	return plaintext
}

func (identityCipher) Open(_ uint32, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

// aeadCipher wraps a ChaCha20-Poly1305 AEAD keyed from the key-exchange
// output, the same primitive the corpus's own internal/crypto package
// uses for its end-to-end stream encryption, generalized here to a
// per-direction transport cipher keyed by packet sequence number rather
// than an explicit nonce prefix (RFC 5647's sequence-number-as-nonce
// convention for AEAD SSH ciphers).
type aeadCipher struct {
	aead cipherAEAD
}

// cipherAEAD is the subset of cipher.AEAD this package depends on; kept
// narrow so tests can substitute a fake.
type cipherAEAD interface {
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func newAEADCipher(key []byte) (*aeadCipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("transport: init cipher: %w", err)
	}
	return &aeadCipher{aead: aead}, nil
}

func seqNonce(seq uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], seq)
	return nonce
}

func (c *aeadCipher) Overhead() int { return c.aead.Overhead() }

func (c *aeadCipher) Seal(seq uint32, plaintext []byte) []byte {
	return c.aead.Seal(nil, seqNonce(seq), plaintext, nil)
}

func (c *aeadCipher) Open(seq uint32, ciphertext []byte) ([]byte, error) {
	pt, err := c.aead.Open(nil, seqNonce(seq), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: authentication failed: %w", err)
	}
	return pt, nil
}
