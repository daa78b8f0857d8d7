package sshtransport

import (
	"github.com/sshrelay/sshmitm/internal/sshcrypto"
	"github.com/sshrelay/sshmitm/internal/wire"
)

const (
	cipherKeySize = 32 // chacha20poly1305.KeySize
	cipherIVSize  = 12 // unused directly (AEAD nonce is sequence-derived) but derived for parity with RFC 4253 7.2's six key streams
)

// derivedKeys holds the six key-derivation outputs from RFC 4253 section
// 7.2, letters A-F, even though this engine's AEAD cipher only consumes
// the encryption keys (C, D) — the IV and integrity key streams are
// still derived so a future non-AEAD cipher suite can be added without
// touching the KDF.
type derivedKeys struct {
	ivCtoS, ivStoC     []byte
	keyCtoS, keyStoC   []byte
	macCtoS, macStoC   []byte
}

// deriveKeys implements RFC 4253 section 7.2's key expansion using the
// same hash algorithm as the key exchange: HASH(K || H || letter ||
// session_id), extended with HASH(K || H || K1 || K2 || ...) rounds
// until each stream reaches its required length.
func deriveKeys(curve sshcrypto.Curve, k, h, sessionID []byte) *derivedKeys {
	mpintK := wire.NewWriter().MPInt(k).Bytes()

	expand := func(letter byte, size int) []byte {
		seed := append(append([]byte{}, mpintK...), h...)
		seed = append(seed, letter)
		seed = append(seed, sessionID...)
		out := sshcrypto.Digest(curve, seed)
		for len(out) < size {
			more := append(append([]byte{}, mpintK...), h...)
			more = append(more, out...)
			out = append(out, sshcrypto.Digest(curve, more)...)
		}
		return out[:size]
	}

	return &derivedKeys{
		ivCtoS:  expand('A', cipherIVSize),
		ivStoC:  expand('B', cipherIVSize),
		keyCtoS: expand('C', cipherKeySize),
		keyStoC: expand('D', cipherKeySize),
		macCtoS: expand('E', cipherKeySize),
		macStoC: expand('F', cipherKeySize),
	}
}
