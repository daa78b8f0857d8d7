package sshcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/sshrelay/sshmitm/internal/secret"
)

// EphemeralKey is a freshly generated ECDH keypair. PublicPoint is the
// uncompressed SEC1 encoding (0x04 || X || Y) ready to put on the wire.
// Scalar holds a copy of the raw private scalar bytes so it can be
// zeroized independently of the underlying crypto/ecdh.PrivateKey, whose
// internal representation this package has no way to scrub directly.
type EphemeralKey struct {
	curve       Curve
	priv        *ecdh.PrivateKey
	PublicPoint []byte
	Scalar      *secret.Bytes
}

// GenerateKeypair creates a fresh ephemeral ECDH keypair on the given
// curve. The returned EphemeralKey.Scalar must be zeroized by the caller
// once the handshake that used it completes or aborts.
func GenerateKeypair(c Curve) (*EphemeralKey, error) {
	priv, err := c.ecdh.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshcrypto: generate keypair: %w", err)
	}
	scalarCopy := make([]byte, len(priv.Bytes()))
	copy(scalarCopy, priv.Bytes())
	return &EphemeralKey{
		curve:       c,
		priv:        priv,
		PublicPoint: priv.PublicKey().Bytes(),
		Scalar:      secret.NewBytes(scalarCopy),
	}, nil
}

// ValidatePublic rejects the point at infinity, coordinates out of range,
// and points not on the curve. It must be called, and must pass, before
// ComputeShared is ever invoked on an untrusted peer point.
func ValidatePublic(c Curve, q []byte) error {
	if len(q) == 0 {
		return fmt.Errorf("%w: empty point", ErrInvalidPublicPoint)
	}
	// The identity point has no valid uncompressed SEC1 encoding; an
	// all-zero string (including a zeroed leading byte) is exactly the
	// shape a misbehaving peer would send to try to force a degenerate
	// shared secret, so reject it explicitly before asking the curve to
	// parse it.
	allZero := true
	for _, b := range q {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("%w: identity point", ErrInvalidPublicPoint)
	}
	if _, err := c.ecdh.NewPublicKey(q); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicPoint, err)
	}
	return nil
}

// ComputeShared performs ECDH(priv, peerQ) and returns the exact klen-byte
// big-endian shared secret. peerQ must already have passed ValidatePublic.
func ComputeShared(c Curve, priv *EphemeralKey, peerQ []byte) (*secret.Bytes, error) {
	peer, err := c.ecdh.NewPublicKey(peerQ)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicPoint, err)
	}
	raw, err := priv.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("sshcrypto: ecdh compute: %w", err)
	}
	if len(raw) != c.klen {
		// crypto/ecdh already zero-pads to the field size for NIST
		// curves; this guards against a future stdlib behavior change
		// silently breaking the mpint encoding.
		padded := make([]byte, c.klen)
		copy(padded[c.klen-len(raw):], raw)
		raw = padded
	}
	return secret.NewBytes(raw), nil
}
