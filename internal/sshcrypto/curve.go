// Package sshcrypto implements the cryptographic primitives the ECDH key
// exchange needs: named-curve lookup, ephemeral keypair generation, public
// point validation, shared-secret computation, transcript digesting, and
// host-key signing in SSH wire form.
package sshcrypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
)

// ErrUnknownCurve is returned by CurveFromName for an unsupported KEX name.
var ErrUnknownCurve = errors.New("sshcrypto: unknown curve name")

// ErrInvalidPublicPoint is returned by ValidatePublic.
var ErrInvalidPublicPoint = errors.New("sshcrypto: invalid public point")

// Curve binds an SSH ECDH KEX algorithm name to its elliptic curve and
// exchange-hash digest, per RFC 5656 section 6.2.1 / section 6.1.2.
type Curve struct {
	Name   string
	ecdh   ecdh.Curve
	newKey func() hash.Hash
	klen   int
}

// KLen is ceil(field degree in bits / 8): the byte length of one
// coordinate and of the raw ECDH output.
func (c Curve) KLen() int { return c.klen }

// NewDigest returns a fresh hash.Hash for this curve's exchange-hash
// algorithm (SHA-256 for p256, SHA-384 for p384, SHA-512 for p521).
func (c Curve) NewDigest() hash.Hash { return c.newKey() }

var curves = map[string]Curve{
	"ecdh-sha2-nistp256": {
		Name: "ecdh-sha2-nistp256", ecdh: ecdh.P256(), newKey: sha256.New, klen: 32,
	},
	"ecdh-sha2-nistp384": {
		Name: "ecdh-sha2-nistp384", ecdh: ecdh.P384(), newKey: sha512.New384, klen: 48,
	},
	"ecdh-sha2-nistp521": {
		Name: "ecdh-sha2-nistp521", ecdh: ecdh.P521(), newKey: sha512.New, klen: 66,
	},
}

// CurveFromName maps an SSH KEX algorithm name to its curve and digest.
func CurveFromName(name string) (Curve, error) {
	c, ok := curves[name]
	if !ok {
		return Curve{}, fmt.Errorf("%w: %s", ErrUnknownCurve, name)
	}
	return c, nil
}

// Digest hashes data with the algorithm associated with this curve.
func Digest(c Curve, data []byte) []byte {
	h := c.NewDigest()
	h.Write(data)
	return h.Sum(nil)
}
