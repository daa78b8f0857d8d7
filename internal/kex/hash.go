// Package kex implements the server-side ECDH key-exchange state machine
// (RFC 5656): exchange-hash computation and the KEX_ECDH_INIT/REPLY
// handshake.
package kex

import (
	"github.com/sshrelay/sshmitm/internal/sshcrypto"
	"github.com/sshrelay/sshmitm/internal/wire"
)

// Transcript holds the inputs to the exchange-hash computation, per
// spec section 4.3 / RFC 5656 section 4.
type Transcript struct {
	ClientVersion  []byte // V_C, banner without CRLF
	ServerVersion  []byte // V_S
	ClientKexInit  []byte // I_C, full payload including message code
	ServerKexInit  []byte // I_S
	HostKeyBlob    []byte // K_S
	ClientPublic   []byte // Q_C, uncompressed SEC1
	ServerPublic   []byte // Q_S, uncompressed SEC1
	SharedSecretBE []byte // K, as a big-endian magnitude (not yet mpint-encoded)
}

// ComputeExchangeHash computes H = digest(alg, enc) where enc is the
// canonical concatenation of the eight transcript fields, each encoded
// with the wire codec (mpint for the shared secret, string for everything
// else).
func ComputeExchangeHash(c sshcrypto.Curve, t Transcript) []byte {
	w := wire.NewWriter()
	w.String(t.ClientVersion)
	w.String(t.ServerVersion)
	w.String(t.ClientKexInit)
	w.String(t.ServerKexInit)
	w.String(t.HostKeyBlob)
	w.String(t.ClientPublic)
	w.String(t.ServerPublic)
	w.MPInt(t.SharedSecretBE)
	return sshcrypto.Digest(c, w.Bytes())
}
