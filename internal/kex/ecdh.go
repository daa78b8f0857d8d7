package kex

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/sshrelay/sshmitm/internal/secret"
	"github.com/sshrelay/sshmitm/internal/sshcrypto"
)

// HostPublicLoader returns the host public key for a negotiated key type
// (e.g. "ssh-ed25519", "ecdsa-sha2-nistp256"). It returns an error if the
// proxy has no key of that type loaded; HandleECDHInit wraps that error in
// ErrKeyTypeMismatch.
type HostPublicLoader func(keyType string) (ssh.PublicKey, error)

// HostPrivateLoader returns the signer for the same key type.
type HostPrivateLoader func(keyType string) (ssh.Signer, error)

// KeyDeriver consumes the key-exchange output once H and the (possibly
// just-assigned) session_id are known, and derives the six keys of RFC
// 4253 section 7.2 (two IVs, two encryption keys, two integrity keys). Supplying
// this as a collaborator rather than baking key derivation into
// ServerHandshake lets the transport own the resulting CipherState.
type KeyDeriver interface {
	DeriveKeys(K, H, sessionID []byte) error
}

// Reply is everything the transport needs to build and send
// SSH_MSG_KEX_ECDH_REPLY.
type Reply struct {
	HostKeyBlob  []byte
	ServerPublic []byte
	Signature    []byte
}

// ServerHandshake drives one ECDH key exchange, spec section 4.4. It is
// single-use: a fresh ServerHandshake must be constructed for every KEX
// (initial and rekey), since Q_S, s_S and the shared secret are all
// per-exchange ephemeral state.
type ServerHandshake struct {
	curve       sshcrypto.Curve
	keyType     string
	loadPublic  HostPublicLoader
	loadPrivate HostPrivateLoader
	deriver     KeyDeriver

	clientVersion []byte
	serverVersion []byte
	clientKexInit []byte
	serverKexInit []byte

	// sessionIDSlot holds the session's session_id. It is shared with the
	// transport across rekeys: the first exchange assigns it, every
	// subsequent rekey on the same connection must reuse the same value
	// unchanged (spec Testable Property 5).
	sessionIDSlot *[]byte

	state State
	eph   *sshcrypto.EphemeralKey
	k     *secret.Bytes
}

// NewServerHandshake resolves kexAlgName to a curve and constructs a
// handshake ready to receive KEX_ECDH_INIT. An unknown kex algorithm name
// is an invalid_argument failure raised here, before any ephemeral key
// material is generated, matching scenario S3 in spec section 8.
func NewServerHandshake(
	kexAlgName, hostKeyType string,
	clientVersion, serverVersion, clientKexInit, serverKexInit []byte,
	loadPublic HostPublicLoader,
	loadPrivate HostPrivateLoader,
	deriver KeyDeriver,
	sessionIDSlot *[]byte,
) (*ServerHandshake, error) {
	curve, err := sshcrypto.CurveFromName(kexAlgName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return &ServerHandshake{
		curve:         curve,
		keyType:       hostKeyType,
		loadPublic:    loadPublic,
		loadPrivate:   loadPrivate,
		deriver:       deriver,
		clientVersion: clientVersion,
		serverVersion: serverVersion,
		clientKexInit: clientKexInit,
		serverKexInit: serverKexInit,
		sessionIDSlot: sessionIDSlot,
		state:         StateAwaitInit,
	}, nil
}

// State reports the current step of the state machine.
func (h *ServerHandshake) State() State { return h.state }

// MarkDone transitions a handshake that has delivered its Reply into the
// terminal done state, once the transport has sent NEWKEYS and switched
// the cipher state over. Only valid from StateDerived.
func (h *ServerHandshake) MarkDone() {
	if h.state == StateDerived {
		h.state = StateDone
	}
}

// HandleECDHInit processes SSH_MSG_KEX_ECDH_REPLY's counterpart,
// SSH_MSG_KEX_ECDH_INIT, carrying the client's ephemeral public point qc.
// It returns the Reply to send back, or an error: a *DisconnectError means
// the transport must send SSH_MSG_DISCONNECT with the given code and
// reason before closing; any other error is fatal for the connection with
// no retry (crypto failure, missing host key, internal misuse).
func (h *ServerHandshake) HandleECDHInit(qc []byte) (reply *Reply, err error) {
	if h.state != StateAwaitInit {
		prev := h.state
		h.state = StateAborted
		return nil, &DisconnectError{
			Code:   DisconnectProtocolError,
			Reason: fmt.Sprintf("unexpected KEX_ECDH_INIT in state %s", prev),
		}
	}
	h.state = StateComputing

	eph, err := sshcrypto.GenerateKeypair(h.curve)
	if err != nil {
		h.state = StateAborted
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	h.eph = eph
	defer func() {
		// Ephemeral scalar and shared secret are single-exchange secrets;
		// scrub them on every exit path, success or failure.
		h.eph.Scalar.Zero()
		if h.k != nil {
			h.k.Zero()
		}
	}()

	if verr := sshcrypto.ValidatePublic(h.curve, qc); verr != nil {
		h.state = StateAborted
		return nil, &DisconnectError{
			Code:   DisconnectKeyExchangeFailed,
			Reason: "invalid client public key",
		}
	}

	k, err := sshcrypto.ComputeShared(h.curve, h.eph, qc)
	if err != nil {
		h.state = StateAborted
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	h.k = k

	pub, err := h.loadPublic(h.keyType)
	if err != nil {
		h.state = StateAborted
		return nil, fmt.Errorf("%w: %v", ErrKeyTypeMismatch, err)
	}
	signer, err := h.loadPrivate(h.keyType)
	if err != nil {
		h.state = StateAborted
		return nil, fmt.Errorf("%w: %v", ErrKeyTypeMismatch, err)
	}

	hostBlob := sshcrypto.HostKeyBlob(pub)
	hexh := ComputeExchangeHash(h.curve, Transcript{
		ClientVersion:  h.clientVersion,
		ServerVersion:  h.serverVersion,
		ClientKexInit:  h.clientKexInit,
		ServerKexInit:  h.serverKexInit,
		HostKeyBlob:    hostBlob,
		ClientPublic:   qc,
		ServerPublic:   h.eph.PublicPoint,
		SharedSecretBE: h.k.Slice(),
	})

	if *h.sessionIDSlot == nil {
		sid := make([]byte, len(hexh))
		copy(sid, hexh)
		*h.sessionIDSlot = sid
	}

	sig, err := sshcrypto.SignHostKey(signer, hexh)
	if err != nil {
		h.state = StateAborted
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	h.state = StateReplying

	if err := h.deriver.DeriveKeys(h.k.Slice(), hexh, *h.sessionIDSlot); err != nil {
		h.state = StateAborted
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	h.state = StateDerived

	return &Reply{
		HostKeyBlob:  hostBlob,
		ServerPublic: h.eph.PublicPoint,
		Signature:    sig,
	}, nil
}
