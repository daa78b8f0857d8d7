// Package sshtransport implements the SSH binary packet protocol (RFC 4253
// section 6): framing, padding, per-direction cipher state, and the
// input/output buffers a proxy session pumps bytes through. It owns the
// KEX dispatcher that hands KEX_ECDH_INIT off to internal/kex and
// switches cipher state when NEWKEYS takes effect.
package sshtransport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/sshrelay/sshmitm/internal/hostkeys"
	"github.com/sshrelay/sshmitm/internal/kex"
	"github.com/sshrelay/sshmitm/internal/sshcrypto"
	"github.com/sshrelay/sshmitm/internal/wire"
)

const (
	blockSize    = 8
	minPadding   = 4
	maxPacketLen = 256 * 1024
)

// KexParams configures the single key exchange this engine's transcript
// will cover. The version banners and KEXINIT payloads feed directly into
// the exchange hash (RFC 5656 section 4) and must be supplied by the
// caller exactly as exchanged on the wire, CRLF stripped.
type KexParams struct {
	KexAlgorithm  string
	HostKeyType   string
	ClientVersion []byte
	ServerVersion []byte
	ClientKexInit []byte
	ServerKexInit []byte
}

// Engine is one side's SSH transport state: framing, ciphers, and the
// KEX dispatcher. A proxy session owns two Engines, one per side.
type Engine struct {
	isServer bool
	params   KexParams
	hostKeys *hostkeys.Set
	sessionID []byte

	handshake *kex.ServerHandshake

	cipherIn, cipherOut CipherState
	seqIn, seqOut       uint32

	in  []byte
	out []byte

	packets []Packet
	derived *derivedKeys

	lastErr error
}

// Packet is a decoded, post-dispatch message ready for the session layer.
type Packet struct {
	Type    byte
	Payload []byte // excludes the type byte
}

// NewEngine constructs an engine for one side of a connection. isServer
// selects which derived-key half (client-to-server or server-to-client)
// this side encrypts with. Curve resolution is deferred to the first
// KEX_ECDH_INIT so that an unknown kex algorithm surfaces as the usual
// invalid_argument failure from internal/kex rather than here.
func NewEngine(isServer bool, params KexParams) *Engine {
	return &Engine{
		isServer:  isServer,
		params:    params,
		hostKeys:  hostkeys.NewSet(),
		cipherIn:  identityCipher{},
		cipherOut: identityCipher{},
	}
}

// AddHostKey loads an additional host private key from a PEM file at
// path, making its algorithm family available to HandleECDHInit.
func (e *Engine) AddHostKey(path string) error {
	return e.hostKeys.LoadFile(path)
}

// InputAppend feeds newly read bytes from the socket into the engine.
// It parses and dispatches as many complete packets as are present;
// non-KEX packets are queued for PacketGet, KEX-phase packets are
// consumed here and may append to the output queue (KEX_ECDH_REPLY,
// NEWKEYS, or DISCONNECT).
func (e *Engine) InputAppend(b []byte) error {
	e.in = append(e.in, b...)
	for {
		pkt, rest, ok, err := e.parseOne(e.in)
		if err != nil {
			e.lastErr = err
			return err
		}
		if !ok {
			return nil
		}
		e.in = rest
		if err := e.dispatch(pkt); err != nil {
			e.lastErr = err
			return err
		}
	}
}

// parseOne extracts one framed packet from buf if a complete one is
// present, decrypting it with the current inbound cipher state.
func (e *Engine) parseOne(buf []byte) (payload []byte, rest []byte, ok bool, err error) {
	if len(buf) < 4 {
		return nil, buf, false, nil
	}
	packetLen := binary.BigEndian.Uint32(buf[:4])
	if packetLen == 0 || packetLen > maxPacketLen {
		return nil, buf, false, fmt.Errorf("transport: invalid packet_length %d", packetLen)
	}
	total := 4 + int(packetLen) + e.cipherIn.Overhead()
	if len(buf) < total {
		return nil, buf, false, nil
	}
	ciphertext := buf[4 : 4+int(packetLen)+e.cipherIn.Overhead()]
	plain, err := e.cipherIn.Open(e.seqIn, ciphertext)
	if err != nil {
		return nil, buf, false, err
	}
	if len(plain) < 1 {
		return nil, buf, false, fmt.Errorf("transport: %w", wire.ErrTruncated)
	}
	paddingLen := int(plain[0])
	if paddingLen+1 > len(plain) {
		return nil, buf, false, fmt.Errorf("transport: padding_length exceeds packet")
	}
	payload = plain[1 : len(plain)-paddingLen]
	e.seqIn++
	return payload, buf[total:], true, nil
}

func (e *Engine) dispatch(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("transport: empty payload")
	}
	msgType := payload[0]
	body := payload[1:]

	switch msgType {
	case MsgKexECDHInit:
		return e.handleECDHInit(body)
	case MsgNewKeys:
		return e.handleNewKeys()
	default:
		e.packets = append(e.packets, Packet{Type: msgType, Payload: append([]byte{}, body...)})
		return nil
	}
}

func (e *Engine) handleECDHInit(body []byte) error {
	if e.handshake == nil {
		h, err := kex.NewServerHandshake(
			e.params.KexAlgorithm, e.params.HostKeyType,
			e.params.ClientVersion, e.params.ServerVersion,
			e.params.ClientKexInit, e.params.ServerKexInit,
			e.hostKeys.Public, e.hostKeys.Private,
			engineDeriver{e}, &e.sessionID,
		)
		if err != nil {
			return err
		}
		e.handshake = h
	}

	r := wire.NewReader(body)
	qc, err := r.String()
	if err != nil {
		return fmt.Errorf("transport: decode KEX_ECDH_INIT: %w", err)
	}

	reply, err := e.handshake.HandleECDHInit(qc)
	if err != nil {
		if de, ok := err.(*kex.DisconnectError); ok {
			e.sendDisconnect(de.Code, de.Reason)
			return de
		}
		return err
	}

	w := wire.NewWriter()
	w.String(reply.HostKeyBlob)
	w.String(reply.ServerPublic)
	w.String(reply.Signature)
	if err := e.queueSend(MsgKexECDHReply, w.Bytes()); err != nil {
		return err
	}
	return e.queueSend(MsgNewKeys, nil)
}

func (e *Engine) handleNewKeys() error {
	if e.handshake == nil || e.handshake.State() != kex.StateDerived {
		return fmt.Errorf("transport: %w", kex.ErrUnexpectedMessage)
	}
	keys := e.derived
	if keys == nil {
		return fmt.Errorf("transport: NEWKEYS before keys derived")
	}
	if e.isServer {
		in, err := newAEADCipher(keys.keyCtoS)
		if err != nil {
			return err
		}
		out, err := newAEADCipher(keys.keyStoC)
		if err != nil {
			return err
		}
		e.cipherIn, e.cipherOut = in, out
	} else {
		in, err := newAEADCipher(keys.keyStoC)
		if err != nil {
			return err
		}
		out, err := newAEADCipher(keys.keyCtoS)
		if err != nil {
			return err
		}
		e.cipherIn, e.cipherOut = in, out
	}
	e.seqIn, e.seqOut = 0, 0
	e.handshake.MarkDone()
	return nil
}

// PacketGet returns the next decoded, non-KEX packet if one is queued.
func (e *Engine) PacketGet() (msgType byte, payload []byte, ok bool) {
	if len(e.packets) == 0 {
		return 0, nil, false
	}
	p := e.packets[0]
	e.packets = e.packets[1:]
	return p.Type, p.Payload, true
}

// PacketPut frames and queues msgType||payload for sending: this is how
// the peer session hands a decoded packet from the other side across to
// this engine's outbound queue, and how higher-level code (e.g. the
// proxy's own SSH_MSG_DISCONNECT) injects messages.
func (e *Engine) PacketPut(msgType byte, payload []byte) error {
	return e.queueSend(msgType, payload)
}

func (e *Engine) queueSend(msgType byte, payload []byte) error {
	body := make([]byte, 1+len(payload))
	body[0] = msgType
	copy(body[1:], payload)

	padLen := blockSize - (5+len(body))%blockSize
	if padLen < minPadding {
		padLen += blockSize
	}
	plain := make([]byte, 1+len(body)+padLen)
	plain[0] = byte(padLen)
	copy(plain[1:], body)
	if _, err := rand.Read(plain[1+len(body):]); err != nil {
		return fmt.Errorf("transport: pad: %w", err)
	}

	ciphertext := e.cipherOut.Seal(e.seqOut, plain)
	e.seqOut++

	packetLen := len(ciphertext) - e.cipherOut.Overhead()
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(packetLen))

	e.out = append(e.out, header...)
	e.out = append(e.out, ciphertext...)
	return nil
}

// OutputPtr returns the bytes currently queued to write. The caller must
// not retain the slice past the next OutputConsume/queueSend call.
func (e *Engine) OutputPtr() []byte {
	return e.out
}

// OutputConsume removes the first n bytes of the output queue, called
// after a (possibly partial) socket write succeeds.
func (e *Engine) OutputConsume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(e.out) {
		e.out = e.out[:0]
		return
	}
	e.out = append(e.out[:0], e.out[n:]...)
}

// SendDisconnect queues SSH_MSG_DISCONNECT with code and reason, RFC 4253
// section 11.1 wire format: uint32 code, string description, string
// language tag (empty).
func (e *Engine) SendDisconnect(code kex.DisconnectCode, reason string) error {
	e.sendDisconnect(code, reason)
	return nil
}

func (e *Engine) sendDisconnect(code kex.DisconnectCode, reason string) {
	w := wire.NewWriter()
	w.Uint32(uint32(code))
	w.CString(reason)
	w.CString("")
	_ = e.queueSend(MsgDisconnect, w.Bytes())
}

// SessionID returns the connection's session_id, nil until the first KEX
// completes.
func (e *Engine) SessionID() []byte { return e.sessionID }

// LastError returns the most recent fatal error InputAppend observed, if
// any.
func (e *Engine) LastError() error { return e.lastErr }

// engineDeriver adapts Engine to kex.KeyDeriver: it resolves the curve
// (for the KDF's hash function) and stores the derived key set on the
// engine, where handleNewKeys picks it up once NEWKEYS arrives.
type engineDeriver struct {
	e *Engine
}

func (d engineDeriver) DeriveKeys(k, h, sessionID []byte) error {
	curve, err := sshcrypto.CurveFromName(d.e.params.KexAlgorithm)
	if err != nil {
		return err
	}
	d.e.derived = deriveKeys(curve, k, h, sessionID)
	return nil
}
