package sshtransport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"os"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/sshrelay/sshmitm/internal/kex"
	"github.com/sshrelay/sshmitm/internal/sshcrypto"
	"github.com/sshrelay/sshmitm/internal/wire"
)

func testHostKeyFile(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := t.TempDir() + "/host_key"
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newEngineForTest(t *testing.T, isServer bool) *Engine {
	t.Helper()
	e := NewEngine(isServer, KexParams{
		KexAlgorithm:  "ecdh-sha2-nistp256",
		HostKeyType:   "ssh-ed25519",
		ClientVersion: []byte("SSH-2.0-client"),
		ServerVersion: []byte("SSH-2.0-server"),
		ClientKexInit: []byte{0x14, 0x01},
		ServerKexInit: []byte{0x14, 0x02},
	})
	if err := e.AddHostKey(testHostKeyFile(t)); err != nil {
		t.Fatal(err)
	}
	return e
}

func buildECDHInit(t *testing.T, curveName string) (peerPub []byte, payload []byte) {
	t.Helper()
	curve, err := sshcrypto.CurveFromName(curveName)
	if err != nil {
		t.Fatal(err)
	}
	peer, err := sshcrypto.GenerateKeypair(curve)
	if err != nil {
		t.Fatal(err)
	}
	w := wire.NewWriter()
	w.String(peer.PublicPoint)
	body := append([]byte{MsgKexECDHInit}, w.Bytes()...)
	return peer.PublicPoint, body
}

// frameCleartext builds a minimal valid identity-cipher frame the way
// queueSend would, so tests can drive InputAppend directly.
func frameCleartext(body []byte) []byte {
	padLen := blockSize - (5+len(body))%blockSize
	if padLen < minPadding {
		padLen += blockSize
	}
	plain := make([]byte, 1+len(body)+padLen)
	plain[0] = byte(padLen)
	copy(plain[1:], body)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(plain)))
	return append(header, plain...)
}

func TestEngineHandlesECDHInitAndQueuesReply(t *testing.T) {
	e := newEngineForTest(t, true)
	_, body := buildECDHInit(t, "ecdh-sha2-nistp256")

	if err := e.InputAppend(frameCleartext(body)); err != nil {
		t.Fatalf("InputAppend: %v", err)
	}
	out := e.OutputPtr()
	if len(out) == 0 {
		t.Fatal("expected queued output (KEX_ECDH_REPLY + NEWKEYS)")
	}
	if e.SessionID() == nil {
		t.Fatal("expected session_id to be assigned")
	}
}

func TestEngineRejectsInvalidClientPoint(t *testing.T) {
	e := newEngineForTest(t, true)
	bad := make([]byte, 65)
	w := wire.NewWriter()
	w.String(bad)
	body := append([]byte{MsgKexECDHInit}, w.Bytes()...)

	err := e.InputAppend(frameCleartext(body))
	if err == nil {
		t.Fatal("expected error for invalid client point")
	}
	if _, ok := err.(*kex.DisconnectError); !ok {
		t.Fatalf("expected *kex.DisconnectError, got %T", err)
	}
	// A DISCONNECT should have been queued for sending despite the error.
	if len(e.OutputPtr()) == 0 {
		t.Fatal("expected DISCONNECT queued in output")
	}
}

func TestEngineOutputConsumePartial(t *testing.T) {
	e := newEngineForTest(t, true)
	if err := e.PacketPut(99, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	full := append([]byte{}, e.OutputPtr()...)
	if len(full) < 4 {
		t.Fatal("expected non-trivial output")
	}
	e.OutputConsume(2)
	if !bytes.Equal(e.OutputPtr(), full[2:]) {
		t.Fatal("OutputConsume(2) did not advance by exactly 2 bytes")
	}
	e.OutputConsume(len(e.OutputPtr()))
	if len(e.OutputPtr()) != 0 {
		t.Fatal("expected output queue to drain to empty")
	}
}

func TestEnginePacketGetPassthrough(t *testing.T) {
	e := newEngineForTest(t, true)
	body := append([]byte{42}, []byte("payload")...)
	if err := e.InputAppend(frameCleartext(body)); err != nil {
		t.Fatal(err)
	}
	msgType, payload, ok := e.PacketGet()
	if !ok {
		t.Fatal("expected a queued packet")
	}
	if msgType != 42 || string(payload) != "payload" {
		t.Fatalf("got type=%d payload=%q", msgType, payload)
	}
	if _, _, ok := e.PacketGet(); ok {
		t.Fatal("expected queue to be empty after one PacketGet")
	}
}

func TestEngineInputAppendPartialFrameWaits(t *testing.T) {
	e := newEngineForTest(t, true)
	_, body := buildECDHInit(t, "ecdh-sha2-nistp256")
	full := frameCleartext(body)
	if err := e.InputAppend(full[:len(full)-1]); err != nil {
		t.Fatal(err)
	}
	if len(e.OutputPtr()) != 0 {
		t.Fatal("should not have dispatched an incomplete frame")
	}
	if err := e.InputAppend(full[len(full)-1:]); err != nil {
		t.Fatal(err)
	}
	if len(e.OutputPtr()) == 0 {
		t.Fatal("expected dispatch once the frame completed")
	}
}
