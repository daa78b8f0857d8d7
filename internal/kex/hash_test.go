package kex

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/sshrelay/sshmitm/internal/sshcrypto"
)

var errNoHostKey = errors.New("no host key of that type loaded")

func fixedTranscript() Transcript {
	return Transcript{
		ClientVersion:  []byte("SSH-2.0-OpenSSH_9.6"),
		ServerVersion:  []byte("SSH-2.0-sshrelay_1.0"),
		ClientKexInit:  []byte{0x14, 0x01, 0x02, 0x03},
		ServerKexInit:  []byte{0x14, 0x04, 0x05, 0x06},
		HostKeyBlob:    []byte("fake-host-key-blob"),
		ClientPublic:   []byte{0x04, 0x01, 0x02},
		ServerPublic:   []byte{0x04, 0x03, 0x04},
		SharedSecretBE: []byte{0x7f, 0xab, 0xcd},
	}
}

func TestComputeExchangeHashDeterministic(t *testing.T) {
	c, err := sshcrypto.CurveFromName("ecdh-sha2-nistp256")
	if err != nil {
		t.Fatal(err)
	}
	h1 := ComputeExchangeHash(c, fixedTranscript())
	h2 := ComputeExchangeHash(c, fixedTranscript())
	if !bytes.Equal(h1, h2) {
		t.Fatalf("same transcript produced different hashes: %x vs %x", h1, h2)
	}
	if len(h1) != 32 {
		t.Fatalf("nistp256 exchange hash length = %d, want 32 (sha256)", len(h1))
	}
}

func TestComputeExchangeHashSensitiveToEachField(t *testing.T) {
	c, err := sshcrypto.CurveFromName("ecdh-sha2-nistp256")
	if err != nil {
		t.Fatal(err)
	}
	base := ComputeExchangeHash(c, fixedTranscript())

	mutate := func(f func(*Transcript)) []byte {
		tr := fixedTranscript()
		f(&tr)
		return ComputeExchangeHash(c, tr)
	}

	variants := []func(*Transcript){
		func(tr *Transcript) { tr.ClientVersion = []byte("SSH-2.0-different") },
		func(tr *Transcript) { tr.ServerVersion = []byte("SSH-2.0-different") },
		func(tr *Transcript) { tr.ClientKexInit = []byte{0x14, 0xff} },
		func(tr *Transcript) { tr.ServerKexInit = []byte{0x14, 0xff} },
		func(tr *Transcript) { tr.HostKeyBlob = []byte("different-blob") },
		func(tr *Transcript) { tr.ClientPublic = []byte{0x04, 0xff, 0xff} },
		func(tr *Transcript) { tr.ServerPublic = []byte{0x04, 0xff, 0xff} },
		func(tr *Transcript) { tr.SharedSecretBE = []byte{0x01} },
	}
	for i, mutation := range variants {
		if bytes.Equal(base, mutate(mutation)) {
			t.Errorf("variant %d: hash unchanged after mutating one transcript field", i)
		}
	}
}

type fakeDeriver struct {
	calls                     int
	lastK, lastH, lastSession []byte
}

func (f *fakeDeriver) DeriveKeys(k, h, sessionID []byte) error {
	f.calls++
	f.lastK, f.lastH, f.lastSession = k, h, sessionID
	return nil
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_ = pub
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func testLoaders(signer ssh.Signer) (HostPublicLoader, HostPrivateLoader) {
	return func(string) (ssh.PublicKey, error) { return signer.PublicKey(), nil },
		func(string) (ssh.Signer, error) { return signer, nil }
}

func mustCurve(t *testing.T) sshcrypto.Curve {
	t.Helper()
	c, err := sshcrypto.CurveFromName("ecdh-sha2-nistp256")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestHandshakeRejectsUnknownCurve(t *testing.T) {
	var sid []byte
	_, err := NewServerHandshake(
		"ecdh-sha2-foo", "ssh-ed25519",
		nil, nil, nil, nil,
		nil, nil, nil, &sid,
	)
	if err == nil {
		t.Fatal("expected error for unknown kex algorithm name")
	}
}

func TestHandshakeHappyPathAssignsSessionIDOnce(t *testing.T) {
	var sid []byte
	signer := newTestSigner(t)
	loadPub, loadPriv := testLoaders(signer)
	deriver := &fakeDeriver{}
	curve := mustCurve(t)

	h, err := NewServerHandshake(
		"ecdh-sha2-nistp256", "ssh-ed25519",
		[]byte("V_C"), []byte("V_S"), []byte{0x14}, []byte{0x14},
		loadPub, loadPriv, deriver, &sid,
	)
	if err != nil {
		t.Fatal(err)
	}
	peer, err := sshcrypto.GenerateKeypair(curve)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := h.HandleECDHInit(peer.PublicPoint)
	if err != nil {
		t.Fatalf("HandleECDHInit: %v", err)
	}
	if reply.ServerPublic == nil || reply.Signature == nil || reply.HostKeyBlob == nil {
		t.Fatal("reply missing fields")
	}
	if sid == nil {
		t.Fatal("session_id was not assigned")
	}
	if deriver.calls != 1 {
		t.Fatalf("DeriveKeys called %d times, want 1", deriver.calls)
	}
	if h.State() != StateDerived {
		t.Fatalf("state after successful exchange = %s, want derived", h.State())
	}

	firstSID := sid

	// A rekey on the same connection reuses the caller's sessionIDSlot and
	// must not reassign session_id (spec Testable Property 5).
	h2, err := NewServerHandshake(
		"ecdh-sha2-nistp256", "ssh-ed25519",
		[]byte("V_C2"), []byte("V_S2"), []byte{0x14, 0x01}, []byte{0x14, 0x02},
		loadPub, loadPriv, &fakeDeriver{}, &sid,
	)
	if err != nil {
		t.Fatal(err)
	}
	peer2, err := sshcrypto.GenerateKeypair(curve)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h2.HandleECDHInit(peer2.PublicPoint); err != nil {
		t.Fatalf("HandleECDHInit (rekey): %v", err)
	}
	if !bytes.Equal(sid, firstSID) {
		t.Fatal("session_id changed across rekey")
	}
}

func TestHandshakeRejectsInvalidClientPoint(t *testing.T) {
	var sid []byte
	signer := newTestSigner(t)
	loadPub, loadPriv := testLoaders(signer)
	h, err := NewServerHandshake(
		"ecdh-sha2-nistp256", "ssh-ed25519",
		[]byte("V_C"), []byte("V_S"), []byte{0x14}, []byte{0x14},
		loadPub, loadPriv, &fakeDeriver{}, &sid,
	)
	if err != nil {
		t.Fatal(err)
	}
	bad := make([]byte, 65)
	_, err = h.HandleECDHInit(bad)
	if err == nil {
		t.Fatal("expected error for invalid client public point")
	}
	de, ok := err.(*DisconnectError)
	if !ok {
		t.Fatalf("expected *DisconnectError, got %T: %v", err, err)
	}
	if de.Code != DisconnectKeyExchangeFailed {
		t.Fatalf("disconnect code = %d, want %d", de.Code, DisconnectKeyExchangeFailed)
	}
	if h.State() != StateAborted {
		t.Fatalf("state after invalid point = %s, want aborted", h.State())
	}
}

func TestHandshakeRejectsSecondInitAfterAdvancing(t *testing.T) {
	var sid []byte
	signer := newTestSigner(t)
	loadPub, loadPriv := testLoaders(signer)
	curve := mustCurve(t)
	h, err := NewServerHandshake(
		"ecdh-sha2-nistp256", "ssh-ed25519",
		[]byte("V_C"), []byte("V_S"), []byte{0x14}, []byte{0x14},
		loadPub, loadPriv, &fakeDeriver{}, &sid,
	)
	if err != nil {
		t.Fatal(err)
	}
	peer, err := sshcrypto.GenerateKeypair(curve)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.HandleECDHInit(peer.PublicPoint); err != nil {
		t.Fatalf("first HandleECDHInit: %v", err)
	}
	if _, err := h.HandleECDHInit(peer.PublicPoint); err == nil {
		t.Fatal("expected second HandleECDHInit in a non-await_init state to fail")
	}
}

func TestHandshakeMissingHostKeyIsFatal(t *testing.T) {
	var sid []byte
	loadPub := func(string) (ssh.PublicKey, error) { return nil, errNoHostKey }
	loadPriv := func(string) (ssh.Signer, error) { return nil, errNoHostKey }
	curve := mustCurve(t)
	h, err := NewServerHandshake(
		"ecdh-sha2-nistp256", "ssh-ed25519",
		[]byte("V_C"), []byte("V_S"), []byte{0x14}, []byte{0x14},
		loadPub, loadPriv, &fakeDeriver{}, &sid,
	)
	if err != nil {
		t.Fatal(err)
	}
	peer, err := sshcrypto.GenerateKeypair(curve)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.HandleECDHInit(peer.PublicPoint); err == nil {
		t.Fatal("expected error when no host key of the negotiated type is loaded")
	}
}
