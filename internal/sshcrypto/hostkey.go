package sshcrypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// HostKeyBlob returns the SSH wire-format public key blob (the K_S field of
// KEX_ECDH_REPLY): a self-describing `string algorithm || ...` structure
// produced by golang.org/x/crypto/ssh's own marshaling, so it matches
// exactly what any SSH client expects to unmarshal.
func HostKeyBlob(pub ssh.PublicKey) []byte {
	return pub.Marshal()
}

// SignHostKey signs data with the host private key and returns the
// signature in SSH wire form: `string format || string blob`, suitable for
// inclusion as a `string` field in KEX_ECDH_REPLY.
func SignHostKey(signer ssh.Signer, data []byte) ([]byte, error) {
	sig, err := signer.Sign(rand.Reader, data)
	if err != nil {
		return nil, fmt.Errorf("sshcrypto: sign host key: %w", err)
	}
	return ssh.Marshal(sig), nil
}
