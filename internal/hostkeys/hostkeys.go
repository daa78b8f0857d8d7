// Package hostkeys loads the proxy's host private keys from PEM files on
// disk and exposes them through the HostPublicLoader/HostPrivateLoader
// shapes internal/kex expects.
package hostkeys

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Set holds zero or more host keys, indexed by their SSH key type string
// (e.g. "ssh-ed25519", "ecdsa-sha2-nistp256", "ssh-rsa"). A proxy
// normally loads one key per algorithm family so it can match whatever
// host key type the client's KEXINIT negotiates.
type Set struct {
	mu      sync.RWMutex
	signers map[string]ssh.Signer
}

// NewSet returns an empty key set.
func NewSet() *Set {
	return &Set{signers: make(map[string]ssh.Signer)}
}

// LoadFile reads a PEM-encoded private key from path and adds it to the
// set, indexed by the key type golang.org/x/crypto/ssh assigns it
// (ssh.Signer.PublicKey().Type()). Passphrase-protected keys are not
// supported; a proxy host key must be readable by the process that loads
// it with no interactive prompt.
func (s *Set) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("hostkeys: read %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return fmt.Errorf("hostkeys: parse %s: %w", path, err)
	}
	s.mu.Lock()
	s.signers[signer.PublicKey().Type()] = signer
	s.mu.Unlock()
	return nil
}

// Types reports the key types currently loaded, for KEXINIT
// server_host_key_algorithms negotiation.
func (s *Set) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.signers))
	for t := range s.signers {
		types = append(types, t)
	}
	return types
}

// Public implements kex.HostPublicLoader.
func (s *Set) Public(keyType string) (ssh.PublicKey, error) {
	signer, err := s.signer(keyType)
	if err != nil {
		return nil, err
	}
	return signer.PublicKey(), nil
}

// Private implements kex.HostPrivateLoader.
func (s *Set) Private(keyType string) (ssh.Signer, error) {
	return s.signer(keyType)
}

func (s *Set) signer(keyType string) (ssh.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	signer, ok := s.signers[keyType]
	if !ok {
		return nil, fmt.Errorf("hostkeys: no host key of type %q loaded", keyType)
	}
	return signer, nil
}
