// Package keysign implements the privileged ssh-keysign helper's request
// protocol: validating a hostbased signing request against the expected
// session, service, method, client hostname, and local user, then
// signing the request's signed data with the matching host key.
package keysign

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/sshrelay/sshmitm/internal/hostkeys"
	"github.com/sshrelay/sshmitm/internal/sshcrypto"
	"github.com/sshrelay/sshmitm/internal/wire"
)

// userAuthRequestType is the SSH2 message number a hostbased signing
// request's embedded "type" field must carry (SSH_MSG_USERAUTH_REQUEST).
const userAuthRequestType = 50

const (
	wantService = "ssh-connection"
	wantMethod  = "hostbased"
)

// ErrInvalidRequest is returned when the request body fails any of the
// checks in section 4.7: every check runs regardless of earlier
// failures, matching the original helper's accumulate-then-reject
// discipline, and ErrInvalidRequest wraps a human-readable tally.
var ErrInvalidRequest = errors.New("keysign: invalid request")

// ValidateRequest parses and checks body — session_id || byte type ||
// string server_user || string service || string method || string
// pkalg || string pkblob || string chost || string luser, with no
// trailing bytes — against localHostname and localUser, returning the
// parsed public key only if every check passed. On failure it returns the
// accumulated failure count wrapped in ErrInvalidRequest; a field that
// cannot be decoded ends parsing at once with a decode error instead. No
// partial key is ever returned.
func ValidateRequest(body []byte, localHostname, localUser string) (ssh.PublicKey, error) {
	r := wire.NewReader(body)
	fails := 0

	sid, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("keysign: decode session_id: %w", err)
	}
	if len(sid) != 20 && len(sid) != 32 {
		fails++
	}

	msgType, err := r.Byte()
	if err != nil {
		return nil, fmt.Errorf("keysign: decode type: %w", err)
	}
	if msgType != userAuthRequestType {
		fails++
	}

	if _, err := r.String(); err != nil { // server_user, unchecked per original
		return nil, fmt.Errorf("keysign: decode server_user: %w", err)
	}

	service, err := r.CString()
	if err != nil {
		return nil, fmt.Errorf("keysign: decode service: %w", err)
	}
	if service != wantService {
		fails++
	}

	method, err := r.CString()
	if err != nil {
		return nil, fmt.Errorf("keysign: decode method: %w", err)
	}
	if method != wantMethod {
		fails++
	}

	pkalg, err := r.CString()
	if err != nil {
		return nil, fmt.Errorf("keysign: decode pkalg: %w", err)
	}
	pkblob, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("keysign: decode pkblob: %w", err)
	}
	var pub ssh.PublicKey
	parsed, perr := ssh.ParsePublicKey(pkblob)
	if perr != nil {
		fails++
	} else if parsed.Type() != pkalg {
		fails++
	} else {
		pub = parsed
	}

	chost, err := r.CString()
	if err != nil {
		return nil, fmt.Errorf("keysign: decode chost: %w", err)
	}
	// The client hostname on the wire always carries a trailing dot;
	// the configured localHostname does not.
	if !strings.HasSuffix(chost, ".") {
		fails++
	} else if !strings.EqualFold(strings.TrimSuffix(chost, "."), localHostname) {
		fails++
	}

	luser, err := r.CString()
	if err != nil {
		return nil, fmt.Errorf("keysign: decode luser: %w", err)
	}
	if luser != localUser {
		fails++
	}

	if err := r.End(); err != nil {
		fails++
	}

	if fails > 0 {
		return nil, fmt.Errorf("%w: %d check(s) failed", ErrInvalidRequest, fails)
	}
	return pub, nil
}

// SelectAndSign finds the host key matching pub's algorithm and, if
// it is also byte-identical to pub, signs data with it. cmd/ssh-keysign
// uses this to answer a validated hostbased signing request.
func SelectAndSign(keys *hostkeys.Set, pub ssh.PublicKey, data []byte) ([]byte, error) {
	signer, err := keys.Private(pub.Type())
	if err != nil {
		return nil, fmt.Errorf("keysign: %w", err)
	}
	if string(signer.PublicKey().Marshal()) != string(pub.Marshal()) {
		return nil, fmt.Errorf("keysign: requested key does not match loaded host key of type %s", pub.Type())
	}
	return sshcrypto.SignHostKey(signer, data)
}
