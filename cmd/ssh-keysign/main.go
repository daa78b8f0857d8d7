// Command ssh-keysign is the privileged helper invoked over a duplex pipe
// to validate a hostbased-authentication signing request and sign it with
// this host's private key. It is a one-shot process: load host keys, drop
// privileges to the real invoking user, then read exactly one request and
// answer exactly one response (spec.md section 5's "drops privileges,
// then reads the request" lifecycle).
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/sshrelay/sshmitm/internal/config"
	"github.com/sshrelay/sshmitm/internal/hostkeys"
	"github.com/sshrelay/sshmitm/internal/keysign"
	"github.com/sshrelay/sshmitm/internal/metrics"
	"github.com/sshrelay/sshmitm/internal/wire"
)

const protocolVersion = 2

// maxFDIndex bounds fd_index: this rewrite resolves the local hostname
// from os.Hostname rather than the referenced descriptor (see DESIGN.md's
// Open Question resolution), but the field is still range-checked so a
// malformed request is rejected the same way a real caller's mistake
// would be.
const maxFDIndex = 255

func main() {
	configPath := "/etc/ssh/sshproxy.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fail(fmt.Errorf("ssh-keysign: load config: %w", err))
	}
	if !cfg.Keysign.Enabled {
		fail(fmt.Errorf("ssh-keysign: disabled by configuration"))
	}

	keys := hostkeys.NewSet()
	entries, err := os.ReadDir(cfg.Keysign.HostKeyDir)
	if err != nil {
		fail(fmt.Errorf("ssh-keysign: read host key dir: %w", err))
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_ = keys.LoadFile(cfg.Keysign.HostKeyDir + "/" + e.Name())
	}

	m := metrics.Default()
	m.KeysignRequests.Inc()

	// Resolve the real invoking user before dropping privileges, exactly
	// as ssh-keysign.c does: original_real_uid = getuid() runs before
	// permanently_set_uid(pw), because the real uid never changes across
	// exec of a setuid-root binary and is the one value pwcopy(pw) needs.
	realUID := syscall.Getuid()
	localUser, err := lookupUsername(realUID)
	if err != nil {
		fail(fmt.Errorf("ssh-keysign: resolve invoking user: %w", err))
	}

	if err := syscall.Setuid(realUID); err != nil {
		fail(fmt.Errorf("ssh-keysign: drop privileges: %w", err))
	}

	localHostname, err := os.Hostname()
	if err != nil {
		fail(fmt.Errorf("ssh-keysign: resolve local hostname: %w", err))
	}

	if err := serveOne(os.Stdin, os.Stdout, keys, localHostname, localUser, m); err != nil {
		m.KeysignRejects.WithLabelValues("request").Inc()
		fail(fmt.Errorf("ssh-keysign: %w", err))
	}
}

// lookupUsername resolves uid to its password-database username, the
// os/user analog of ssh-keysign.c's getpwuid(original_real_uid).
func lookupUsername(uid int) (string, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// serveOne reads one length-prefixed request from r, validates and signs
// it, and writes one length-prefixed response to w.
func serveOne(r io.Reader, w io.Writer, keys *hostkeys.Set, localHostname, localUser string, m *metrics.Metrics) error {
	body, err := readFramed(r)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	rd := wire.NewReader(body)
	version, err := rd.Byte()
	if err != nil {
		return fmt.Errorf("decode version: %w", err)
	}
	if version != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", version)
	}
	fdIndex, err := rd.Uint32()
	if err != nil {
		return fmt.Errorf("decode fd_index: %w", err)
	}
	if fdIndex > maxFDIndex {
		return fmt.Errorf("fd_index %d out of range", fdIndex)
	}
	signedData, err := rd.String()
	if err != nil {
		return fmt.Errorf("decode signed_data: %w", err)
	}
	if err := rd.End(); err != nil {
		return fmt.Errorf("trailing bytes after signed_data: %w", err)
	}

	pub, err := keysign.ValidateRequest(signedData, localHostname, localUser)
	if err != nil {
		return fmt.Errorf("validate request: %w", err)
	}

	sig, err := keysign.SelectAndSign(keys, pub, signedData)
	if err != nil {
		m.KeysignRejects.WithLabelValues("sign").Inc()
		return fmt.Errorf("sign: %w", err)
	}

	resp := wire.NewWriter()
	resp.Byte(protocolVersion)
	resp.String(sig)
	return writeFramed(w, resp.Bytes())
}

func readFramed(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > 1<<20 {
		return nil, fmt.Errorf("request too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFramed(w io.Writer, body []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
