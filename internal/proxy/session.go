// Package proxy implements the dual-sided SSH forwarding engine: two
// net.Conn legs, each driven by its own internal/sshtransport.Engine,
// pumping decoded packets from one side into the other's PacketPut and
// draining each side's output queue back onto its socket.
//
// Which leg performs ECDH server duties (internal/kex.ServerHandshake)
// is a deployment choice made when its Engine is constructed; Session
// itself is protocol-agnostic plumbing between two engines. Acting as
// the ECDH client toward an upstream server is out of scope (spec
// non-goal), so a Session's "server" leg is expected to already be past
// its own key exchange, or to be another server-role Engine (which is how
// cmd/sshproxy builds it).
package proxy

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sshrelay/sshmitm/internal/kex"
	"github.com/sshrelay/sshmitm/internal/logging"
	"github.com/sshrelay/sshmitm/internal/recovery"
	"github.com/sshrelay/sshmitm/internal/sshtransport"
)

const readBufSize = 32 * 1024

// Close reasons distinguish a clean peer shutdown from an abrupt one in
// the teardown log line, the same distinction the corpus's own
// FlagFinWrite/FlagFinRead carries for its stream closes.
const (
	closeReasonEOF        = "eof"
	closeReasonDisconnect = "disconnect"
	closeReasonError      = "error"
)

// Side is one leg of a proxied connection: a socket and the transport
// engine that frames/encrypts/decrypts it.
type Side struct {
	Name   string
	Conn   net.Conn
	Engine *sshtransport.Engine
}

// Session forwards decoded packets between its two sides until either
// leg fails or Close is called.
type Session struct {
	ID     uint64
	Client *Side
	Server *Side
	logger *slog.Logger

	closeOnce   sync.Once
	closed      atomic.Bool
	closeReason atomic.Value // string, one of the closeReason* constants
	doneCh      chan struct{}
	wg          sync.WaitGroup

	onClose func(*Session)
}

// NewSession builds a session over two already-connected, already-framed
// legs. logger may be nil (a no-op logger is used).
func NewSession(client, server *Side, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{
		Client: client,
		Server: server,
		logger: logger,
		doneCh: make(chan struct{}),
	}
}

// Start launches the two read pumps and returns immediately. Run blocks
// the caller instead, for callers that want to wait synchronously.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.readPump(s.Client, s.Server)
	go s.readPump(s.Server, s.Client)
}

// Run starts the session and blocks until both pumps exit.
func (s *Session) Run() {
	s.Start()
	s.wg.Wait()
}

// Done returns a channel closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// IsClosed reports whether the session has begun teardown.
func (s *Session) IsClosed() bool { return s.closed.Load() }

func (s *Session) readPump(from, to *Side) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "proxy.Session.readPump:"+from.Name)

	buf := make([]byte, readBufSize)
	for {
		n, err := from.Conn.Read(buf)
		if n > 0 {
			if ferr := s.forward(from, to, buf[:n]); ferr != nil {
				reason := closeReasonError
				if _, ok := ferr.(*kex.DisconnectError); ok {
					reason = closeReasonDisconnect
				}
				s.logger.Debug("proxy forward error",
					"side", from.Name,
					logging.KeyError, ferr)
				s.closeWithReason(reason)
				return
			}
		}
		if err != nil {
			reason := closeReasonError
			if err == io.EOF {
				reason = closeReasonEOF
			} else {
				s.logger.Debug("proxy read error",
					"side", from.Name,
					logging.KeyError, err)
			}
			s.closeWithReason(reason)
			return
		}
	}
}

// forward feeds raw bytes from one side's socket into its engine,
// relays every packet the engine decoded to the peer engine, and
// flushes both sides' output queues. Flushing the source side too
// matters because InputAppend may itself have queued output (a KEX
// reply, NEWKEYS, or DISCONNECT).
func (s *Session) forward(from, to *Side, raw []byte) error {
	if err := from.Engine.InputAppend(raw); err != nil {
		// A DisconnectError means the engine already queued a
		// DISCONNECT to flush before tearing down; any other error is
		// fatal immediately.
		_ = s.flush(from)
		return err
	}
	for {
		msgType, payload, ok := from.Engine.PacketGet()
		if !ok {
			break
		}
		if err := to.Engine.PacketPut(msgType, payload); err != nil {
			return err
		}
	}
	if err := s.flush(from); err != nil {
		return err
	}
	return s.flush(to)
}

// flush drains side.Engine's output queue onto its socket, looping over
// partial writes exactly as spec.md's step 5 describes: a short write
// advances the consume cursor and retries with what's left, it never
// drops bytes silently.
func (s *Session) flush(side *Side) error {
	for {
		buf := side.Engine.OutputPtr()
		if len(buf) == 0 {
			return nil
		}
		n, err := side.Conn.Write(buf)
		if n > 0 {
			side.Engine.OutputConsume(n)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Close tears the session down exactly once: both sockets are closed
// and doneCh is closed, regardless of which side (or how many
// goroutines) call it concurrently.
func (s *Session) Close() {
	s.closeWithReason(closeReasonError)
}

// closeWithReason is Close with an explicit cause, recorded for the
// teardown log line (and the first caller wins: a later closeWithReason
// from the other pump never overwrites it).
func (s *Session) closeWithReason(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeReason.Store(reason)
		if s.Client != nil && s.Client.Conn != nil {
			s.Client.Conn.Close()
		}
		if s.Server != nil && s.Server.Conn != nil {
			s.Server.Conn.Close()
		}
		s.logger.Debug("proxy session closed", logging.KeySessionID, s.ID, logging.KeyReason, reason)
		close(s.doneCh)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// CloseReason reports why the session tore down ("eof", "disconnect", or
// "error"), empty if it has not closed yet.
func (s *Session) CloseReason() string {
	v, _ := s.closeReason.Load().(string)
	return v
}
