package vsmtp

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Connection owns one client for its whole lifetime: the I/O adapter, the
// security state, the liveness flag, and the running count of client
// errors. The transaction engine and the dispatcher both talk to the peer
// exclusively through it, which is what keeps replies in strict request
// order.
type Connection struct {
	// Kind says whether the connection may still upgrade (opportunistic)
	// or was encrypted at accept (tunneled).
	Kind ConnectionKind

	// Context is the snapshot carried into policy hooks and queued mail.
	Context ConnectionContext

	// IO is the byte adapter. Replaced in place on TLS upgrade.
	IO *IO

	// Config is the server configuration the connection was accepted
	// under.
	Config *Config

	// Alive is cleared by QUIT, by the error ceiling, and by terminal I/O
	// or protocol errors. The driver loops while it is set.
	Alive bool

	// ErrorCount is the number of client-caused errors so far.
	ErrorCount int

	log *logrus.Entry
}

// NewConnection builds a Connection over an accepted stream. clientAddr and
// serverAddr describe the socket; kind distinguishes opportunistic from
// tunneled accepts (a tunneled connection is marked secured by the driver
// once its handshake completes, not here).
func NewConnection(stream Stream, kind ConnectionKind, clientAddr, serverAddr string, cfg *Config, log *logrus.Entry) *Connection {
	return &Connection{
		Kind: kind,
		Context: ConnectionContext{
			ClientAddr: clientAddr,
			ServerAddr: serverAddr,
			Timestamp:  time.Now(),
		},
		IO:     NewIO(stream, cfg.Server.MaxLineLength),
		Config: cfg,
		Alive:  true,
		log:    log,
	}
}

// Log returns the connection-scoped log entry.
func (c *Connection) Log() *logrus.Entry { return c.log }

// SendCode writes the canonical reply for code.
func (c *Connection) SendCode(code Code) error {
	return c.SendReply(ReplyFromCode(code))
}

// SendReply writes a rendered reply to the peer. A write failure is
// terminal: the connection is marked dead and the error returned.
func (c *Connection) SendReply(r Reply) error {
	if err := c.IO.Write(r.Bytes()); err != nil {
		c.Alive = false
		c.log.WithError(err).Debug("reply write failed")
		return err
	}
	return nil
}

// SendClientError writes an error reply that the client caused and counts
// it toward the soft error ceiling. When the ceiling is reached the
// connection answers 421 and goes dead.
func (c *Connection) SendClientError(code Code) error {
	if err := c.SendCode(code); err != nil {
		return err
	}
	c.ErrorCount++
	if c.ErrorCount >= c.Config.Server.MaxErrors {
		c.log.WithField("errors", c.ErrorCount).Warn("error ceiling reached, closing session")
		err := c.SendCode(CodeShuttingDown)
		c.Alive = false
		return err
	}
	return nil
}

// UpgradeTLS runs the server-side handshake over the current stream and
// installs the encrypted pipe into the I/O adapter. The 220 go-ahead must
// already be on the wire. Plaintext bytes buffered at this point are a
// pipelined prelude across the upgrade boundary and refuse the handshake.
//
// On success Context.IsSecured flips true; it never flips back.
func (c *Connection) UpgradeTLS(provider TLSProvider) error {
	if c.IO.Buffered() > 0 {
		c.Alive = false
		return ErrPipelinedTLS
	}

	cfg, err := provider.GetConfig()
	if err != nil {
		c.Alive = false
		return err
	}

	timeout := 30 * time.Second
	if c.Config.TLS != nil && c.Config.TLS.HandshakeTimeout > 0 {
		timeout = c.Config.TLS.HandshakeTimeout.Std()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tlsConn := tls.Server(streamConn{c.IO.Stream()}, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		c.Alive = false
		return &TLSError{Phase: TLSPhaseHandshake, Cause: err, Message: "TLS handshake failed"}
	}

	c.IO.Replace(tlsConn)
	c.Context.IsSecured = true

	state := tlsConn.ConnectionState()
	c.log = c.log.WithField("tls", tls.VersionName(state.Version))
	c.log.Info("channel secured")
	return nil
}

// streamConn adapts a Stream to the net.Conn crypto/tls wants. Streams are
// net.Conn in production; the wrapper only fills the address and combined
// deadline methods for test pipes that lack them.
type streamConn struct {
	Stream
}

func (s streamConn) LocalAddr() net.Addr {
	if c, ok := s.Stream.(net.Conn); ok {
		return c.LocalAddr()
	}
	return streamAddr{}
}

func (s streamConn) RemoteAddr() net.Addr {
	if c, ok := s.Stream.(net.Conn); ok {
		return c.RemoteAddr()
	}
	return streamAddr{}
}

func (s streamConn) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}

type streamAddr struct{}

func (streamAddr) Network() string { return "stream" }
func (streamAddr) String() string  { return "stream" }
