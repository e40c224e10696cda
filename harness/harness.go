// Package harness drives scripted SMTP conversations against a vsmtp
// receiver without network sockets. The server side runs over one end of
// an in-process pipe; tests play the client on the other end and inspect
// the queues and handoff channels afterwards.
package harness

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kyr-sh/vsmtp"
	"github.com/kyr-sh/vsmtp/mem"
	"github.com/kyr-sh/vsmtp/testdata"
)

// Harness wires a Receiver to an in-process pipe.
type Harness struct {
	// Receiver is the server under test.
	Receiver *vsmtp.Receiver

	// Store is the in-memory queue the receiver dispatches into.
	Store *mem.QueueStore

	// Rules is the scripted policy engine.
	Rules *mem.RuleEngine

	// Config is the configuration the receiver was built with.
	Config *vsmtp.Config

	kind   vsmtp.ConnectionKind
	client net.Conn
	reader *bufio.Reader

	transcript []string
	mu         sync.Mutex

	serveDone chan error
}

// Option configures a Harness.
type Option func(*Harness)

// WithConfig replaces the default test configuration.
func WithConfig(cfg *vsmtp.Config) Option {
	return func(h *Harness) { h.Config = cfg }
}

// WithRules installs a scripted policy engine.
func WithRules(rules *mem.RuleEngine) Option {
	return func(h *Harness) { h.Rules = rules }
}

// WithTLS enables STARTTLS with the generated test certificate.
func WithTLS() Option {
	return func(h *Harness) {
		h.Config.TLS = &vsmtp.TLSConfig{HandshakeTimeout: vsmtp.Duration(5 * time.Second)}
	}
}

// WithAuth enables the AUTH extension.
func WithAuth(requireTLS bool, mechanisms ...string) Option {
	return func(h *Harness) {
		h.Config.Auth = &vsmtp.AuthConfig{Mechanisms: mechanisms, RequireTLS: requireTLS}
	}
}

// Tunneled serves the connection in implicit-TLS mode.
func Tunneled() Option {
	return func(h *Harness) { h.kind = vsmtp.KindTunneled }
}

// DefaultConfig is the configuration tests run under: tight timeouts, a
// small message cap, the documented error ceiling.
func DefaultConfig() *vsmtp.Config {
	cfg := vsmtp.DefaultConfig()
	cfg.Server.Greeting = testdata.ServerName
	cfg.Server.CommandTimeout = vsmtp.Duration(5 * time.Second)
	cfg.Server.DataTimeout = vsmtp.Duration(5 * time.Second)
	cfg.Server.SessionLifetime = vsmtp.Duration(30 * time.Second)
	cfg.Server.MaxMessageSize = 64 * 1024
	cfg.Server.MaxRecipients = 10
	return cfg
}

// New assembles a harness. Start must be called before the first exchange.
func New(opts ...Option) (*Harness, error) {
	h := &Harness{
		Store:     mem.NewQueueStore(),
		Rules:     mem.NewRuleEngine(),
		Config:    DefaultConfig(),
		kind:      vsmtp.KindOpportunistic,
		serveDone: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(h)
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	recvOpts := []vsmtp.ReceiverOption{vsmtp.WithLogger(log), vsmtp.WithHandoffCapacity(16)}
	if h.Config.TLS != nil {
		serverTLS, err := testdata.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		recvOpts = append(recvOpts, vsmtp.WithTLSProvider(vsmtp.NewStaticTLSProvider(serverTLS)))
	}

	receiver, err := vsmtp.NewReceiver(h.Config, h.Rules, h.Store, recvOpts...)
	if err != nil {
		return nil, err
	}
	h.Receiver = receiver
	return h, nil
}

// Start launches the server side and connects the client end.
func (h *Harness) Start(ctx context.Context) {
	server, client := net.Pipe()
	h.client = client
	h.reader = bufio.NewReader(client)

	go func() {
		h.serveDone <- h.Receiver.Serve(ctx, server, h.kind, "pipe:client", "pipe:server")
	}()
}

// StartTunneledTLS completes the client half of an implicit-TLS accept.
// Call immediately after Start when the harness is Tunneled.
func (h *Harness) StartTunneledTLS() error {
	return h.upgradeClient()
}

// Send writes one command line, appending CRLF.
func (h *Harness) Send(line string) error {
	h.record("C: " + line)
	h.client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := h.client.Write([]byte(line + "\r\n"))
	return err
}

// Expect reads one full (possibly multi-line) reply and verifies its code.
func (h *Harness) Expect(code int) ([]string, error) {
	lines, err := h.readReply()
	if err != nil {
		return lines, err
	}
	last := lines[len(lines)-1]
	got, err := strconv.Atoi(last[:3])
	if err != nil {
		return lines, fmt.Errorf("malformed reply %q", last)
	}
	if got != code {
		return lines, fmt.Errorf("expected %d, got %q", code, last)
	}
	return lines, nil
}

// readReply consumes reply lines until the code-space terminator.
func (h *Harness) readReply() ([]string, error) {
	var lines []string
	for {
		h.client.SetReadDeadline(time.Now().Add(5 * time.Second))
		raw, err := h.reader.ReadString('\n')
		if err != nil {
			return lines, err
		}
		line := strings.TrimRight(raw, "\r\n")
		h.record("S: " + line)
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			return lines, nil
		}
	}
}

// SendData transmits body line by line, dot-stuffing as the wire demands,
// and terminates the data block.
func (h *Harness) SendData(body string) error {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if err := h.Send(line); err != nil {
			return err
		}
	}
	return h.Send(".")
}

// StartTLS performs the client half of a STARTTLS upgrade. The 220
// go-ahead must already have been read.
func (h *Harness) StartTLS() error {
	return h.upgradeClient()
}

func (h *Harness) upgradeClient() error {
	clientTLS, err := testdata.ClientTLSConfig()
	if err != nil {
		return err
	}
	tlsConn := tls.Client(h.client, clientTLS)
	tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("client handshake: %w", err)
	}
	tlsConn.SetDeadline(time.Time{})
	h.client = tlsConn
	h.reader = bufio.NewReader(tlsConn)
	h.record("-- TLS established --")
	return nil
}

// Wait blocks until the server side returns and yields its error.
func (h *Harness) Wait() error {
	select {
	case err := <-h.serveDone:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("server did not finish")
	}
}

// Close tears the client end down.
func (h *Harness) Close() {
	h.client.Close()
}

// Transcript returns the recorded conversation.
func (h *Harness) Transcript() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.transcript))
	copy(out, h.transcript)
	return out
}

func (h *Harness) record(line string) {
	h.mu.Lock()
	h.transcript = append(h.transcript, line)
	h.mu.Unlock()
}
