package vsmtp

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ruleFunc adapts a function to the RuleEngine interface for tests.
type ruleFunc func(Hook, *HookState) Status

func (f ruleFunc) RunWhen(h Hook, s *HookState) Status { return f(h, s) }

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Greeting = "test.example.com"
	cfg.Server.CommandTimeout = Duration(5 * time.Second)
	cfg.Server.DataTimeout = Duration(5 * time.Second)
	cfg.Server.MaxMessageSize = 4096
	cfg.Server.MaxRecipients = 3
	return cfg
}

type receiveOutcome struct {
	res TransactionResult
	err error
}

// script plays the client half of a conversation against a Transaction
// running over the other end of a pipe.
type script struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
}

// startReceive launches Receive on a pipe and returns the client script,
// the connection under test, and the channel delivering the outcome.
func startReceive(t *testing.T, cfg *Config, helo string, engine RuleEngine) (*script, *Connection, <-chan receiveOutcome) {
	t.Helper()
	server, client := net.Pipe()
	conn := NewConnection(server, KindOpportunistic, "pipe:client", "pipe:server", cfg, quietLogger())

	out := make(chan receiveOutcome, 1)
	go func() {
		res, err := Receive(conn, helo, NewPolicyHandle(engine))
		out <- receiveOutcome{res: res, err: err}
	}()

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return &script{t: t, c: client, br: bufio.NewReader(client)}, conn, out
}

func (s *script) send(line string) {
	s.t.Helper()
	s.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := s.c.Write([]byte(line + "\r\n"))
	require.NoError(s.t, err, "send %q", line)
}

// expect reads one full reply and asserts the final line's code.
func (s *script) expect(code int) []string {
	s.t.Helper()
	var lines []string
	for {
		s.c.SetReadDeadline(time.Now().Add(5 * time.Second))
		raw, err := s.br.ReadString('\n')
		require.NoError(s.t, err, "reading reply")
		line := strings.TrimRight(raw, "\r\n")
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			break
		}
	}
	last := lines[len(lines)-1]
	require.True(s.t, strings.HasPrefix(last, fmt.Sprintf("%d", code)), "expected %d, got %q", code, last)
	return lines
}

func (s *script) outcome(out <-chan receiveOutcome) receiveOutcome {
	s.t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(5 * time.Second):
		s.t.Fatal("transaction did not finish")
		return receiveOutcome{}
	}
}

func TestReceivePlainTransaction(t *testing.T) {
	client, conn, out := startReceive(t, testConfig(), "", nil)

	client.send("EHLO client.example")
	lines := client.expect(250)
	assert.Contains(t, strings.Join(lines, "\n"), "PIPELINING")
	assert.Contains(t, strings.Join(lines, "\n"), "8BITMIME")
	assert.Contains(t, strings.Join(lines, "\n"), "SIZE 4096")

	client.send("MAIL FROM:<sender@example.com>")
	client.expect(250)
	client.send("RCPT TO:<one@example.com>")
	client.expect(250)
	client.send("RCPT TO:<two@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	client.send("Subject: hello")
	client.send("")
	client.send("hi there")
	client.send("..hidden dot line")
	client.send(".")

	o := client.outcome(out)
	require.NoError(t, o.err)
	require.Equal(t, ResultMail, o.res.Kind)

	mail := o.res.Mail
	require.NotNil(t, mail)
	assert.Equal(t, "client.example", mail.Envelope.Helo)
	assert.Equal(t, "sender@example.com", mail.Envelope.ReversePath.Address)
	require.Len(t, mail.Envelope.ForwardPaths, 2)
	assert.Equal(t, "one@example.com", mail.Envelope.ForwardPaths[0].Address)
	assert.NotEmpty(t, mail.Metadata.MessageID)
	assert.Equal(t, ResolverDefault, mail.Metadata.Resolver)
	assert.False(t, mail.Metadata.Skipped())

	// Dot-stuffing reconstructed byte-identical.
	body := string(mail.Body)
	assert.Contains(t, body, "Subject: hello\r\n")
	assert.Contains(t, body, ".hidden dot line\r\n")
	assert.NotContains(t, body, "..hidden")

	assert.True(t, conn.Alive)
}

func TestReceiveSequenceErrors(t *testing.T) {
	client, _, out := startReceive(t, testConfig(), "", nil)

	client.send("MAIL FROM:<a@b.example>")
	client.expect(503)
	client.send("RCPT TO:<a@b.example>")
	client.expect(503)
	client.send("EHLO client.example")
	client.expect(250)
	client.send("MAIL FROM:<a@b.example>")
	client.expect(250)
	// A second MAIL FROM inside an open transaction is refused, not
	// treated as an implicit RSET.
	client.send("MAIL FROM:<c@d.example>")
	client.expect(503)
	// DATA with the recipient list still empty.
	client.send("DATA")
	client.expect(554)
	client.send("QUIT")
	client.expect(221)

	o := client.outcome(out)
	require.NoError(t, o.err)
	assert.Equal(t, ResultNothing, o.res.Kind)
}

func TestReceiveRsetClearsEnvelope(t *testing.T) {
	client, _, out := startReceive(t, testConfig(), "", nil)

	client.send("EHLO client.example")
	client.expect(250)
	client.send("MAIL FROM:<first@example.com>")
	client.expect(250)
	client.send("RCPT TO:<rcpt@example.com>")
	client.expect(250)
	client.send("RSET")
	client.expect(250)

	// The helo identity survives the reset; a fresh transaction opens.
	client.send("MAIL FROM:<second@example.com>")
	client.expect(250)
	client.send("RCPT TO:<rcpt@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	client.send("hello")
	client.send(".")

	o := client.outcome(out)
	require.NoError(t, o.err)
	require.Equal(t, ResultMail, o.res.Kind)
	assert.Equal(t, "second@example.com", o.res.Mail.Envelope.ReversePath.Address)
	require.Len(t, o.res.Mail.Envelope.ForwardPaths, 1)
}

func TestReceiveQuit(t *testing.T) {
	client, conn, out := startReceive(t, testConfig(), "", nil)

	client.send("NOOP")
	client.expect(250)
	client.send("QUIT")
	client.expect(221)

	o := client.outcome(out)
	require.NoError(t, o.err)
	assert.Equal(t, ResultNothing, o.res.Kind)
	assert.False(t, conn.Alive)
}

func TestReceiveRcptDenialKeepsEarlierRecipients(t *testing.T) {
	engine := ruleFunc(func(hook Hook, state *HookState) Status {
		if hook == HookRcptTo && len(state.Envelope.ForwardPaths) > 0 {
			last := state.Envelope.ForwardPaths[len(state.Envelope.ForwardPaths)-1]
			if strings.HasPrefix(last.Address, "blocked@") {
				return Deny()
			}
		}
		return Next()
	})
	client, _, out := startReceive(t, testConfig(), "", engine)

	client.send("EHLO client.example")
	client.expect(250)
	client.send("MAIL FROM:<a@b.example>")
	client.expect(250)
	client.send("RCPT TO:<good@example.com>")
	client.expect(250)
	client.send("RCPT TO:<blocked@example.com>")
	client.expect(550)
	client.send("RCPT TO:<other@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	client.send("x")
	client.send(".")

	o := client.outcome(out)
	require.NoError(t, o.err)
	require.Equal(t, ResultMail, o.res.Kind)
	require.Len(t, o.res.Mail.Envelope.ForwardPaths, 2)
	assert.Equal(t, "good@example.com", o.res.Mail.Envelope.ForwardPaths[0].Address)
	assert.Equal(t, "other@example.com", o.res.Mail.Envelope.ForwardPaths[1].Address)
}

func TestReceiveMaxRecipients(t *testing.T) {
	client, _, out := startReceive(t, testConfig(), "", nil)

	client.send("EHLO client.example")
	client.expect(250)
	client.send("MAIL FROM:<a@b.example>")
	client.expect(250)
	for i := 0; i < 3; i++ {
		client.send(fmt.Sprintf("RCPT TO:<rcpt%d@example.com>", i))
		client.expect(250)
	}
	client.send("RCPT TO:<overflow@example.com>")
	client.expect(452)
	client.send("QUIT")
	client.expect(221)
	client.outcome(out)
}

func TestReceiveErrorCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxErrors = 3
	client, conn, out := startReceive(t, cfg, "", nil)

	client.send("FROB")
	client.expect(500)
	client.send("FROB")
	client.expect(500)
	client.send("FROB")
	client.expect(500)
	client.expect(421)

	o := client.outcome(out)
	require.NoError(t, o.err)
	assert.Equal(t, ResultNothing, o.res.Kind)
	assert.False(t, conn.Alive)
}

func TestReceiveOversizeBody(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxMessageSize = 32
	client, _, out := startReceive(t, cfg, "", nil)

	client.send("EHLO client.example")
	client.expect(250)
	client.send("MAIL FROM:<a@b.example>")
	client.expect(250)
	client.send("RCPT TO:<r@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	client.send(strings.Repeat("x", 64))
	client.send(strings.Repeat("y", 64))
	client.send(".")
	client.expect(552)

	// The connection survives; a fresh transaction works.
	client.send("MAIL FROM:<a@b.example>")
	client.expect(250)
	client.send("QUIT")
	client.expect(221)
	client.outcome(out)
}

func TestReceiveDeclaredSizeTooLarge(t *testing.T) {
	client, _, out := startReceive(t, testConfig(), "", nil)

	client.send("EHLO client.example")
	client.expect(250)
	client.send("MAIL FROM:<a@b.example> SIZE=999999999")
	client.expect(552)
	client.send("QUIT")
	client.expect(221)
	client.outcome(out)
}

func TestReceiveHelpIsMultiline(t *testing.T) {
	client, _, out := startReceive(t, testConfig(), "", nil)

	client.send("HELP")
	lines := client.expect(214)
	require.Greater(t, len(lines), 1)
	for _, line := range lines[:len(lines)-1] {
		assert.True(t, strings.HasPrefix(line, "214-"), "intermediate line %q", line)
	}
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "214 "))
	assert.Contains(t, strings.Join(lines, "\n"), "RFC 5321")

	client.send("QUIT")
	client.expect(221)
	client.outcome(out)
}

func TestReceiveStartTLSBeforeIdentification(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = &TLSConfig{HandshakeTimeout: Duration(5 * time.Second)}
	client, _, out := startReceive(t, cfg, "", nil)

	// The client must identify itself before asking for the upgrade.
	client.send("STARTTLS")
	client.expect(503)
	client.send("EHLO client.example")
	client.expect(250)
	client.send("STARTTLS")
	client.expect(220)

	o := client.outcome(out)
	require.NoError(t, o.err)
	assert.Equal(t, ResultTLSUpgrade, o.res.Kind)
}

func TestReceiveStartTLSUnavailable(t *testing.T) {
	client, conn, out := startReceive(t, testConfig(), "", nil)

	client.send("EHLO client.example")
	lines := client.expect(250)
	assert.NotContains(t, strings.Join(lines, "\n"), "STARTTLS")

	client.send("STARTTLS")
	client.expect(454)
	client.expect(221)

	o := client.outcome(out)
	require.NoError(t, o.err)
	assert.Equal(t, ResultNothing, o.res.Kind)
	assert.False(t, conn.Alive)
}

func TestReceiveStartTLSAgreed(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = &TLSConfig{HandshakeTimeout: Duration(5 * time.Second)}
	client, _, out := startReceive(t, cfg, "", nil)

	client.send("EHLO client.example")
	lines := client.expect(250)
	assert.Contains(t, strings.Join(lines, "\n"), "STARTTLS")

	client.send("STARTTLS")
	client.expect(220)

	o := client.outcome(out)
	require.NoError(t, o.err)
	assert.Equal(t, ResultTLSUpgrade, o.res.Kind)
}

func TestReceiveStartTLSOnSecuredChannel(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = &TLSConfig{HandshakeTimeout: Duration(5 * time.Second)}
	server, clientEnd := net.Pipe()
	conn := NewConnection(server, KindOpportunistic, "c", "s", cfg, quietLogger())
	conn.Context.IsSecured = true

	out := make(chan receiveOutcome, 1)
	go func() {
		res, err := Receive(conn, "client.example", NewPolicyHandle(nil))
		out <- receiveOutcome{res: res, err: err}
	}()
	t.Cleanup(func() { clientEnd.Close(); server.Close() })

	client := &script{t: t, c: clientEnd, br: bufio.NewReader(clientEnd)}
	client.send("STARTTLS")
	client.expect(503)
	client.send("QUIT")
	client.expect(221)
	o := client.outcome(out)
	require.NoError(t, o.err)
	assert.Equal(t, ResultNothing, o.res.Kind)
}

func TestReceivePolicyDenyMail(t *testing.T) {
	engine := ruleFunc(func(hook Hook, state *HookState) Status {
		if hook == HookMailFrom {
			return Deny()
		}
		return Next()
	})
	client, _, out := startReceive(t, testConfig(), "", engine)

	client.send("EHLO client.example")
	client.expect(250)
	client.send("MAIL FROM:<spam@example.com>")
	client.expect(550)
	client.send("QUIT")
	client.expect(221)
	client.outcome(out)
}

func TestReceiveInfoMisuseIsIntegrityError(t *testing.T) {
	engine := ruleFunc(func(hook Hook, state *HookState) Status {
		if hook == HookMailFrom {
			return Info("nonsense")
		}
		return Next()
	})
	client, conn, out := startReceive(t, testConfig(), "", engine)

	client.send("EHLO client.example")
	client.expect(250)
	client.send("MAIL FROM:<a@b.example>")
	client.expect(421)

	o := client.outcome(out)
	require.ErrorIs(t, o.err, ErrIntegrity)
	assert.False(t, conn.Alive)
}

func TestReceiveCarriedHeloDomain(t *testing.T) {
	client, _, out := startReceive(t, testConfig(), "carried.example", nil)

	// No EHLO needed: the identity survives from the previous transaction.
	client.send("MAIL FROM:<a@b.example>")
	client.expect(250)
	client.send("RCPT TO:<r@example.com>")
	client.expect(250)
	client.send("DATA")
	client.expect(354)
	client.send("x")
	client.send(".")

	o := client.outcome(out)
	require.NoError(t, o.err)
	require.Equal(t, ResultMail, o.res.Kind)
	assert.Equal(t, "carried.example", o.res.Mail.Envelope.Helo)
}

func TestMessageIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		id := NewMessageID(now)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
