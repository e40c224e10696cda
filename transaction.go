package vsmtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// ResultKind classifies what a transaction produced.
type ResultKind int

const (
	// ResultNothing means the transaction ended without a mail: QUIT,
	// peer disconnect, or an error already answered on the wire. RSET does
	// not end the loop; the envelope is cleared and reading continues.
	ResultNothing ResultKind = iota

	// ResultMail means a complete mail context is ready for dispatch.
	ResultMail

	// ResultTLSUpgrade means the client issued STARTTLS and the 220
	// go-ahead is on the wire; the caller owns the handshake.
	ResultTLSUpgrade
)

// TransactionResult is the only thing the engine surfaces to the driver.
// Everything else becomes a reply code internally or a fatal error.
type TransactionResult struct {
	Kind ResultKind
	Mail *MailContext
}

// ErrIntegrity is the terminal error for states the receiver cannot reach
// legitimately: an Info status outside the authentication hook, a missing
// SASL context. The connection answers 421 and closes.
var ErrIntegrity = errors.New("receiver integrity error")

// Transaction drives one SMTP transaction on a connection: it reads
// commands, validates them against the current state, accumulates the
// envelope, consumes the body, and consults the policy engine at the hook
// points.
type Transaction struct {
	conn   *Connection
	policy *PolicyHandle
	state  State
	env    Envelope
	log    *logrus.Entry
}

// Receive runs the transaction loop until it produces a result. heloDomain
// carries the identity asserted in an earlier transaction on the same
// connection (RSET and a completed mail keep it; a TLS upgrade clears it,
// forcing re-EHLO).
func Receive(conn *Connection, heloDomain string, policy *PolicyHandle) (TransactionResult, error) {
	t := &Transaction{
		conn:   conn,
		policy: policy,
		state:  StateConnect,
		log:    conn.Log(),
	}
	if heloDomain != "" {
		t.state = StateHelo
		t.env.Helo = heloDomain
	}

	for conn.Alive {
		res, err := t.step()
		if err != nil {
			return TransactionResult{Kind: ResultNothing}, err
		}
		if res != nil {
			return *res, nil
		}
	}
	return TransactionResult{Kind: ResultNothing}, nil
}

// step reads and handles one command. A nil result means the loop
// continues.
func (t *Transaction) step() (*TransactionResult, error) {
	line, err := t.conn.IO.ReadLine(t.conn.Config.Server.CommandTimeout.Std())
	switch {
	case err == nil:
	case errors.Is(err, ErrLineTooLong):
		return nil, t.conn.SendClientError(CodeSyntaxError)
	case errors.Is(err, ErrInactivity):
		t.log.Info("peer inactive, closing session")
		t.conn.SendCode(CodeShuttingDown)
		t.conn.Alive = false
		return nil, nil
	case errors.Is(err, io.EOF):
		t.log.Debug("peer closed the connection")
		t.conn.Alive = false
		return nil, nil
	default:
		t.log.WithError(err).Debug("read failed")
		t.conn.Alive = false
		return nil, nil
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		t.log.WithError(err).WithField("line", string(line)).Debug("command rejected")
		if errors.Is(err, ErrMissingArgument) || errors.Is(err, ErrUnexpectedArgument) {
			return nil, t.conn.SendClientError(CodeSyntaxParams)
		}
		return nil, t.conn.SendClientError(CodeSyntaxError)
	}

	if !verbAllowedIn(cmd.Verb, t.state) {
		return nil, t.conn.SendClientError(CodeBadSequence)
	}

	switch cmd.Verb {
	case VerbHELO, VerbEHLO:
		return nil, t.handleHelo(cmd)
	case VerbMAIL:
		return nil, t.handleMail(cmd)
	case VerbRCPT:
		return nil, t.handleRcpt(cmd)
	case VerbDATA:
		return t.handleData()
	case VerbRSET:
		t.env = Envelope{Helo: t.env.Helo}
		if t.env.Helo != "" {
			t.state = StateHelo
		} else {
			t.state = StateConnect
		}
		return nil, t.conn.SendCode(CodeOK)
	case VerbNOOP:
		return nil, t.conn.SendCode(CodeOK)
	case VerbQUIT:
		t.conn.Alive = false
		return &TransactionResult{Kind: ResultNothing}, t.conn.SendCode(CodeBye)
	case VerbVRFY, VerbEXPN:
		return nil, t.conn.SendCode(CodeCannotVerify)
	case VerbHELP:
		return nil, t.conn.SendReply(helpReply)
	case VerbSTARTTLS:
		return t.handleStartTLS()
	case VerbAUTH:
		return nil, t.handleAuth(cmd)
	default:
		return nil, t.conn.SendClientError(CodeNotImplemented)
	}
}

// helpReply is the multi-line 214 answer to HELP.
var helpReply = Reply{
	Number: 214,
	Lines: []string{
		"Supported commands:",
		"HELO EHLO MAIL RCPT DATA",
		"RSET NOOP QUIT VRFY HELP",
		"STARTTLS AUTH",
		"For more information, consult RFC 5321",
	},
}

// handleHelo processes EHLO and HELO. A successful identification clears
// any open transaction.
func (t *Transaction) handleHelo(cmd *Command) error {
	domain, err := ParseHeloDomain(cmd.Argument)
	if err != nil {
		return t.conn.SendClientError(CodeSyntaxParams)
	}

	status, err := t.runHook(HookHelo, &HookState{
		Connection: t.snapshot(),
		Envelope:   &Envelope{Helo: domain},
	})
	if err != nil {
		return err
	}
	if status.Kind == StatusDeny {
		return t.conn.SendCode(CodeDenied)
	}

	t.env = Envelope{Helo: domain}
	t.conn.Context.HeloDomain = domain
	t.state = StateHelo
	t.log.WithField("helo", domain).Debug("client identified")

	if cmd.Verb == VerbHELO {
		return t.conn.SendReply(NewReply(250, t.conn.Config.Server.Greeting))
	}
	return t.conn.SendReply(t.ehloReply(domain))
}

// ehloReply builds the multi-line extension advertisement.
func (t *Transaction) ehloReply(domain string) Reply {
	cfg := t.conn.Config
	lines := []string{fmt.Sprintf("%s greets %s", cfg.Server.Greeting, domain)}
	if cfg.TLS != nil && !t.conn.Context.IsSecured {
		lines = append(lines, "STARTTLS")
	}
	if cfg.Auth != nil {
		lines = append(lines, "AUTH "+mechanismList(cfg.Auth.Mechanisms))
	}
	lines = append(lines,
		fmt.Sprintf("SIZE %d", cfg.Server.MaxMessageSize),
		"PIPELINING",
		"8BITMIME",
	)
	return Reply{Number: 250, Lines: lines}
}

// handleMail opens the transaction. The state table already refused MAIL
// outside StateHelo, so a second MAIL FROM in an open transaction was
// answered 503 before we get here.
func (t *Transaction) handleMail(cmd *Command) error {
	path, err := ParsePath(cmd.Argument, "FROM", true)
	if err != nil {
		return t.conn.SendClientError(CodeSyntaxParams)
	}

	declared, err := parseSizeParam(cmd.Params)
	if err != nil {
		return t.conn.SendClientError(CodeSyntaxParams)
	}
	if declared > t.conn.Config.Server.MaxMessageSize {
		return t.conn.SendCode(CodeTooLarge)
	}

	env := t.env
	env.ReversePath = path
	status, err := t.runHook(HookMailFrom, &HookState{
		Connection: t.snapshot(),
		Envelope:   &env,
	})
	if err != nil {
		return err
	}
	if status.Kind == StatusDeny {
		return t.conn.SendCode(CodeDenied)
	}

	t.env.ReversePath = path
	t.state = StateMailFrom
	t.log.WithField("mail_from", path.String()).Debug("transaction open")
	return t.conn.SendCode(CodeOK)
}

// handleRcpt appends one forward-path. A denied recipient does not disturb
// the recipients already accepted.
func (t *Transaction) handleRcpt(cmd *Command) error {
	path, err := ParsePath(cmd.Argument, "TO", false)
	if err != nil {
		return t.conn.SendClientError(CodeSyntaxParams)
	}

	if len(t.env.ForwardPaths) >= t.conn.Config.Server.MaxRecipients {
		return t.conn.SendCode(CodeInsufficientStorage)
	}

	env := t.env
	env.ForwardPaths = append(append([]Path(nil), env.ForwardPaths...), path)
	status, err := t.runHook(HookRcptTo, &HookState{
		Connection: t.snapshot(),
		Envelope:   &env,
	})
	if err != nil {
		return err
	}
	if status.Kind == StatusDeny {
		return t.conn.SendCode(CodeDenied)
	}

	t.env.ForwardPaths = append(t.env.ForwardPaths, path)
	t.state = StateRcptTo
	t.log.WithField("rcpt_to", path.String()).Debug("recipient accepted")
	return t.conn.SendCode(CodeOK)
}

// handleData consumes the body and, on success, produces the mail result.
// The 250 acknowledgment is not sent here: dispatch owns it, because the
// mail must be durably queued first.
func (t *Transaction) handleData() (*TransactionResult, error) {
	if len(t.env.ForwardPaths) == 0 {
		return nil, t.conn.SendCode(CodeTransactionFailed)
	}

	if err := t.conn.SendCode(CodeStartData); err != nil {
		return nil, nil
	}

	body, oversize, ok := t.readBody()
	if !ok {
		return nil, nil
	}
	if oversize {
		t.resetToHelo()
		return nil, t.conn.SendCode(CodeTooLarge)
	}

	now := time.Now()
	mail := &MailContext{
		Connection: t.conn.Context,
		Envelope:   t.env,
		Body:       body,
		Metadata: Metadata{
			MessageID: NewMessageID(now),
			Timestamp: now,
			Resolver:  ResolverDefault,
		},
	}

	status, err := t.runHook(HookPreQueue, &HookState{
		Connection: t.snapshot(),
		Envelope:   &mail.Envelope,
		Mail:       mail,
	})
	if err != nil {
		return nil, err
	}
	if status.Kind == StatusDeny {
		t.resetToHelo()
		return nil, t.conn.SendCode(CodeTransactionFailed)
	}

	t.log.WithFields(logrus.Fields{
		"message_id": mail.Metadata.MessageID,
		"size":       len(mail.Body),
		"recipients": len(mail.Envelope.ForwardPaths),
	}).Info("mail received")

	t.resetToHelo()
	return &TransactionResult{Kind: ResultMail, Mail: mail}, nil
}

// readBody consumes dot-stuffed lines until the lone-dot terminator. When
// the accumulated size passes the cap the remainder is still consumed so
// the conversation stays framed, but nothing more is kept. ok is false on
// a terminal read error.
func (t *Transaction) readBody() (body []byte, oversize, ok bool) {
	var buf bytes.Buffer
	max := t.conn.Config.Server.MaxMessageSize
	timeout := t.conn.Config.Server.DataTimeout.Std()

	for {
		line, err := t.conn.IO.ReadLine(timeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrLineTooLong):
			// The over-long line was discarded by the adapter; the
			// message cannot be accepted as transmitted.
			oversize = true
			continue
		default:
			t.log.WithError(err).Debug("body read failed")
			t.conn.Alive = false
			return nil, false, false
		}

		if isDataTerminator(line) {
			return buf.Bytes(), oversize, true
		}

		if oversize {
			continue
		}
		payload := unstuffDataLine(line)
		if int64(buf.Len()+len(payload)+2) > max {
			oversize = true
			continue
		}
		buf.Write(payload)
		buf.WriteString("\r\n")
	}
}

// handleStartTLS answers the upgrade request. With no TLS configuration the
// session is refused and closed; on a channel that is already secured a
// second STARTTLS is a sequence error.
func (t *Transaction) handleStartTLS() (*TransactionResult, error) {
	if t.conn.Config.TLS == nil {
		t.conn.SendCode(CodeTLSNotAvailable)
		t.conn.SendCode(CodeBye)
		t.conn.Alive = false
		return &TransactionResult{Kind: ResultNothing}, nil
	}
	if t.conn.Context.IsSecured {
		return nil, t.conn.SendClientError(CodeBadSequence)
	}
	if err := t.conn.SendCode(CodeTLSReady); err != nil {
		return nil, nil
	}
	return &TransactionResult{Kind: ResultTLSUpgrade}, nil
}

// resetToHelo clears the envelope, keeping the asserted identity.
func (t *Transaction) resetToHelo() {
	t.env = Envelope{Helo: t.env.Helo}
	t.state = StateHelo
}

// snapshot copies the connection context for a policy hook. Hooks never
// see the live struct.
func (t *Transaction) snapshot() ConnectionContext {
	return t.conn.Context
}

// runHook evaluates one hook under the shared policy handle. An Info
// status at any hook but authentication is a misuse of the taxonomy; the
// receiver treats it as an integrity error, answers 421, and gives the
// connection up.
func (t *Transaction) runHook(hook Hook, state *HookState) (Status, error) {
	status := t.policy.RunWhen(hook, state)
	if status.Kind == StatusInfo && hook != HookAuth {
		t.log.WithField("hook", hook.String()).Error("info status outside authentication hook")
		t.conn.SendCode(CodeShuttingDown)
		t.conn.Alive = false
		return status, fmt.Errorf("%w: info status at %s hook", ErrIntegrity, hook)
	}
	return status, nil
}
