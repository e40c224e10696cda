package vsmtp

import (
	"fmt"
	"strings"
)

// Code identifies one SMTP reply the receiver can emit. The set is closed:
// every reply written to the wire goes through this enumeration, which keeps
// the canonical text next to the three-digit number.
//
// Two codes may share a wire number (the 220 greeting and the 220 "ready to
// start TLS" answer differ in text), so Code is a semantic identifier rather
// than the number itself.
type Code int

const (
	// CodeGreeting is the 220 banner sent when the session opens.
	CodeGreeting Code = iota + 1

	// CodeTLSReady is the 220 answer that precedes the TLS handshake.
	CodeTLSReady

	// CodeBye is the 221 answer to QUIT.
	CodeBye

	// CodeAuthSucceeded is the 235 answer to a completed authentication.
	CodeAuthSucceeded

	// CodeOK is the generic 250 positive completion.
	CodeOK

	// CodeCannotVerify is the 252 answer to VRFY/EXPN.
	CodeCannotVerify

	// CodeAuthChallenge is the 334 base64 challenge line of an AUTH exchange.
	CodeAuthChallenge

	// CodeStartData is the 354 go-ahead after DATA.
	CodeStartData

	// CodeShuttingDown is the 421 answer sent when the receiver gives up on
	// the session (error ceiling, integrity error, shutdown).
	CodeShuttingDown

	// CodeMailboxTransient is the 450 transient mailbox refusal.
	CodeMailboxTransient

	// CodeLocalError is the 451 local processing error.
	CodeLocalError

	// CodeInsufficientStorage is the 452 answer (too many recipients,
	// storage pressure).
	CodeInsufficientStorage

	// CodeTLSNotAvailable is the 454 answer to STARTTLS when no TLS
	// configuration exists.
	CodeTLSNotAvailable

	// CodeSyntaxError is the 500 answer to an unrecognized command.
	CodeSyntaxError

	// CodeSyntaxParams is the 501 answer to malformed arguments.
	CodeSyntaxParams

	// CodeNotImplemented is the 502 answer to a known but unsupported verb.
	CodeNotImplemented

	// CodeBadSequence is the 503 answer to an out-of-sequence command.
	CodeBadSequence

	// CodeParamNotImplemented is the 504 answer to an unknown AUTH mechanism.
	CodeParamNotImplemented

	// CodeAuthInvalid is the 535 answer to failed credentials.
	CodeAuthInvalid

	// CodeAuthAborted is the 501 answer to a cancelled AUTH exchange.
	CodeAuthAborted

	// CodeAuthTLSRequired is the 538 refusal of AUTH on a plaintext channel.
	CodeAuthTLSRequired

	// CodeDenied is the 550 policy denial.
	CodeDenied

	// CodeTooLarge is the 552 message size refusal.
	CodeTooLarge

	// CodeTransactionFailed is the 554 transaction failure.
	CodeTransactionFailed
)

// codeSpec carries the wire number and canonical text for each Code.
var codeSpec = map[Code]struct {
	number int
	text   string
}{
	CodeGreeting:            {220, "Service ready"},
	CodeTLSReady:            {220, "Ready to start TLS"},
	CodeBye:                 {221, "Service closing transmission channel"},
	CodeAuthSucceeded:       {235, "2.7.0 Authentication succeeded"},
	CodeOK:                  {250, "Ok"},
	CodeCannotVerify:        {252, "Cannot VRFY user, but will accept message and attempt delivery"},
	CodeAuthChallenge:       {334, ""},
	CodeStartData:           {354, "Start mail input; end with <CRLF>.<CRLF>"},
	CodeShuttingDown:        {421, "Service not available, closing transmission channel"},
	CodeMailboxTransient:    {450, "Requested mail action not taken: mailbox unavailable"},
	CodeLocalError:          {451, "Requested action aborted: local error in processing"},
	CodeInsufficientStorage: {452, "Requested action not taken: insufficient system storage"},
	CodeTLSNotAvailable:     {454, "TLS not available due to temporary reason"},
	CodeSyntaxError:         {500, "Syntax error command unrecognized"},
	CodeSyntaxParams:        {501, "Syntax error in parameters or arguments"},
	CodeNotImplemented:      {502, "Command not implemented"},
	CodeBadSequence:         {503, "Bad sequence of commands"},
	CodeParamNotImplemented: {504, "Command parameter not implemented"},
	CodeAuthInvalid:         {535, "5.7.8 Authentication credentials invalid"},
	CodeAuthAborted:         {501, "Authentication canceled by client"},
	CodeAuthTLSRequired:     {538, "5.7.11 Encryption required for requested authentication mechanism"},
	CodeDenied:              {550, "Requested action not taken: mailbox unavailable"},
	CodeTooLarge:            {552, "5.3.4 Message size exceeds fixed maximum message size"},
	CodeTransactionFailed:   {554, "Transaction failed"},
}

// Number returns the three-digit wire number of the code.
func (c Code) Number() int {
	return codeSpec[c].number
}

// Text returns the canonical reply text of the code.
func (c Code) Text() string {
	return codeSpec[c].text
}

// IsError reports whether the code is a 4xx or 5xx completion. Error codes
// caused by the client count toward the per-connection error ceiling.
func (c Code) IsError() bool {
	return c.Number() >= 400
}

func (c Code) String() string {
	entry, ok := codeSpec[c]
	if !ok {
		return fmt.Sprintf("<reply code %d>", int(c))
	}
	return fmt.Sprintf("%d %s", entry.number, entry.text)
}

// Reply is a fully rendered SMTP response: one wire number and one or more
// text lines. Single-code answers use Code directly; Reply exists for the
// responses whose text is computed, chiefly the EHLO extension list and the
// greeting banner.
type Reply struct {
	Number int
	Lines  []string
}

// NewReply builds a single-line reply.
func NewReply(number int, text string) Reply {
	return Reply{Number: number, Lines: []string{text}}
}

// ReplyFromCode renders a Code as a Reply.
func ReplyFromCode(c Code) Reply {
	return NewReply(c.Number(), c.Text())
}

// String renders the reply with CRLF framing. Intermediate lines of a
// multi-line reply use the code-hyphen form, the final line code-space,
// per RFC 5321 §4.2.1.
func (r Reply) String() string {
	if len(r.Lines) == 0 {
		return fmt.Sprintf("%d\r\n", r.Number)
	}
	var b strings.Builder
	last := len(r.Lines) - 1
	for i, line := range r.Lines {
		sep := byte('-')
		if i == last {
			sep = ' '
		}
		fmt.Fprintf(&b, "%d%c%s\r\n", r.Number, sep, line)
	}
	return b.String()
}

// Bytes renders the reply ready for the wire.
func (r Reply) Bytes() []byte {
	return []byte(r.String())
}
