// Package vsmtp implements the receiving core of an SMTP server: the
// per-connection state machine that drives one SMTP conversation from the
// greeting to QUIT, the STARTTLS and SASL overlays on top of it, and the
// dispatch of completed mail into the on-disk queues.
//
// vsmtp is the receiver, not a full mail server. Downstream workers that
// drain the queues, the rule engine behind the policy hooks, and the
// listener accept loop are collaborators supplied by the caller.
package vsmtp

// State is the position of a transaction inside the SMTP conversation.
// Commands are only valid in certain states.
type State int

const (
	// StateConnect is the state before the client has identified itself.
	// Only EHLO/HELO (and the session-scoped verbs) are accepted.
	StateConnect State = iota

	// StateHelo means the client has identified itself. A mail transaction
	// may open with MAIL FROM; STARTTLS and AUTH are accepted here.
	StateHelo

	// StateMailFrom means the reverse-path is set. At least one RCPT TO
	// must follow.
	StateMailFrom

	// StateRcptTo means one or more forward-paths are accepted. More RCPT
	// TO or DATA may follow.
	StateRcptTo

	// StateData means the server is consuming the message body until the
	// lone-dot terminator. No commands are read in this state.
	StateData

	// StateStop means the transaction loop must exit: QUIT was received,
	// the error ceiling tripped, or the peer went away.
	StateStop
)

func (s State) String() string {
	switch s {
	case StateConnect:
		return "Connect"
	case StateHelo:
		return "Helo"
	case StateMailFrom:
		return "MailFrom"
	case StateRcptTo:
		return "RcptTo"
	case StateData:
		return "Data"
	case StateStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// InTransaction reports whether a mail transaction is open, i.e. whether a
// MAIL FROM has been accepted and not yet completed or reset.
func (s State) InTransaction() bool {
	return s == StateMailFrom || s == StateRcptTo || s == StateData
}

// verbStates lists the states in which each sequenced verb is permitted.
// Verbs absent from the table (RSET, NOOP, QUIT, VRFY, EXPN, HELP) are
// session-scoped and accepted in every live state.
var verbStates = map[Verb][]State{
	VerbHELO:     {StateConnect, StateHelo},
	VerbEHLO:     {StateConnect, StateHelo},
	VerbMAIL:     {StateHelo},
	VerbRCPT:     {StateMailFrom, StateRcptTo},
	VerbDATA:     {StateMailFrom, StateRcptTo},
	VerbSTARTTLS: {StateHelo},
	VerbAUTH:     {StateHelo},
}

// verbAllowedIn reports whether v may be issued in state s. Session-scoped
// verbs are always allowed.
func verbAllowedIn(v Verb, s State) bool {
	states, sequenced := verbStates[v]
	if !sequenced {
		return true
	}
	for _, valid := range states {
		if valid == s {
			return true
		}
	}
	return false
}
