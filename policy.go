package vsmtp

import "sync"

// Hook names a point in the SMTP conversation where the rule engine is
// consulted.
type Hook int

const (
	// HookConnect runs once per connection, before the greeting.
	HookConnect Hook = iota

	// HookHelo runs when EHLO/HELO carries a syntactically valid domain.
	HookHelo

	// HookMailFrom runs when MAIL FROM carries a valid reverse-path.
	HookMailFrom

	// HookRcptTo runs for each RCPT TO forward-path.
	HookRcptTo

	// HookPreQueue runs after the body is complete and before the queue
	// write. It is the hook that chooses the resolver and may mark the
	// mail skipped.
	HookPreQueue

	// HookAuth runs inside a SASL exchange, carrying credentials.
	HookAuth
)

func (h Hook) String() string {
	switch h {
	case HookConnect:
		return "connect"
	case HookHelo:
		return "helo"
	case HookMailFrom:
		return "mail"
	case HookRcptTo:
		return "rcpt"
	case HookPreQueue:
		return "prequeue"
	case HookAuth:
		return "authentication"
	default:
		return "unknown"
	}
}

// StatusKind is the closed result taxonomy of a policy hook.
type StatusKind int

const (
	// StatusAccept lets the current step proceed.
	StatusAccept StatusKind = iota

	// StatusDeny refuses the current step; the engine maps it to the 5xx
	// of the hook site.
	StatusDeny

	// StatusInfo carries a payload back to the caller. Only the
	// authentication hook may answer Info; elsewhere it is a misuse the
	// engine treats as an integrity error.
	StatusInfo

	// StatusNext expresses no opinion; the default applies.
	StatusNext
)

// Status is a policy verdict, possibly carrying a payload.
type Status struct {
	Kind    StatusKind
	Payload string
}

// Accept builds an accepting status.
func Accept() Status { return Status{Kind: StatusAccept} }

// Deny builds a denying status.
func Deny() Status { return Status{Kind: StatusDeny} }

// Info builds a status carrying payload.
func Info(payload string) Status { return Status{Kind: StatusInfo, Payload: payload} }

// Next builds a no-opinion status.
func Next() Status { return Status{Kind: StatusNext} }

// HookState is the evaluation context a hook sees. Connection is a copy:
// hooks never mutate the live connection. Mail is the live mail context at
// the pre-queue hook only, where rules adjust the dispatch metadata.
type HookState struct {
	// Connection is a snapshot of the connection, including credentials
	// during the authentication hook.
	Connection ConnectionContext

	// Envelope is the transaction envelope as accumulated so far. Nil at
	// the connect hook.
	Envelope *Envelope

	// Mail is the completed mail, set only at the pre-queue hook. The
	// engine hands the hook write access so rules can set the resolver
	// or the skip marker.
	Mail *MailContext

	// Mechanism is the SASL mechanism in use during the authentication
	// hook, empty elsewhere.
	Mechanism string
}

// RuleEngine is the callable surface of the policy collaborator. Its
// internals (rule language, reloading, side effects) are out of the
// receiver's sight; the receiver only calls RunWhen at the hook points and
// consumes the Status taxonomy.
type RuleEngine interface {
	RunWhen(hook Hook, state *HookState) Status
}

// PermissiveEngine accepts everything and is the default when no rule
// engine is supplied. Mail it passes keeps the default resolver.
type PermissiveEngine struct{}

// RunWhen answers Next for every hook.
func (PermissiveEngine) RunWhen(Hook, *HookState) Status { return Next() }

var _ RuleEngine = PermissiveEngine{}

// PolicyHandle is the process-wide, read-mostly handle on the rule engine.
// Every connection and every SASL session holds the same handle. Hook
// invocations take the read lock for the duration of one RunWhen call;
// Reload takes the write lock so rule swaps never interleave with a hook.
type PolicyHandle struct {
	mu     sync.RWMutex
	engine RuleEngine
}

// NewPolicyHandle wraps engine. A nil engine degrades to PermissiveEngine.
func NewPolicyHandle(engine RuleEngine) *PolicyHandle {
	if engine == nil {
		engine = PermissiveEngine{}
	}
	return &PolicyHandle{engine: engine}
}

// RunWhen evaluates one hook under the read lock.
func (h *PolicyHandle) RunWhen(hook Hook, state *HookState) Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine.RunWhen(hook, state)
}

// Reload swaps the rule engine under the write lock.
func (h *PolicyHandle) Reload(engine RuleEngine) {
	if engine == nil {
		engine = PermissiveEngine{}
	}
	h.mu.Lock()
	h.engine = engine
	h.mu.Unlock()
}
