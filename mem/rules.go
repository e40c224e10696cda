package mem

import (
	"sync"

	"github.com/kyr-sh/vsmtp"
)

// RuleEngine is a scripted vsmtp.RuleEngine for tests. Each hook can be
// given a handler; hooks without one answer Next. Invocations are recorded
// for inspection.
type RuleEngine struct {
	mu       sync.Mutex
	handlers map[vsmtp.Hook]func(*vsmtp.HookState) vsmtp.Status
	calls    []vsmtp.Hook
}

// NewRuleEngine creates an engine with no handlers installed.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{handlers: make(map[vsmtp.Hook]func(*vsmtp.HookState) vsmtp.Status)}
}

// On installs a handler for hook.
func (e *RuleEngine) On(hook vsmtp.Hook, fn func(*vsmtp.HookState) vsmtp.Status) *RuleEngine {
	e.mu.Lock()
	e.handlers[hook] = fn
	e.mu.Unlock()
	return e
}

// RunWhen dispatches to the installed handler, defaulting to Next.
func (e *RuleEngine) RunWhen(hook vsmtp.Hook, state *vsmtp.HookState) vsmtp.Status {
	e.mu.Lock()
	e.calls = append(e.calls, hook)
	fn := e.handlers[hook]
	e.mu.Unlock()

	if fn == nil {
		return vsmtp.Next()
	}
	return fn(state)
}

// Calls returns the hooks invoked so far, in order.
func (e *RuleEngine) Calls() []vsmtp.Hook {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]vsmtp.Hook, len(e.calls))
	copy(out, e.calls)
	return out
}

// PasswordBook is a convenience engine backing the authentication hook
// with a username/password map: Verify credentials are checked against the
// map, Query credentials answered with the stored password.
func PasswordBook(users map[string]string) *RuleEngine {
	e := NewRuleEngine()
	e.On(vsmtp.HookAuth, func(state *vsmtp.HookState) vsmtp.Status {
		creds := state.Connection.Credentials
		if creds == nil {
			return vsmtp.Deny()
		}
		stored, ok := users[creds.AuthID]
		if !ok {
			return vsmtp.Deny()
		}
		switch creds.Kind {
		case vsmtp.CredentialsVerify:
			if creds.Password == stored {
				return vsmtp.Accept()
			}
			return vsmtp.Deny()
		case vsmtp.CredentialsQuery:
			return vsmtp.Info(stored)
		default:
			return vsmtp.Deny()
		}
	})
	return e
}

var _ vsmtp.RuleEngine = (*RuleEngine)(nil)
