package vsmtp

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectionKind says how the TCP connection reached us.
type ConnectionKind int

const (
	// KindOpportunistic is a plaintext accept that may upgrade via STARTTLS.
	KindOpportunistic ConnectionKind = iota

	// KindTunneled is an implicit-TLS accept: the handshake happens before
	// any SMTP byte is exchanged.
	KindTunneled
)

func (k ConnectionKind) String() string {
	switch k {
	case KindOpportunistic:
		return "opportunistic"
	case KindTunneled:
		return "tunneled"
	default:
		return "unknown"
	}
}

// CredentialsKind distinguishes the two requests a SASL mechanism can make
// of the host. The variant set is closed.
type CredentialsKind int

const (
	// CredentialsQuery asks for the password stored for AuthID. The policy
	// answers with Info carrying the password.
	CredentialsQuery CredentialsKind = iota

	// CredentialsVerify asks whether the (AuthID, Password) pair is valid.
	// The policy answers Accept or not.
	CredentialsVerify
)

// Credentials is the payload of an authentication policy hook.
type Credentials struct {
	Kind     CredentialsKind `json:"kind"`
	AuthID   string          `json:"authid"`
	Password string          `json:"password,omitempty"`
}

// ConnectionContext is the per-connection snapshot the policy hooks and the
// queued mail carry. It is created on accept and lives until the socket
// closes.
//
// IsSecured is monotonic: once true it never reverts. Credentials, once set
// by the SASL adapter, are not overwritten within a single authentication
// exchange.
type ConnectionContext struct {
	// ClientAddr is the remote address in host:port form.
	ClientAddr string `json:"client_addr"`

	// ServerAddr is the local address the client dialed.
	ServerAddr string `json:"server_addr"`

	// Timestamp is the wall-clock instant of the accept.
	Timestamp time.Time `json:"timestamp"`

	// IsSecured is true once TLS protects the channel (STARTTLS completed,
	// or the connection is tunneled).
	IsSecured bool `json:"is_secured"`

	// IsAuthenticated is true after a SASL exchange succeeded.
	IsAuthenticated bool `json:"is_authenticated"`

	// Credentials holds the credentials the SASL adapter validated, nil
	// before authentication.
	Credentials *Credentials `json:"credentials,omitempty"`

	// HeloDomain is the domain asserted by the last EHLO/HELO, empty
	// before the client identified itself.
	HeloDomain string `json:"helo_domain,omitempty"`
}

// Envelope is the sender/recipient bookkeeping of one mail transaction,
// accumulated between MAIL FROM and the end of DATA.
type Envelope struct {
	// Helo is the domain the client asserted before opening the
	// transaction.
	Helo string `json:"helo"`

	// ReversePath is the MAIL FROM path. Set exactly once per transaction.
	ReversePath Path `json:"reverse_path"`

	// ForwardPaths are the accepted RCPT TO paths, in wire order.
	// Non-empty on every completed transaction.
	ForwardPaths []Path `json:"forward_paths"`
}

// Metadata is assigned when DATA completes and travels with the mail into
// the queue.
type Metadata struct {
	// MessageID is the process-unique identifier of this mail.
	MessageID string `json:"message_id"`

	// Timestamp is the instant the body was fully received.
	Timestamp time.Time `json:"timestamp"`

	// Resolver names the delivery path chosen by policy. ResolverNone
	// suppresses delivery entirely (quarantine).
	Resolver string `json:"resolver"`

	// SkipReason, when non-empty, instructs dispatch to bypass the working
	// stage and hand the mail straight to delivery.
	SkipReason string `json:"skipped,omitempty"`
}

// Resolver values with dispatch-level meaning.
const (
	// ResolverDefault is the resolver assigned before policy has spoken.
	ResolverDefault = "default"

	// ResolverNone means no delivery: the mail is acknowledged and dropped
	// (a quarantine action has typically copied it elsewhere).
	ResolverNone = "none"
)

// Skipped reports whether the pre-delivery working stage is bypassed.
func (m *Metadata) Skipped() bool { return m.SkipReason != "" }

// MailContext is the completed artifact of one transaction: the connection
// snapshot, the envelope, the raw body, and the dispatch metadata. The
// transaction engine owns it exclusively until dispatch; after the queue
// write the queue storage owns it.
type MailContext struct {
	Connection ConnectionContext `json:"connection"`
	Envelope   Envelope          `json:"envelope"`
	Body       []byte            `json:"body"`
	Metadata   Metadata          `json:"metadata"`
}

// messageSeq is the process-wide monotonic component of message ids,
// initialized at server start.
var messageSeq atomic.Uint64

// NewMessageID returns a process-unique message identifier: receipt
// timestamp, a monotonic counter, and a random suffix so ids stay unique
// across restarts. The id doubles as the queue file name, so it only uses
// filesystem-safe characters.
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("%s.%d.%s",
		now.UTC().Format("20060102T150405"),
		messageSeq.Add(1),
		uuid.NewString()[:8])
}
