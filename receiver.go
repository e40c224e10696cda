package vsmtp

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Receiver is the long-lived server side of the module: the shared policy
// handle, the queue store, the two bounded worker handoff channels, and
// the configuration every connection is served under. One Receiver serves
// many connections concurrently; connections share nothing else.
type Receiver struct {
	Config *Config
	Policy *PolicyHandle

	tls      TLSProvider
	store    QueueStore
	working  chan ProcessMessage
	delivery chan ProcessMessage
	log      *logrus.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithLogger routes receiver logging to log.
func WithLogger(log *logrus.Logger) ReceiverOption {
	return func(r *Receiver) { r.log = log }
}

// WithTLSProvider overrides the provider built from the configuration,
// mainly so tests can serve in-memory certificates.
func WithTLSProvider(p TLSProvider) ReceiverOption {
	return func(r *Receiver) { r.tls = p }
}

// WithHandoffCapacity resizes the bounded worker channels.
func WithHandoffCapacity(n int) ReceiverOption {
	return func(r *Receiver) {
		r.working = make(chan ProcessMessage, n)
		r.delivery = make(chan ProcessMessage, n)
	}
}

// NewReceiver assembles a receiver. engine may be nil (permissive policy);
// store must be set. When the configuration carries a TLS section and no
// provider option is given, a reloadable provider is built from it.
func NewReceiver(cfg *Config, engine RuleEngine, store QueueStore, opts ...ReceiverOption) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("receiver: queue store must be provided")
	}

	r := &Receiver{
		Config:   cfg,
		Policy:   NewPolicyHandle(engine),
		store:    store,
		working:  make(chan ProcessMessage, 64),
		delivery: make(chan ProcessMessage, 64),
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.tls == nil && cfg.TLS != nil {
		provider, err := NewReloadableTLSProvider(*cfg.TLS)
		if err != nil {
			return nil, err
		}
		r.tls = provider
	}
	return r, nil
}

// WorkingMessages is the handoff channel the working worker drains.
func (r *Receiver) WorkingMessages() <-chan ProcessMessage { return r.working }

// DeliveryMessages is the handoff channel the delivery worker drains.
func (r *Receiver) DeliveryMessages() <-chan ProcessMessage { return r.delivery }

// Close shuts the handoff channels down after every in-flight connection
// has finished. Workers observe the close as end-of-stream.
func (r *Receiver) Close() {
	r.closeOnce.Do(func() {
		r.wg.Wait()
		close(r.working)
		close(r.delivery)
	})
}

// ServeConn serves one accepted socket, deriving the addresses from it.
func (r *Receiver) ServeConn(ctx context.Context, conn net.Conn, kind ConnectionKind) error {
	defer conn.Close()
	return r.Serve(ctx, conn, kind, conn.RemoteAddr().String(), conn.LocalAddr().String())
}

// Serve drives one connection to completion: the connect hook, the
// greeting, the plaintext transaction loop, and the secured loop once TLS
// is established. It returns when the peer quits, the session deadline
// fires, or an unrecoverable error ends the conversation.
func (r *Receiver) Serve(ctx context.Context, stream Stream, kind ConnectionKind, clientAddr, serverAddr string) error {
	r.wg.Add(1)
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, r.Config.Server.SessionLifetime.Std())
	defer cancel()

	// The session deadline and caller cancellation both land as a stream
	// close, which surfaces at whatever suspension point the connection
	// is blocked on.
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	log := r.log.WithFields(logrus.Fields{
		"client": clientAddr,
		"kind":   kind.String(),
	})
	conn := NewConnection(stream, kind, clientAddr, serverAddr, r.Config, log)
	connectionsServed.WithLabelValues(kind.String()).Inc()
	log.Info("connection accepted")
	defer log.Info("connection closed")

	status := r.Policy.RunWhen(HookConnect, &HookState{Connection: conn.Context})
	if status.Kind == StatusInfo {
		log.Error("info status outside authentication hook")
		conn.SendCode(CodeShuttingDown)
		return fmt.Errorf("%w: info status at %s hook", ErrIntegrity, HookConnect)
	}
	if status.Kind == StatusDeny {
		log.Info("connection denied by policy")
		conn.SendCode(CodeTransactionFailed)
		return nil
	}

	dispatcher := &Dispatcher{Store: r.store, Working: r.working, Delivery: r.delivery}

	if kind == KindTunneled {
		if r.tls == nil {
			return fmt.Errorf("receiver: tunneled connection without TLS configuration")
		}
		if err := conn.UpgradeTLS(r.tls); err != nil {
			log.WithError(err).Warn("tunneled handshake failed")
			return err
		}
		return r.secured(ctx, conn, dispatcher, true)
	}

	if err := conn.SendReply(r.greeting()); err != nil {
		return nil
	}

	helo := ""
	for conn.Alive {
		result, err := Receive(conn, helo, r.Policy)
		if err != nil {
			log.WithError(err).Error("transaction failed")
			return err
		}
		switch result.Kind {
		case ResultNothing:
		case ResultMail:
			helo = result.Mail.Envelope.Helo
			if err := dispatcher.OnMail(ctx, conn, result.Mail); err != nil {
				return err
			}
		case ResultTLSUpgrade:
			if err := conn.UpgradeTLS(r.tls); err != nil {
				log.WithError(err).Warn("STARTTLS handshake failed")
				return err
			}
			return r.secured(ctx, conn, dispatcher, false)
		}
	}
	return nil
}

// secured is the transaction loop on the encrypted channel. The tunneled
// path greets here, since no SMTP byte preceded the handshake; after a
// STARTTLS upgrade the conversation resumes without a banner and the
// client must re-identify. A second STARTTLS never reaches this loop: the
// engine answers it 503 on a secured channel.
func (r *Receiver) secured(ctx context.Context, conn *Connection, dispatcher *Dispatcher, greet bool) error {
	if greet {
		if err := conn.SendReply(r.greeting()); err != nil {
			return nil
		}
	}

	helo := ""
	for conn.Alive {
		result, err := Receive(conn, helo, r.Policy)
		if err != nil {
			conn.Log().WithError(err).Error("transaction failed")
			return err
		}
		switch result.Kind {
		case ResultNothing:
		case ResultMail:
			helo = result.Mail.Envelope.Helo
			if err := dispatcher.OnMail(ctx, conn, result.Mail); err != nil {
				return err
			}
		case ResultTLSUpgrade:
			conn.Log().Error("upgrade requested on secured channel")
			conn.SendCode(CodeShuttingDown)
			return fmt.Errorf("%w: TLS upgrade on secured channel", ErrIntegrity)
		}
	}
	return nil
}

// greeting renders the 220 banner.
func (r *Receiver) greeting() Reply {
	return NewReply(CodeGreeting.Number(), r.Config.Server.Greeting+" "+CodeGreeting.Text())
}
