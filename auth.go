package vsmtp

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"
)

// SASL adapter errors.
var (
	// ErrAuthFailed indicates the mechanism completed but the policy did
	// not accept the credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAuthAborted indicates the client cancelled the exchange with "*".
	ErrAuthAborted = errors.New("authentication aborted")

	// ErrUnknownMechanism indicates a mechanism outside the offered set.
	ErrUnknownMechanism = errors.New("unknown authentication mechanism")
)

// mechanismList renders the EHLO AUTH parameter.
func mechanismList(mechanisms []string) string {
	out := make([]string, len(mechanisms))
	for i, m := range mechanisms {
		out[i] = strings.ToUpper(m)
	}
	return strings.Join(out, " ")
}

// saslSession is the ephemeral state of one AUTH command exchange. It
// bridges the two requests a mechanism can make (verify a pair, or look a
// password up) to the policy authentication hook, and records the
// credentials that end up on the connection when the exchange succeeds.
type saslSession struct {
	policy    *PolicyHandle
	conn      ConnectionContext
	mechanism string

	// credentials is what the mechanism last presented. Published to the
	// connection only on success.
	credentials *Credentials
}

// verifySimple asks the policy whether the pair is valid. Anything but
// Accept fails the exchange.
func (s *saslSession) verifySimple(authid, password string) error {
	creds := &Credentials{Kind: CredentialsVerify, AuthID: authid, Password: password}
	s.credentials = creds

	clone := s.conn
	clone.Credentials = creds
	status := s.policy.RunWhen(HookAuth, &HookState{
		Connection: clone,
		Mechanism:  s.mechanism,
	})
	if status.Kind != StatusAccept {
		return ErrAuthFailed
	}
	return nil
}

// queryPassword asks the policy for the password stored for authid. The
// answer must be Info carrying the password; anything else fails the
// exchange.
func (s *saslSession) queryPassword(authid string) (string, error) {
	creds := &Credentials{Kind: CredentialsQuery, AuthID: authid}
	s.credentials = creds

	clone := s.conn
	clone.Credentials = creds
	status := s.policy.RunWhen(HookAuth, &HookState{
		Connection: clone,
		Mechanism:  s.mechanism,
	})
	if status.Kind != StatusInfo {
		return "", ErrAuthFailed
	}
	return status.Payload, nil
}

// server instantiates the mechanism driver.
func (s *saslSession) server(serverName string) (sasl.Server, error) {
	switch s.mechanism {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return ErrAuthFailed
			}
			return s.verifySimple(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.verifySimple(username, password)
		}), nil
	case sasl.Anonymous:
		return sasl.NewAnonymousServer(func(trace string) error {
			return s.verifySimple(trace, "")
		}), nil
	case "CRAM-MD5":
		return newCramMD5Server(serverName, s.queryPassword), nil
	default:
		return nil, ErrUnknownMechanism
	}
}

// handleAuth drives one AUTH command: precondition checks, the 334
// challenge loop, and the publication of credentials on success.
func (t *Transaction) handleAuth(cmd *Command) error {
	cfg := t.conn.Config.Auth
	if cfg == nil {
		return t.conn.SendClientError(CodeNotImplemented)
	}
	if cfg.RequireTLS && !t.conn.Context.IsSecured {
		return t.conn.SendCode(CodeAuthTLSRequired)
	}
	if t.conn.Context.IsAuthenticated {
		return t.conn.SendClientError(CodeBadSequence)
	}

	fields := strings.Fields(cmd.Argument)
	mechanism := strings.ToUpper(fields[0])
	if !mechanismOffered(cfg.Mechanisms, mechanism) {
		return t.conn.SendCode(CodeParamNotImplemented)
	}

	// "=" is the spelling of an empty initial response.
	var response []byte
	if len(fields) > 1 {
		if fields[1] == "=" {
			response = []byte{}
		} else {
			decoded, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return t.conn.SendClientError(CodeSyntaxParams)
			}
			response = decoded
		}
	}

	session := &saslSession{
		policy:    t.policy,
		conn:      t.conn.Context,
		mechanism: mechanism,
	}
	server, err := session.server(t.conn.Config.Server.Greeting)
	if err != nil {
		return t.conn.SendCode(CodeParamNotImplemented)
	}

	err = t.runSASLExchange(server, response)
	switch {
	case err == nil:
		t.conn.Context.IsAuthenticated = true
		t.conn.Context.Credentials = session.credentials
		authOutcomes.WithLabelValues("success").Inc()
		t.log.WithFields(logrus.Fields{
			"mechanism": mechanism,
			"authid":    session.credentials.AuthID,
		}).Info("client authenticated")
		return t.conn.SendCode(CodeAuthSucceeded)
	case errors.Is(err, ErrAuthAborted):
		authOutcomes.WithLabelValues("aborted").Inc()
		return t.conn.SendCode(CodeAuthAborted)
	case errors.Is(err, errBadAuthEncoding):
		authOutcomes.WithLabelValues("failure").Inc()
		return t.conn.SendClientError(CodeSyntaxParams)
	default:
		authOutcomes.WithLabelValues("failure").Inc()
		t.log.WithError(err).WithField("mechanism", mechanism).Info("authentication failed")
		return t.conn.SendCode(CodeAuthInvalid)
	}
}

// errBadAuthEncoding marks a response line that was not valid base64.
var errBadAuthEncoding = errors.New("malformed base64 in authentication exchange")

// authExchangeRounds bounds a single AUTH conversation. The longest
// offered mechanism (LOGIN) needs three rounds.
const authExchangeRounds = 8

// runSASLExchange feeds client responses into the mechanism until it
// completes, emitting 334 challenges as the mechanism asks for more.
func (t *Transaction) runSASLExchange(server sasl.Server, response []byte) error {
	for round := 0; round < authExchangeRounds; round++ {
		challenge, done, err := server.Next(response)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		encoded := base64.StdEncoding.EncodeToString(challenge)
		if err := t.conn.SendReply(NewReply(CodeAuthChallenge.Number(), encoded)); err != nil {
			return err
		}

		line, err := t.conn.IO.ReadLine(t.conn.Config.Server.CommandTimeout.Std())
		if err != nil {
			t.conn.Alive = false
			return err
		}
		if string(line) == "*" {
			return ErrAuthAborted
		}
		response, err = base64.StdEncoding.DecodeString(string(line))
		if err != nil {
			return errBadAuthEncoding
		}
	}
	return ErrAuthFailed
}

func mechanismOffered(offered []string, mechanism string) bool {
	for _, m := range offered {
		if strings.EqualFold(m, mechanism) {
			return true
		}
	}
	return false
}

// cramMD5Server implements the CRAM-MD5 challenge/response as a
// sasl.Server. Unlike the verify-style mechanisms it needs the stored
// password, so it drives the password-query side of the session.
type cramMD5Server struct {
	challenge []byte
	query     func(authid string) (string, error)
	done      bool
}

// newCramMD5Server builds a server whose challenge embeds serverName, the
// usual msg-id shape.
func newCramMD5Server(serverName string, query func(string) (string, error)) *cramMD5Server {
	return &cramMD5Server{
		challenge: cramChallenge(serverName),
		query:     query,
	}
}

// cramChallenge produces the timestamp.random@host challenge string.
func cramChallenge(serverName string) []byte {
	nonce, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		panic(err)
	}
	return []byte(fmt.Sprintf("<%d.%d@%s>", time.Now().Unix(), nonce.Int64(), serverName))
}

func (s *cramMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if s.done {
		return nil, false, ErrAuthFailed
	}
	if response == nil {
		return s.challenge, false, nil
	}
	s.done = true

	parts := strings.SplitN(string(response), " ", 2)
	if len(parts) != 2 {
		return nil, false, ErrAuthFailed
	}
	authid, digest := parts[0], parts[1]

	password, err := s.query(authid)
	if err != nil {
		return nil, false, err
	}

	mac := hmac.New(md5.New, []byte(password))
	mac.Write(s.challenge)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return nil, false, ErrAuthFailed
	}
	return nil, true, nil
}

var _ sasl.Server = (*cramMD5Server)(nil)
