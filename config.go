package vsmtp

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration that (un)marshals as a string such as "30s"
// or "5m" in JSON configuration files.
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// MarshalJSON renders the duration in its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig bounds one SMTP session.
type ServerConfig struct {
	// Greeting is the domain announced in the 220 banner and the EHLO
	// answer.
	Greeting string `json:"greeting"`

	// MaxErrors is the soft ceiling of client-caused errors before the
	// session is torn down with 421.
	MaxErrors int `json:"max_errors"`

	// CommandTimeout bounds the wait for one command line.
	CommandTimeout Duration `json:"command_timeout"`

	// DataTimeout bounds each read while consuming the message body.
	DataTimeout Duration `json:"data_timeout"`

	// SessionLifetime is the hard cap on the whole connection.
	SessionLifetime Duration `json:"session_lifetime"`

	// MaxLineLength caps a single command or body line, CRLF included.
	MaxLineLength int `json:"max_line_length"`

	// MaxRecipients caps RCPT TO per transaction.
	MaxRecipients int `json:"max_recipients"`

	// MaxMessageSize caps the DATA body in bytes.
	MaxMessageSize int64 `json:"max_message_size"`

	// QueueRoot is the directory under which the per-queue subdirectories
	// live.
	QueueRoot string `json:"queue_root"`
}

// TLSConfig describes the secured side of the receiver. A nil TLSConfig
// means STARTTLS is not offered and tunneled connections cannot be served.
type TLSConfig struct {
	// CertFile and KeyFile are the PEM server certificate chain and key.
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`

	// HandshakeTimeout bounds the TLS handshake.
	HandshakeTimeout Duration `json:"handshake_timeout"`

	// PreferredProtocols lists the acceptable TLS versions, newest first,
	// e.g. ["TLSv1.3", "TLSv1.2"]. Empty means the library default.
	PreferredProtocols []string `json:"preferred_protocols,omitempty"`
}

// AuthConfig enables the AUTH extension.
type AuthConfig struct {
	// Mechanisms lists the SASL mechanisms offered in EHLO, e.g.
	// ["PLAIN", "LOGIN", "CRAM-MD5", "ANONYMOUS"].
	Mechanisms []string `json:"mechanisms"`

	// RequireTLS refuses AUTH with 538 until the channel is secured.
	RequireTLS bool `json:"require_tls"`
}

// Config is the full receiver configuration.
type Config struct {
	Server ServerConfig `json:"server"`
	TLS    *TLSConfig   `json:"tls,omitempty"`
	Auth   *AuthConfig  `json:"auth,omitempty"`
}

// DefaultConfig returns a configuration with the documented defaults:
// 1000-byte lines, 10 MiB messages, a 10-error ceiling.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Greeting:        "localhost",
			MaxErrors:       10,
			CommandTimeout:  Duration(5 * time.Minute),
			DataTimeout:     Duration(10 * time.Minute),
			SessionLifetime: Duration(30 * time.Minute),
			MaxLineLength:   1000,
			MaxRecipients:   100,
			MaxMessageSize:  10 * 1024 * 1024,
			QueueRoot:       "/var/spool/vsmtp",
		},
	}
}

// LoadConfig reads a JSON configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the receiver cannot serve.
func (c *Config) Validate() error {
	if c.Server.Greeting == "" {
		return fmt.Errorf("config: server.greeting must be set")
	}
	if c.Server.MaxErrors <= 0 {
		return fmt.Errorf("config: server.max_errors must be positive")
	}
	if c.Server.MaxLineLength < 512 {
		return fmt.Errorf("config: server.max_line_length below the RFC 5321 minimum")
	}
	if c.Auth != nil && len(c.Auth.Mechanisms) == 0 {
		return fmt.Errorf("config: auth enabled with no mechanisms")
	}
	return nil
}
