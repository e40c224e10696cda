package vsmtp

import (
	"crypto/tls"
	"fmt"
	"sync"
)

// TLSError wraps a TLS-layer failure with the phase it happened in.
type TLSError struct {
	Phase   string
	Cause   error
	Message string
}

// TLS error phases.
const (
	TLSPhaseConfig      = "Config"
	TLSPhaseCertificate = "Certificate"
	TLSPhaseHandshake   = "Handshake"
)

func (e *TLSError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *TLSError) Unwrap() error { return e.Cause }

// TLSProvider hands out the tls.Config used for STARTTLS upgrades and
// tunneled accepts. Implementations may serve a static certificate or
// reload one from disk.
type TLSProvider interface {
	// GetConfig returns the server-side TLS configuration.
	GetConfig() (*tls.Config, error)
}

// protocolVersions maps the configuration spelling of a TLS version to the
// crypto/tls constant.
var protocolVersions = map[string]uint16{
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

// buildTLSConfig assembles a tls.Config from the configuration section:
// certificate chain plus the preferred-protocol bounds.
func buildTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, &TLSError{Phase: TLSPhaseCertificate, Cause: err, Message: "load server certificate"}
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if len(cfg.PreferredProtocols) > 0 {
		min, max := uint16(0), uint16(0)
		for _, name := range cfg.PreferredProtocols {
			v, ok := protocolVersions[name]
			if !ok {
				return nil, &TLSError{Phase: TLSPhaseConfig, Message: fmt.Sprintf("unknown TLS protocol %q", name)}
			}
			if min == 0 || v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		out.MinVersion, out.MaxVersion = min, max
	}
	return out, nil
}

// StaticTLSProvider serves a fixed tls.Config.
type StaticTLSProvider struct {
	config *tls.Config
}

// NewStaticTLSProvider wraps an existing tls.Config.
func NewStaticTLSProvider(config *tls.Config) *StaticTLSProvider {
	return &StaticTLSProvider{config: config}
}

// GetConfig returns the wrapped configuration.
func (p *StaticTLSProvider) GetConfig() (*tls.Config, error) {
	return p.config, nil
}

// ReloadableTLSProvider rebuilds its tls.Config from the configuration
// section on demand, so certificates rotate without a restart.
type ReloadableTLSProvider struct {
	mu     sync.RWMutex
	source TLSConfig
	config *tls.Config
}

// NewReloadableTLSProvider loads the certificate once and keeps the source
// paths for later reloads.
func NewReloadableTLSProvider(source TLSConfig) (*ReloadableTLSProvider, error) {
	p := &ReloadableTLSProvider{source: source}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// GetConfig returns the most recently loaded configuration.
func (p *ReloadableTLSProvider) GetConfig() (*tls.Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config == nil {
		return nil, &TLSError{Phase: TLSPhaseConfig, Message: "no TLS configuration loaded"}
	}
	return p.config, nil
}

// Reload re-reads the certificate files.
func (p *ReloadableTLSProvider) Reload() error {
	cfg, err := buildTLSConfig(&p.source)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()
	return nil
}

var (
	_ TLSProvider = (*StaticTLSProvider)(nil)
	_ TLSProvider = (*ReloadableTLSProvider)(nil)
)
