// Package testdata provides TLS fixtures for vsmtp tests: a self-signed
// server certificate generated once per process, so tests run without
// files on disk.
package testdata

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"time"
)

// ServerName is the name the generated certificate is valid for.
const ServerName = "test.example.com"

var (
	once    sync.Once
	cert    tls.Certificate
	pool    *x509.CertPool
	certErr error
)

func generate() {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		certErr = err
		return
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: ServerName},
		DNSNames:     []string{ServerName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		certErr = err
		return
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		certErr = err
		return
	}

	cert = tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        parsed,
	}
	pool = x509.NewCertPool()
	pool.AddCert(parsed)
}

// Certificate returns the generated server certificate.
func Certificate() (tls.Certificate, error) {
	once.Do(generate)
	return cert, certErr
}

// ServerTLSConfig returns a server-side tls.Config using the generated
// certificate.
func ServerTLSConfig() (*tls.Config, error) {
	once.Do(generate)
	if certErr != nil {
		return nil, certErr
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig returns a client-side tls.Config trusting the generated
// certificate.
func ClientTLSConfig() (*tls.Config, error) {
	once.Do(generate)
	if certErr != nil {
		return nil, certErr
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: ServerName,
		MinVersion: tls.VersionTLS12,
	}, nil
}
