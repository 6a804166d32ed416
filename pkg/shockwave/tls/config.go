// Package tls names the external collaborator responsible for certificate
// material. Certificate issuance and renewal (ACME, manual PEM loading,
// rotation policy) are out of scope for the core engine — the core only
// needs a *tls.Config to hand to its listener, so that is the entire
// surface this package exposes.
package tls

import (
	"crypto/tls"
	"errors"
)

// Provider supplies a *tls.Config to the listener. Implementations live
// outside the core (an ACME client, a file-watching loader, a secrets-
// manager integration); the core only calls Config.
type Provider interface {
	Config() (*tls.Config, error)
}

// StaticFiles is the minimal Provider: a certificate and key already on
// disk, loaded once. It is enough to exercise the TLS listener path in
// tests without pulling in certificate-management machinery.
type StaticFiles struct {
	CertFile   string
	KeyFile    string
	MinVersion uint16
}

// Config implements Provider.
func (s *StaticFiles) Config() (*tls.Config, error) {
	if s.CertFile == "" || s.KeyFile == "" {
		return nil, errors.New("tls: certificate and key files are required")
	}
	cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
	if err != nil {
		return nil, err
	}
	minVersion := s.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		NextProtos:   []string{"http/1.1"},
	}, nil
}
