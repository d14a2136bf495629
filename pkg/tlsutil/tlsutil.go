// Package tlsutil builds client TLS configurations from session config.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/gridclient/config"
	"github.com/c360/gridclient/errors"
)

// LoadClientTLSConfig creates a *tls.Config from the session TLS settings.
// Returns nil when TLS is disabled. The CA file is the trust anchor for the
// server certificate; the client certificate pair is presented for mutual
// authentication.
func LoadClientTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	caPEM, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, errors.WrapBadConfig(err, "tlsutil", "LoadClientTLSConfig",
			fmt.Sprintf("read CA file %s", cfg.CACertPath))
	}
	rootCAs := x509.NewCertPool()
	if !rootCAs.AppendCertsFromPEM(caPEM) {
		return nil, errors.WrapBadConfig(
			fmt.Errorf("invalid PEM data"),
			"tlsutil", "LoadClientTLSConfig",
			fmt.Sprintf("parse CA certificate from %s", cfg.CACertPath))
	}

	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return nil, errors.WrapBadConfig(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      rootCAs,
		Certificates: []tls.Certificate{cert},
	}, nil
}
