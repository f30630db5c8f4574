// Package tlsconfig builds the client TLS configuration used to reach a cron
// manager served over HTTPS.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds the paths of the optional TLS material. With every field
// empty, the system roots are used and no client certificate is sent.
type Config struct {
	CertPath   string
	KeyPath    string
	CACertPath string
	ServerName string
}

// Enabled reports whether any TLS material is configured.
func (c *Config) Enabled() bool {
	return c.CertPath != "" || c.KeyPath != "" || c.CACertPath != ""
}

// SetupTLS builds a client tls.Config from config. A client certificate
// requires both CertPath and KeyPath.
func SetupTLS(config *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: false,
		ServerName:         config.ServerName,
	}

	if (config.CertPath == "") != (config.KeyPath == "") {
		return nil, errors.New("client certificate and key must be provided together")
	}

	if config.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if config.CACertPath != "" {
		caCert, err := os.ReadFile(config.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate '%s'", config.CACertPath)
		}

		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
