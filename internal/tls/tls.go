// Package tls builds the client TLS configuration for the IMAP connection.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientConfig returns a TLS client configuration for serverName. When caFile
// is set its PEM certificates are trusted in addition to the system roots,
// which is what self-hosted mail servers with private certificates need.
// skipVerify disables certificate verification entirely.
func ClientConfig(serverName, caFile string, skipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: skipVerify,
	}
	if caFile == "" {
		return cfg, nil
	}

	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("CA file not readable: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no PEM certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
