package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrTLSRequiresWSS   = errors.New("session: tls options require the wss scheme")
	ErrTLSCAFileRead    = errors.New("session: tls ca file unreadable")
	ErrTLSCAFileParse   = errors.New("session: tls ca file has no certificates")
	ErrTLSInsecureAndCA = errors.New("session: insecure skip verify conflicts with ca file")
)

// TLSConfig tunes server verification for wss. The zero value trusts the
// system roots, which is what the cloud hub needs.
type TLSConfig struct {
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

func (t TLSConfig) isZero() bool {
	return strings.TrimSpace(t.CAFile) == "" && strings.TrimSpace(t.ServerName) == "" && !t.InsecureSkipVerify
}

// ValidateClientTransport checks the TLS options against the socket scheme.
func (t TLSConfig) ValidateClientTransport(scheme string) error {
	if t.isZero() {
		return nil
	}
	if scheme != "wss" {
		return fmt.Errorf("%w: scheme=%q", ErrTLSRequiresWSS, scheme)
	}
	if t.InsecureSkipVerify && strings.TrimSpace(t.CAFile) != "" {
		return ErrTLSInsecureAndCA
	}
	return nil
}

// clientTLSConfig returns nil when the defaults apply.
func clientTLSConfig(t TLSConfig) (*tls.Config, error) {
	if t.isZero() {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(t.ServerName),
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if caPath := strings.TrimSpace(t.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSCAFileRead, err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("%w: %s", ErrTLSCAFileParse, caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
