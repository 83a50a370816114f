// Package security resolves secret references in configuration and builds
// TLS settings for the API listener and the Kafka producer.
package security

import (
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLSConfig holds TLS configuration
type TLSConfig struct {
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	MinVersion         string `yaml:"min_version,omitempty"` // 1.2 or 1.3
}

// LoadTLSConfig builds a tls.Config. A nil cfg yields nil.
func LoadTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	switch cfg.MinVersion {
	case "", "1.2":
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS min_version %q", cfg.MinVersion)
	}

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("cert_file and key_file must be set together")
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
		tlsConfig.ClientCAs = pool
	}

	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	return tlsConfig, nil
}

// ResolveSecret expands a secret reference.
// Supports format: env:VAR_NAME, file:/path/to/secret, or plain text
func ResolveSecret(ref string) (string, error) {
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		value, found := os.LookupEnv(name)
		if !found || value == "" {
			return "", fmt.Errorf("environment variable %s not found", name)
		}
		return value, nil
	}

	if path, ok := strings.CutPrefix(ref, "file:"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	return ref, nil
}

// ResolveSecrets expands every non-empty reference in place. The error
// names the reference that failed.
func ResolveSecrets(refs map[string]*string) error {
	for name, ref := range refs {
		if ref == nil || *ref == "" {
			continue
		}
		value, err := ResolveSecret(*ref)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*ref = value
	}
	return nil
}

// TokenEqual compares a presented token with the expected one in constant
// time.
func TokenEqual(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
