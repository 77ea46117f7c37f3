package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File names used for directory-based certificates.
const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

var ErrNoCertificate = errors.New("TLS enabled but no certificate configured")

// Config enables HTTPS on the status API. Explicit cert/key files win over
// Dir; with AutoGenerate a self-signed pair is written to Dir when missing.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"` // DNS names and IPs for generated certs
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
}

// Validate reports configuration that Setup would reject.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("server.tls.cert_file and server.tls.key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return ErrNoCertificate
	}
	if _, ok := parseVersion(c.MinVersion); !ok && c.MinVersion != "" {
		return fmt.Errorf("server.tls.min_version %q is not 1.2 or 1.3", c.MinVersion)
	}
	return nil
}

// Paths returns the certificate and key paths Setup will load.
func (c Config) Paths() (cert, key string) {
	if c.CertFile != "" {
		return c.CertFile, c.KeyFile
	}
	return filepath.Join(c.Dir, CertFile), filepath.Join(c.Dir, KeyFile)
}

// Setup returns the server TLS config, or nil when TLS is disabled. The
// key pair is read on every handshake so replaced files take effect
// without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cert, key := c.Paths()
	if c.CertFile == "" && c.AutoGenerate && !exists(cert, key) {
		if err := GenerateSelfSigned(c); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(cert, key); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	minVer, _ := parseVersion(c.MinVersion)
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			pair, err := tls.LoadX509KeyPair(cert, key)
			return &pair, err
		},
	}, nil
}

func parseVersion(v string) (uint16, bool) {
	switch strings.TrimPrefix(strings.ToLower(v), "tls") {
	case "1.2":
		return tls.VersionTLS12, true
	case "1.3":
		return tls.VersionTLS13, true
	default:
		return tls.VersionTLS12, false
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
