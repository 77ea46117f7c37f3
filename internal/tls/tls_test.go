package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Disabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetup_AutoGenerate(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.3"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	for _, f := range []string{CertFile, KeyFile, CACertFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}
	pair, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "localhost")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
}

func TestSetup_KeepsExistingPair(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateSelfSigned(Config{Dir: dir, Hosts: []string{"bot.internal"}}))
	before, err := os.ReadFile(filepath.Join(dir, CertFile))
	require.NoError(t, err)

	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, CertFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	block, _ := pem.Decode(after)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"bot.internal"}, leaf.DNSNames)
}

func TestSetup_MissingFiles(t *testing.T) {
	_, err := Setup(Config{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.ErrorIs(t, Config{Enabled: true}.Validate(), ErrNoCertificate)
	assert.Error(t, Config{Enabled: true, CertFile: "a.crt"}.Validate())
	assert.Error(t, Config{Enabled: true, Dir: "x", MinVersion: "1.0"}.Validate())
	assert.NoError(t, Config{Enabled: true, CertFile: "a.crt", KeyFile: "a.key", MinVersion: "TLS1.2"}.Validate())
}
