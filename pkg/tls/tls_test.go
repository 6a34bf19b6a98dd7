package tls

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	require.NoError(t, GenerateSelfSigned(certFile, keyFile, "media.internal", time.Hour, "10.0.0.5", "jobs.local"))

	data, err := os.ReadFile(certFile)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "media.internal", cert.Subject.CommonName)
	assert.ElementsMatch(t, []string{"localhost", "media.internal", "jobs.local"}, cert.DNSNames)
	assert.Len(t, cert.IPAddresses, 3)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cert.NotAfter, time.Minute)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	server, err := ServerConfig(certFile, keyFile, "")
	require.NoError(t, err)
	assert.Len(t, server.Certificates, 1)
	assert.Nil(t, server.ClientCAs)

	mtls, err := ServerConfig(certFile, keyFile, certFile)
	require.NoError(t, err)
	assert.NotNil(t, mtls.ClientCAs)

	client, err := ClientConfig(certFile, false)
	require.NoError(t, err)
	assert.NotNil(t, client.RootCAs)
	assert.False(t, client.InsecureSkipVerify)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := ServerConfig(filepath.Join(dir, "missing.pem"), filepath.Join(dir, "missing.key"), "")
	assert.Error(t, err)

	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o644))
	_, err = ClientConfig(junk, false)
	assert.ErrorContains(t, err, "no certificates found")
}
