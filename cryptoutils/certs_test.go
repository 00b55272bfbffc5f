package cryptoutils

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSessionKeys(t *testing.T) {
	keys, err := GenerateSessionKeys("camkit shell 4cafe")
	require.NoError(t, err)
	defer keys.Destroy()

	require.NoError(t, keys.CA.Validate())
	require.NoError(t, keys.CAKey.Validate())
	require.NoError(t, keys.Device.Cert.Validate())
	require.NoError(t, keys.Device.Key.Validate())
	require.NoError(t, keys.Client.Cert.Validate())
	require.NoError(t, keys.Client.Key.Validate())

	require.NoError(t, keys.CA.VerifyCertificate(keys.Device.Cert))
	require.NoError(t, keys.CA.VerifyCertificate(keys.Client.Cert))

	caCert, err := keys.CA.GetX509Cert()
	require.NoError(t, err)
	assert.True(t, caCert.IsCA)
	assert.Equal(t, "camkit shell 4cafe authority", caCert.Subject.CommonName)

	deviceCert, err := keys.Device.Cert.GetX509Cert()
	require.NoError(t, err)
	assert.Equal(t, "camkit shell 4cafe device", deviceCert.Subject.CommonName)
	assert.Contains(t, deviceCert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.Contains(t, deviceCert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	clientCert, err := keys.Client.Cert.GetX509Cert()
	require.NoError(t, err)
	assert.Equal(t, "camkit shell 4cafe client", clientCert.Subject.CommonName)
	assert.Contains(t, clientCert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.Contains(t, clientCert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	now := time.Now()
	assert.WithinDuration(t, now.Add(-sessionBackdate), deviceCert.NotBefore, time.Minute)
	assert.WithinDuration(t, now.Add(sessionValidity), deviceCert.NotAfter, time.Minute)
}

func TestSessionKeysAreIndependent(t *testing.T) {
	a, err := GenerateSessionKeys("session a")
	require.NoError(t, err)
	b, err := GenerateSessionKeys("session b")
	require.NoError(t, err)

	require.NoError(t, a.CA.VerifyCertificate(a.Device.Cert))
	require.NoError(t, b.CA.VerifyCertificate(b.Device.Cert))

	assert.Error(t, a.CA.VerifyCertificate(b.Device.Cert))
	assert.Error(t, a.CA.VerifyCertificate(b.Client.Cert))
	assert.Error(t, b.CA.VerifyCertificate(a.Device.Cert))
	assert.Error(t, b.CA.VerifyCertificate(a.Client.Cert))
}

func TestDestroyScrubsPrivateKeys(t *testing.T) {
	keys, err := GenerateSessionKeys("scrub")
	require.NoError(t, err)

	keys.Destroy()

	assert.NotContains(t, string(keys.CAKey), "PRIVATE KEY")
	assert.NotContains(t, string(keys.Device.Key), "PRIVATE KEY")
	assert.NotContains(t, string(keys.Client.Key), "PRIVATE KEY")
	assert.Error(t, keys.Device.Key.Validate())

	// Certificates are public and stay usable.
	assert.NoError(t, keys.CA.Validate())
	assert.NoError(t, keys.Device.Cert.Validate())

	keys.Destroy()
}
