package cryptoutils

import (
	"crypto/tls"
	"encoding/pem"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawDER(t *testing.T, cert TLSCert) []byte {
	t.Helper()
	block, _ := pem.Decode(cert)
	require.NotNil(t, block)
	return block.Bytes
}

// handshakePipe runs a full TLS handshake over an in-memory pipe and
// returns both sides' handshake errors.
func handshakePipe(t *testing.T, clientCfg, serverCfg *tls.Config) (clientErr, serverErr error) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, clientConn.SetDeadline(deadline))
	require.NoError(t, serverConn.SetDeadline(deadline))

	client := tls.Client(clientConn, clientCfg)
	server := tls.Server(serverConn, serverCfg)

	done := make(chan error, 1)
	go func() { done <- server.Handshake() }()
	clientErr = client.Handshake()
	serverErr = <-done
	return clientErr, serverErr
}

func TestPinnedVerifyPeer(t *testing.T) {
	a, err := GenerateSessionKeys("pin a")
	require.NoError(t, err)
	b, err := GenerateSessionKeys("pin b")
	require.NoError(t, err)

	pool, err := a.CA.Pool()
	require.NoError(t, err)
	verify := PinnedVerifyPeer(pool)

	assert.NoError(t, verify([][]byte{rawDER(t, a.Device.Cert)}, nil))
	assert.NoError(t, verify([][]byte{rawDER(t, a.Client.Cert)}, nil))
	assert.Error(t, verify([][]byte{rawDER(t, b.Device.Cert)}, nil))
	assert.Error(t, verify(nil, nil))
}

func TestMutualHandshake(t *testing.T) {
	keys, err := GenerateSessionKeys("handshake")
	require.NoError(t, err)

	serverCfg, err := ServerTLSConfig(keys.Device, keys.CA)
	require.NoError(t, err)
	clientCfg, certRequested, err := ClientTLSConfig(keys.Client, keys.CA)
	require.NoError(t, err)

	clientErr, serverErr := handshakePipe(t, clientCfg, serverCfg)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.True(t, certRequested.Load())
}

func TestHandshakeRejectsForeignAuthority(t *testing.T) {
	a, err := GenerateSessionKeys("trusted")
	require.NoError(t, err)
	b, err := GenerateSessionKeys("imposter")
	require.NoError(t, err)

	serverCfg, err := ServerTLSConfig(b.Device, b.CA)
	require.NoError(t, err)
	clientCfg, _, err := ClientTLSConfig(a.Client, a.CA)
	require.NoError(t, err)

	clientErr, _ := handshakePipe(t, clientCfg, serverCfg)
	require.Error(t, clientErr)
	assert.Contains(t, clientErr.Error(), "session authority")
}

func TestServerRequiresClientCertificate(t *testing.T) {
	keys, err := GenerateSessionKeys("strict server")
	require.NoError(t, err)

	serverCfg, err := ServerTLSConfig(keys.Device, keys.CA)
	require.NoError(t, err)

	pool, err := keys.CA.Pool()
	require.NoError(t, err)
	clientCfg := &tls.Config{
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: PinnedVerifyPeer(pool),
	}

	_, serverErr := handshakePipe(t, clientCfg, serverCfg)
	assert.Error(t, serverErr)
}

func TestClientDetectsUnilateralServer(t *testing.T) {
	keys, err := GenerateSessionKeys("lax server")
	require.NoError(t, err)

	serverCert, err := keys.Device.TLSCertificate()
	require.NoError(t, err)
	serverCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverCert},
	}

	clientCfg, certRequested, err := ClientTLSConfig(keys.Client, keys.CA)
	require.NoError(t, err)

	clientErr, serverErr := handshakePipe(t, clientCfg, serverCfg)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.False(t, certRequested.Load())
}
