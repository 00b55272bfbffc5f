package cryptoutils

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"go.uber.org/atomic"
)

// TLSCertificate assembles the identity into a tls.Certificate.
func (id Identity) TLSCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(id.Cert, id.Key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("assembling key pair: %w", err)
	}
	return cert, nil
}

// Pool returns a certificate pool holding only this authority.
func (c CACert) Pool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(c) {
		return nil, errors.New("no usable certificate in CA PEM")
	}
	return pool, nil
}

// PinnedVerifyPeer returns a VerifyPeerCertificate callback that accepts a
// peer exactly when its chain verifies against pool. Hostnames and extended
// key usages are not checked: within a session, identity is possession of a
// key signed by the session authority.
func PinnedVerifyPeer(pool *x509.CertPool) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer presented no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parsing peer certificate: %w", err)
		}
		opts := x509.VerifyOptions{
			Roots:         pool,
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		for _, raw := range rawCerts[1:] {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parsing peer intermediate: %w", err)
			}
			opts.Intermediates.AddCert(cert)
		}
		if _, err := leaf.Verify(opts); err != nil {
			return fmt.Errorf("peer certificate not signed by session authority: %w", err)
		}
		return nil
	}
}

// ClientTLSConfig builds the connector-side TLS configuration. The peer is
// verified exclusively against the session authority; WebPKI roots and
// hostnames play no part. The returned flag turns true once the server has
// asked for a client certificate, which lets callers reject servers that
// never demanded mutual authentication.
func ClientTLSConfig(client Identity, ca CACert) (*tls.Config, *atomic.Bool, error) {
	cert, err := client.TLSCertificate()
	if err != nil {
		return nil, nil, fmt.Errorf("client identity: %w", err)
	}
	pool, err := ca.Pool()
	if err != nil {
		return nil, nil, fmt.Errorf("session authority: %w", err)
	}

	certRequested := atomic.NewBool(false)
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Verification happens in VerifyPeerCertificate, against the
		// session authority only.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: PinnedVerifyPeer(pool),
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			certRequested.Store(true)
			return &cert, nil
		},
	}
	return cfg, certRequested, nil
}

// ServerTLSConfig builds the listener-side TLS configuration. Handshakes
// fail unless the client presents a certificate chaining to the session
// authority.
func ServerTLSConfig(server Identity, ca CACert) (*tls.Config, error) {
	cert, err := server.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("server identity: %w", err)
	}
	pool, err := ca.Pool()
	if err != nil {
		return nil, fmt.Errorf("session authority: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}, nil
}
