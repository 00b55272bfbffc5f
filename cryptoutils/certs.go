package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrCrypto marks failures of the randomness source or of a signing
// operation during key material generation. Such failures are fatal to the
// session: regenerating is equivalent to starting over, so callers must not
// retry.
var ErrCrypto = errors.New("key material generation failed")

// Session certificates only need to outlive one interactive session. The
// window is backdated a little so a device with modest clock drift still
// accepts the chain.
const (
	sessionBackdate = 5 * time.Minute
	sessionValidity = 30 * time.Minute
)

// Identity is one endpoint's session identity: a leaf certificate and its
// private key, both PEM-encoded.
type Identity struct {
	Cert TLSCert
	Key  PrivateKey
}

// KeyMaterial is the complete cryptographic identity set for one session:
// a private authority and the two leaf identities it signed. The device
// identity ships to the device inside the bundle; the client identity never
// leaves the process. Both leaves chain to CA and to nothing else.
//
// KeyMaterial is owned by exactly one session and must never be reused or
// persisted.
type KeyMaterial struct {
	// CA is the self-signed session authority certificate.
	CA CACert

	// CAKey is the authority's private key. It is only needed during
	// generation; it stays in the struct so Destroy can scrub it.
	CAKey PrivateKey

	// Device is presented by the device-side listener during the
	// rendezvous handshake.
	Device Identity

	// Client is presented by the local bridge during the rendezvous
	// handshake.
	Client Identity
}

// GenerateSessionKeys produces fresh key material for one session. The
// name appears in certificate subjects for diagnostics only; trust
// decisions are made solely by chain verification against CA.
//
// The only external state consumed is entropy. Any generation or signing
// failure wraps ErrCrypto.
func GenerateSessionKeys(name string) (*KeyMaterial, error) {
	notBefore := time.Now().Add(-sessionBackdate)
	notAfter := notBefore.Add(sessionBackdate + sessionValidity)

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating authority key: %w", ErrCrypto, err)
	}

	caCertPEM, caCert, err := createAuthorityCertificate(caKey, name+" authority", notBefore, notAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}

	caKeyPEM, err := encodePrivateKey(caKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}

	device, err := issueLeaf(caCert, caKey, name+" device", notBefore, notAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: issuing device identity: %w", ErrCrypto, err)
	}

	client, err := issueLeaf(caCert, caKey, name+" client", notBefore, notAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: issuing client identity: %w", ErrCrypto, err)
	}

	return &KeyMaterial{
		CA:     caCertPEM,
		CAKey:  caKeyPEM,
		Device: device,
		Client: client,
	}, nil
}

// Destroy scrubs all private key material in place. The certificates are
// public and left as-is. Safe to call more than once.
func (km *KeyMaterial) Destroy() {
	if km == nil {
		return
	}
	km.CAKey.Zero()
	km.Device.Key.Zero()
	km.Client.Key.Zero()
}

// createAuthorityCertificate creates the self-signed session authority.
func createAuthorityCertificate(caKey *ecdsa.PrivateKey, cn string, notBefore, notAfter time.Time) (CACert, *x509.Certificate, error) {
	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"camkit"},
			CommonName:   cn,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating authority certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing authority certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	return CACert(certPEM), cert, nil
}

// issueLeaf generates a key pair and signs a leaf certificate for it. The
// leaf carries both server and client extended key usages so the same
// issuance path serves the listener side and the connector side.
func issueLeaf(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, cn string, notBefore, notAfter time.Time) (Identity, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generating key: %w", err)
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return Identity{}, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"camkit"},
			CommonName:   cn,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return Identity{}, fmt.Errorf("signing certificate: %w", err)
	}

	keyPEM, err := encodePrivateKey(leafKey)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Cert: TLSCert(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})),
		Key:  keyPEM,
	}, nil
}

func encodePrivateKey(key *ecdsa.PrivateKey) (PrivateKey, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return PrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})), nil
}

func newSerialNumber() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serialNumber, nil
}
