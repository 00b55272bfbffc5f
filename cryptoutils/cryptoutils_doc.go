// Package cryptoutils generates and handles the per-session cryptographic
// material that secures the shell bridge.
//
// Every interactive session gets a fresh, private public key infrastructure:
// a throwaway certificate authority and two leaf identities signed by it, one
// for the device-side listener and one for the local client. Nothing chains
// to WebPKI and nothing survives the session. Trust between the two endpoints
// is established purely by possession of a key signed by the session
// authority.
//
// # Key Material
//
// GenerateSessionKeys produces a KeyMaterial value holding:
//
//   - A self-signed ECDSA P-256 authority certificate (CA) and its key
//   - A device identity, shipped to the device inside the session bundle
//   - A client identity, which never leaves the local process
//
// Certificates are valid for half an hour and backdated a few minutes to
// tolerate device clock drift. Call Destroy once the session ends to scrub
// the private keys.
//
// # Typed PEM Values
//
// TLSCert, CACert and PrivateKey wrap PEM-encoded bytes and validate their
// shape on construction, so a certificate can never be passed where a key is
// expected. PrivateKey accepts PKCS#8 blocks only.
//
// # Mutual TLS
//
// ClientTLSConfig and ServerTLSConfig assemble tls.Config values with
// session-pinned trust on both sides:
//
//   - The server requires and verifies a client certificate against the
//     session authority.
//   - The client disables WebPKI verification and instead pins the peer to
//     the session authority via PinnedVerifyPeer. It also reports whether
//     the server ever requested a client certificate, so a server that
//     skips mutual authentication can be rejected after the handshake.
//
// # Usage Example
//
//	keys, err := cryptoutils.GenerateSessionKeys("camkit shell 4cafe")
//	if err != nil {
//	    return err
//	}
//	defer keys.Destroy()
//
//	cfg, certRequested, err := cryptoutils.ClientTLSConfig(keys.Client, keys.CA)
//	if err != nil {
//	    return err
//	}
//	conn, err := tls.Dial("tcp", addr, cfg)
//	if err != nil {
//	    return err
//	}
//	if !certRequested.Load() {
//	    conn.Close()
//	    return errors.New("server did not request mutual authentication")
//	}
package cryptoutils
