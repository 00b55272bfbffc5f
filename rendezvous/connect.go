package rendezvous

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/camkit/camkit/cryptoutils"
)

// DefaultDeadline bounds the whole rendezvous, dialing and handshake
// included, when Options.Deadline is zero.
const DefaultDeadline = 30 * time.Second

// Dial backoff: quick first retries while the payload is still forking,
// settling at a steady two-second poll.
const (
	initialInterval = 100 * time.Millisecond
	backoffFactor   = 1.5
	maxInterval     = 2 * time.Second
)

// Options tunes Connect. Zero values select the defaults.
type Options struct {
	// Deadline bounds the rendezvous. Zero means DefaultDeadline.
	Deadline time.Duration

	// OnListenerFound, if set, runs once the listener accepts a TCP
	// connection, before the TLS handshake starts.
	OnListenerFound func()

	Log *slog.Logger
}

// Stream is an established rendezvous channel. It is the raw tls.Conn
// plus the negotiated parameters for operator display.
type Stream struct {
	*tls.Conn

	PeerAddr    string
	TLSVersion  string
	CipherSuite string
}

// Connect dials the endpoint until the device listener answers, then runs
// the mutual-TLS handshake presenting the session's client identity and
// trusting only the session authority. TCP-level failures are retried
// until the deadline; TLS-level failures are terminal.
func Connect(ctx context.Context, ep Endpoint, keys *cryptoutils.KeyMaterial, opts Options) (*Stream, error) {
	deadline := opts.Deadline
	if deadline == 0 {
		deadline = DefaultDeadline
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	tlsCfg, certRequested, err := cryptoutils.ClientTLSConfig(keys.Client, keys.CA)
	if err != nil {
		return nil, &HandshakeError{Reason: "assembling client TLS config", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	conn, err := waitForListener(ctx, ep, deadline, log)
	if err != nil {
		return nil, err
	}
	if opts.OnListenerFound != nil {
		opts.OnListenerFound()
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, &HandshakeError{Reason: "TLS handshake with device listener", Err: err}
	}
	if !certRequested.Load() {
		tlsConn.Close()
		return nil, &HandshakeError{
			Reason: "listener never requested our client certificate; refusing a unilaterally authenticated channel",
		}
	}

	state := tlsConn.ConnectionState()
	stream := &Stream{
		Conn:        tlsConn,
		PeerAddr:    conn.RemoteAddr().String(),
		TLSVersion:  tls.VersionName(state.Version),
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
	}
	log.Debug("rendezvous established",
		"peer", stream.PeerAddr,
		"tls_version", stream.TLSVersion,
		"cipher_suite", stream.CipherSuite)
	return stream, nil
}

// waitForListener polls TCP connect until the listener accepts or the
// deadline passes. The payload's startup time is unknowable from here, so
// every dial error is worth retrying; the deadline is the only arbiter.
func waitForListener(ctx context.Context, ep Endpoint, deadline time.Duration, log *slog.Logger) (net.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialInterval
	policy.Multiplier = backoffFactor
	policy.MaxInterval = maxInterval
	policy.MaxElapsedTime = deadline

	dialer := &net.Dialer{Timeout: maxInterval}

	var (
		conn     net.Conn
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		c, err := dialer.DialContext(ctx, "tcp", ep.Addr())
		if err != nil {
			log.Debug("rendezvous dial failed", "addr", ep.Addr(), "attempt", attempts, "err", err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %d attempts, last error: %v", ErrRendezvousTimeout, attempts, err)
	}
	return conn, nil
}
