// Package rendezvous establishes the encrypted channel between the local
// client and the payload listener a freshly bootstrapped device brings up.
//
// The two sides are not synchronized: the upload response races the
// payload's startup, so the connector polls the agreed port with bounded
// exponential backoff until the listener answers or the rendezvous
// deadline passes. Once TCP is up, a mutual-TLS handshake pinned to the
// session authority authenticates both ends; a listener that answers but
// cannot complete that handshake is treated as a hard failure, not
// something to retry.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// Endpoint is the rendezvous address: the device's host and the port the
// session manifest advertised.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the dialable host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ErrRendezvousTimeout is returned by Connect when the listener never
// answered within the rendezvous deadline.
var ErrRendezvousTimeout = errors.New("rendezvous timed out waiting for the device listener")

// HandshakeError reports a failed or insufficient TLS handshake with the
// device listener. It is terminal: the listener will not get better by
// retrying.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rendezvous handshake failed: %s: %v", e.Reason, e.Err)
	}
	return "rendezvous handshake failed: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// probeTimeout bounds the single pre-upload probe dial.
const probeTimeout = 2 * time.Second

// ProbeClosed verifies the rendezvous port is closed before the upload
// publishes it to the device. Connection refused is the healthy answer.
// An open port means something else listens there and the session must
// pick another; a silent timeout usually means a firewall that would also
// starve the real rendezvous, so it aborts the session before the upload
// mutates device state.
func ProbeClosed(ctx context.Context, ep Endpoint) error {
	dialer := &net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Addr())
	if err == nil {
		conn.Close()
		return fmt.Errorf("rendezvous port %d on %s is already open; pick a different port", ep.Port, ep.Host)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("probing %s timed out; a firewall may be dropping rendezvous traffic", ep.Addr())
	}
	return fmt.Errorf("probing %s: %w", ep.Addr(), err)
}
