package bridge

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// isExpectedCloseError reports whether err is ordinary teardown noise.
// The bridge full-closes the stream to unblock the opposite relay, so
// the surviving direction sees EOF, a closed-connection error, EPIPE or
// ECONNRESET depending on timing. None of those are worth reporting.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
