// Package bridge relays a byte stream between the local terminal and a
// remote shell endpoint.
//
// A bridge is two copy loops: terminal reads go to the stream, stream
// reads go to the terminal. The loops use small buffers so keystrokes
// and prompt output cross with minimal latency. The session ends when
// either direction ends; the bridge then closes the stream to unblock
// the other direction and restores the terminal before returning.
//
// A terminal-side read (the user's stdin) cannot be interrupted from
// another goroutine, so when the remote side ends first the bridge
// abandons the terminal relay rather than waiting for it. The result
// channel is buffered so the abandoned goroutine never leaks blocked
// on its send.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const relayBufferSize = 1024

// Direction labels one relay direction of a bridge.
type Direction string

const (
	DirTerminalToStream Direction = "terminal-to-stream"
	DirStreamToTerminal Direction = "stream-to-terminal"
)

// IOError is an unexpected relay failure in one direction. Teardown
// noise (EOF, closed connections, resets) never surfaces as an IOError.
type IOError struct {
	Dir   Direction
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("bridge %s relay failed: %v", e.Dir, e.Cause)
}

func (e *IOError) Unwrap() error { return e.Cause }

type relayResult struct {
	dir Direction
	err error
}

// ioError maps a relay outcome to its reportable error, filtering the
// noise every teardown produces.
func (r relayResult) ioError() error {
	if r.err == nil || isExpectedCloseError(r.err) {
		return nil
	}
	return &IOError{Dir: r.dir, Cause: r.err}
}

// Run bridges terminal and stream until either side ends, the context
// is canceled, or the process receives SIGINT, SIGTERM or SIGHUP. The
// terminal is in raw mode for the whole bridge and restored on every
// way out, including signals. Run closes the stream; the caller must
// not reuse it.
//
// A nil return means the session ended cleanly, whichever side ended
// it. Unexpected relay failures are returned as *IOError.
func Run(ctx context.Context, stream io.ReadWriteCloser, terminal Terminal, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	restore, err := terminal.EnterRaw()
	if err != nil {
		return err
	}
	defer restore()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	// Buffered so the relay abandoned after a remote-first close can
	// still complete its send whenever its read finally returns.
	results := make(chan relayResult, 2)

	go func() {
		results <- relayResult{DirTerminalToStream, relay(stream, terminal)}
	}()
	go func() {
		results <- relayResult{DirStreamToTerminal, relay(terminal, stream)}
	}()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			log.Debug("signal received, closing bridge", "signal", sig.String())
		case <-watchDone:
			return
		}
		restore()
		_ = stream.Close()
	}()

	start := time.Now()
	log.Info("shell bridge established")

	first := <-results

	// Closing the stream unblocks whichever direction is still inside a
	// stream read or write.
	_ = stream.Close()
	restore()

	bridgeErr := first.ioError()
	if first.dir == DirTerminalToStream {
		// The stream relay always unblocks after the close above, so it
		// is safe to collect. The reverse is not true: a parked stdin
		// read has nothing to unblock it, which is why the other branch
		// does not wait.
		second := <-results
		if bridgeErr == nil {
			bridgeErr = second.ioError()
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		bridgeErr = nil
	}

	log.Info("shell bridge closed", "duration", time.Since(start).Round(time.Millisecond).String())
	return bridgeErr
}

// relay pumps src to dst until EOF or error. The small buffer keeps
// keystroke latency low; interactive sessions never move enough data
// for batching to matter.
func relay(dst io.Writer, src io.Reader) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
