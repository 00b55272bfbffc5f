package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type safeBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// fakeTerminal records raw-mode transitions and exposes its two halves
// so tests can feed input and inspect output.
type fakeTerminal struct {
	in       io.Reader
	out      safeBuffer
	enters   atomic.Int32
	restores atomic.Int32
	rawErr   error
}

func (f *fakeTerminal) Read(p []byte) (int, error)  { return f.in.Read(p) }
func (f *fakeTerminal) Write(p []byte) (int, error) { return f.out.Write(p) }

func (f *fakeTerminal) EnterRaw() (func(), error) {
	if f.rawErr != nil {
		return nil, f.rawErr
	}
	f.enters.Inc()
	var once sync.Once
	return func() {
		once.Do(func() { f.restores.Inc() })
	}, nil
}

// errStream fails every read with a fixed error until closed.
type errStream struct {
	readErr error
	closed  *atomic.Bool
}

func (s *errStream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, net.ErrClosed
	}
	return 0, s.readErr
}

func (s *errStream) Write(p []byte) (int, error) { return len(p), nil }

func (s *errStream) Close() error {
	s.closed.Store(true)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunRemoteCloseRestoresTerminal(t *testing.T) {
	local, remote := net.Pipe()

	// Input that blocks until the test releases it, like an idle stdin.
	inR, inW := io.Pipe()
	defer inW.Close()

	term := &fakeTerminal{in: inR}

	go func() {
		_, _ = remote.Write([]byte("uid=0(root)\n"))
		_ = remote.Close()
	}()

	err := Run(context.Background(), local, term, discardLogger())
	require.NoError(t, err)

	require.Equal(t, int32(1), term.enters.Load())
	require.Equal(t, int32(1), term.restores.Load(), "terminal must leave raw mode after remote close")
	require.Equal(t, "uid=0(root)\n", term.out.String())
}

func TestRunLocalEOFDrainsToRemote(t *testing.T) {
	local, remote := net.Pipe()

	received := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(remote)
		received <- string(data)
	}()

	term := &fakeTerminal{in: strings.NewReader("exit\n")}

	err := Run(context.Background(), local, term, discardLogger())
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, "exit\n", got)
	case <-time.After(2 * time.Second):
		t.Fatal("remote never observed the relayed input")
	}

	require.Equal(t, int32(1), term.restores.Load())
}

func TestRunDuplexRelay(t *testing.T) {
	local, remote := net.Pipe()

	inR, inW := io.Pipe()
	defer inW.Close()

	term := &fakeTerminal{in: inR}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), local, term, discardLogger())
	}()

	// Remote echoes one exchange then hangs up.
	go func() {
		buf := make([]byte, 64)
		n, err := remote.Read(buf)
		if err != nil {
			_ = remote.Close()
			return
		}
		_, _ = remote.Write(append([]byte("echo: "), buf[:n]...))
		_ = remote.Close()
	}()

	_, err := inW.Write([]byte("ping\n"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not finish after remote close")
	}

	assert.Equal(t, "echo: ping\n", term.out.String())
	assert.Equal(t, int32(1), term.restores.Load())
}

func TestRunStreamErrorSurfacesAsIOError(t *testing.T) {
	boom := errors.New("carrier lost")
	stream := &errStream{readErr: boom, closed: atomic.NewBool(false)}

	inR, inW := io.Pipe()
	defer inW.Close()

	term := &fakeTerminal{in: inR}

	err := Run(context.Background(), stream, term, discardLogger())
	require.Error(t, err)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, DirStreamToTerminal, ioErr.Dir)
	assert.ErrorIs(t, err, boom)

	require.Equal(t, int32(1), term.restores.Load(), "terminal must leave raw mode after an I/O error")
}

func TestRunCancellationRestoresTerminal(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	inR, inW := io.Pipe()
	defer inW.Close()

	term := &fakeTerminal{in: inR}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, local, term, discardLogger())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean shutdown, not a failure")
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not finish after cancellation")
	}

	require.Equal(t, int32(1), term.restores.Load(), "terminal must leave raw mode after cancellation")
}

func TestRunEnterRawFailure(t *testing.T) {
	boom := errors.New("ioctl failed")
	term := &fakeTerminal{rawErr: boom}

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	err := Run(context.Background(), local, term, discardLogger())
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(0), term.restores.Load())
}

func TestIsExpectedCloseError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"closed pipe", io.ErrClosedPipe, true},
		{"net closed", net.ErrClosed, true},
		{"wrapped net closed", &net.OpError{Op: "read", Err: net.ErrClosed}, true},
		{"epipe", syscall.EPIPE, true},
		{"econnreset", &net.OpError{Op: "write", Err: syscall.ECONNRESET}, true},
		{"econnrefused", syscall.ECONNREFUSED, false},
		{"other", errors.New("carrier lost"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, isExpectedCloseError(tc.err))
		})
	}
}

func TestStdioTerminalWithoutTTY(t *testing.T) {
	// Test processes have no controlling terminal on their pipes, so
	// EnterRaw must degrade to a no-op instead of failing.
	term := NewStdioTerminal()
	restore, err := term.EnterRaw()
	require.NoError(t, err)
	require.NotNil(t, restore)
	restore()
	restore()
}
