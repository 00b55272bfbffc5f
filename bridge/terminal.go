package bridge

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Terminal is the local end of a bridge. Raw mode is a scoped resource:
// EnterRaw captures the prior state and hands back the restore function,
// and the bridge guarantees restore runs on every way out.
type Terminal interface {
	io.Reader
	io.Writer

	// EnterRaw switches the terminal to raw mode. The returned restore
	// is idempotent and safe to call from any goroutine.
	EnterRaw() (restore func(), err error)
}

// StdioTerminal is the process's stdin/stdout as a Terminal. When stdin
// is not a tty (pipes, tests), EnterRaw is a no-op: there is no terminal
// state to protect.
type StdioTerminal struct {
	in  *os.File
	out *os.File
}

// NewStdioTerminal wraps the process's standard streams.
func NewStdioTerminal() *StdioTerminal {
	return &StdioTerminal{in: os.Stdin, out: os.Stdout}
}

func (t *StdioTerminal) Read(p []byte) (int, error)  { return t.in.Read(p) }
func (t *StdioTerminal) Write(p []byte) (int, error) { return t.out.Write(p) }

func (t *StdioTerminal) EnterRaw() (func(), error) {
	fd := int(t.in.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}

	prior, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("entering raw mode: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = term.Restore(fd, prior)
		})
	}, nil
}
