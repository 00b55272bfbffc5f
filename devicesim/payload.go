package devicesim

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/camkit/camkit/api"
	"github.com/camkit/camkit/cryptoutils"
)

// ShellMode selects what an accepted rendezvous connection talks to.
type ShellMode string

const (
	// ShellEcho is a built-in fake shell that answers echo commands. It
	// spawns nothing and is the safe default.
	ShellEcho ShellMode = "echo"

	// ShellPTY attaches a real /bin/sh on a pseudo-terminal to each
	// connection. Development use only.
	ShellPTY ShellMode = "pty"
)

// payloadHost plays the part of the uploaded payload: per installed
// shell package it binds a mutually authenticated TLS listener and
// attaches a shell to each accepted connection.
type payloadHost struct {
	mode ShellMode
	ring *syslogRing

	mu        sync.Mutex
	listeners map[string]*payloadListener
}

type payloadListener struct {
	appID string
	port  int
	ln    net.Listener
}

func newPayloadHost(mode ShellMode, ring *syslogRing) *payloadHost {
	if mode == "" {
		mode = ShellEcho
	}
	return &payloadHost{
		mode:      mode,
		ring:      ring,
		listeners: make(map[string]*payloadListener),
	}
}

// Start binds the listener for one installed package, replacing any
// listener a previous package with the same app id left behind.
func (h *payloadHost) Start(appID string, port int, server cryptoutils.Identity, clientCA cryptoutils.CACert) error {
	tlsCfg, err := cryptoutils.ServerTLSConfig(server, clientCA)
	if err != nil {
		return fmt.Errorf("assembling listener TLS config: %w", err)
	}

	ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", port), tlsCfg)
	if err != nil {
		return fmt.Errorf("binding rendezvous port %d: %w", port, err)
	}

	h.mu.Lock()
	if prev, ok := h.listeners[appID]; ok {
		_ = prev.ln.Close()
	}
	h.listeners[appID] = &payloadListener{appID: appID, port: port, ln: ln}
	h.mu.Unlock()

	h.ring.append(api.SeverityInfo, loggerSource(appID), "starting shell listener on port %d", port)

	go h.acceptLoop(appID, ln)
	return nil
}

// Stop closes the listener of one installed package. It reports whether
// a listener was actually running.
func (h *payloadHost) Stop(appID string) bool {
	h.mu.Lock()
	l, ok := h.listeners[appID]
	if ok {
		delete(h.listeners, appID)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	_ = l.ln.Close()
	h.ring.append(api.SeverityInfo, loggerSource(appID), "terminated")
	return true
}

// StopAll closes every listener. Used at simulator shutdown.
func (h *payloadHost) StopAll() {
	h.mu.Lock()
	listeners := make([]*payloadListener, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.listeners = make(map[string]*payloadListener)
	h.mu.Unlock()

	for _, l := range listeners {
		_ = l.ln.Close()
	}
}

func (h *payloadHost) acceptLoop(appID string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h.ring.append(api.SeverityInfo, loggerSource(appID), "accepted connection from %s", conn.RemoteAddr())
		go h.serveShell(appID, conn)
	}
}

func (h *payloadHost) serveShell(appID string, conn net.Conn) {
	defer conn.Close()

	var err error
	switch h.mode {
	case ShellPTY:
		err = servePTYShell(conn)
	default:
		err = serveEchoShell(conn)
	}
	if err != nil {
		h.ring.append(api.SeverityWarning, loggerSource(appID), "shell session ended: %v", err)
		return
	}
	h.ring.append(api.SeverityInfo, loggerSource(appID), "shell session closed")
}

// loggerSource is the tag the payload scripts log under, so simulated
// entries and real entries look the same in the system log.
func loggerSource(appID string) string {
	return "camkit shell " + appID
}

// serveEchoShell is a line shell that understands just enough for a
// smoke test: echo prints its arguments, exit hangs up, everything else
// reports a missing command.
func serveEchoShell(conn net.Conn) error {
	if _, err := io.WriteString(conn, "# "); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "exit":
			return nil
		case line == "echo":
			if _, err := io.WriteString(conn, "\n"); err != nil {
				return err
			}
		case strings.HasPrefix(line, "echo "):
			if _, err := io.WriteString(conn, strings.TrimPrefix(line, "echo ")+"\n"); err != nil {
				return err
			}
		default:
			cmd := line
			if i := strings.IndexByte(line, ' '); i >= 0 {
				cmd = line[:i]
			}
			if _, err := fmt.Fprintf(conn, "sh: %s: not found\n", cmd); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(conn, "# "); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// servePTYShell attaches a real interactive shell to the connection.
func servePTYShell(conn net.Conn) error {
	cmd := exec.Command("/bin/sh", "-i")
	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting pty shell: %w", err)
	}
	defer func() {
		_ = ptyFile.Close()
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(ptyFile, conn)
		close(done)
	}()

	// creack/pty surfaces EIO once the shell exits and the pty closes;
	// that is the normal end of the session.
	_, _ = io.Copy(conn, ptyFile)
	_ = conn.Close()
	<-done
	return nil
}
