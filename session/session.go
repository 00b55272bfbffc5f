// Package session drives one interactive shell session end to end: key
// material, bundle build, port probe, bootstrap upload, rendezvous,
// terminal bridge, cleanup.
//
// A session is single-use. Whatever happens after the bootstrap upload
// succeeds, the session uploads a cleanup bundle on its way out, and key
// material is destroyed on every path.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/camkit/camkit/api"
	"github.com/camkit/camkit/bridge"
	"github.com/camkit/camkit/bundle"
	"github.com/camkit/camkit/cryptoutils"
	"github.com/camkit/camkit/device"
	"github.com/camkit/camkit/rendezvous"
)

// cleanupTimeout bounds the cleanup bundle upload. The session context
// may already be canceled when cleanup runs, so it gets its own budget.
const cleanupTimeout = 15 * time.Second

// Config carries one session's parameters, resolved by the caller from
// flags and the config file.
type Config struct {
	// Target is the parsed device URL, credentials included.
	Target device.Target

	// Port is the rendezvous port. Zero picks a random port from the
	// shell port range.
	Port int

	// Arch is the device's CPU architecture.
	Arch bundle.Arch

	// Deadline bounds the rendezvous wait. Zero selects the rendezvous
	// default.
	Deadline time.Duration

	// SkipProbe disables the pre-upload check that the rendezvous port
	// is closed.
	SkipProbe bool

	// InsecureTLS skips certificate verification on the device's
	// administrative interface. The rendezvous channel is unaffected,
	// it always verifies against the session authority.
	InsecureTLS bool

	// Terminal is the local end of the bridge. Nil means the process
	// tty.
	Terminal bridge.Terminal

	Log *slog.Logger
}

// bootstrapper is the device-facing surface a session needs.
// *device.Client implements it.
type bootstrapper interface {
	InstallPackage(ctx context.Context, b *bundle.Bundle) (device.BootstrapOutcome, error)
	RemovePackage(ctx context.Context, b *bundle.Bundle) error
}

// Session is one shell invocation's unit of work.
type Session struct {
	id    uuid.UUID
	cfg   Config
	port  int
	state stateCell
	log   *slog.Logger

	device    bootstrapper
	generate  func(name string) (*cryptoutils.KeyMaterial, error)
	probe     func(ctx context.Context, ep rendezvous.Endpoint) error
	connect   func(ctx context.Context, ep rendezvous.Endpoint, keys *cryptoutils.KeyMaterial, opts rendezvous.Options) (*rendezvous.Stream, error)
	runBridge func(ctx context.Context, stream io.ReadWriteCloser, terminal bridge.Terminal, log *slog.Logger) error
}

// New assembles a session. The session id and, when cfg.Port is zero,
// the rendezvous port are fixed here so that log lines, bundle contents
// and the connector all agree on them.
func New(cfg Config) *Session {
	id := uuid.New()

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", id.String())

	port := cfg.Port
	if port == 0 {
		port = api.ShellPortMin + rand.IntN(api.ShellPortMax-api.ShellPortMin+1)
	}

	if cfg.Terminal == nil {
		cfg.Terminal = bridge.NewStdioTerminal()
	}

	s := &Session{
		id:   id,
		cfg:  cfg,
		port: port,
		log:  log,
		device: device.NewClient(device.Config{
			Target:      cfg.Target,
			InsecureTLS: cfg.InsecureTLS,
			Log:         log,
		}),
		generate:  cryptoutils.GenerateSessionKeys,
		probe:     rendezvous.ProbeClosed,
		connect:   rendezvous.Connect,
		runBridge: bridge.Run,
	}
	s.state.store(StateInitializing)
	return s
}

// ID is the session's identity, present in log lines and in the
// on-device file names of everything the session uploads.
func (s *Session) ID() uuid.UUID { return s.id }

// Port is the rendezvous port this session will use.
func (s *Session) Port() int { return s.port }

// State is the session's current lifecycle stage.
func (s *Session) State() State { return s.state.load() }

// Run walks the session through its whole lifecycle and blocks until
// the shell ends or a stage fails. Errors keep their stage's typed
// cause, so callers can distinguish failure classes with errors.Is and
// errors.As.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.state.store(StateFailed)
		}
	}()

	s.log.Info("starting shell session",
		"target", s.cfg.Target.Redacted(),
		"port", s.port,
		"arch", string(s.cfg.Arch))

	keys, err := s.generate(bundle.LoggerTag(s.id))
	if err != nil {
		return fmt.Errorf("generating session keys: %w", err)
	}
	defer keys.Destroy()
	s.state.store(StateKeysGenerated)

	start, err := bundle.BuildStart(bundle.StartSpec{
		SessionID:  s.id,
		Port:       s.port,
		Arch:       s.cfg.Arch,
		DeviceKey:  keys.Device.Key,
		DeviceCert: keys.Device.Cert,
		ClientCA:   keys.CA,
	})
	if err != nil {
		return fmt.Errorf("building shell bundle: %w", err)
	}
	s.state.store(StateBundleBuilt)

	endpoint := rendezvous.Endpoint{Host: s.cfg.Target.Hostname(), Port: s.port}

	if !s.cfg.SkipProbe {
		if err := s.probe(ctx, endpoint); err != nil {
			return fmt.Errorf("pre-upload port check: %w", err)
		}
	}

	s.state.store(StateUploading)
	outcome, err := s.device.InstallPackage(ctx, start)
	if err != nil {
		return fmt.Errorf("bootstrap upload: %w", err)
	}
	s.log.Info("bootstrap accepted", "outcome", outcome.String())

	// The payload may be live on the device from this point. Every way
	// out of the session now includes the cleanup upload.
	defer s.removePayload()

	s.state.store(StateAwaitingListener)
	stream, err := s.connect(ctx, endpoint, keys, rendezvous.Options{
		Deadline:        s.cfg.Deadline,
		OnListenerFound: func() { s.state.store(StateHandshaking) },
		Log:             s.log,
	})
	if err != nil {
		return fmt.Errorf("rendezvous: %w", err)
	}

	s.state.store(StateBridging)
	s.log.Info("shell established",
		"peer", stream.PeerAddr,
		"tls_version", stream.TLSVersion,
		"cipher_suite", stream.CipherSuite)

	if err := s.runBridge(ctx, stream, s.cfg.Terminal, s.log); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	s.state.store(StateClosed)
	return nil
}

// removePayload uploads the cleanup bundle, best effort. The listener
// and its workdir live in /tmp, so even a failed cleanup does not
// survive a device reboot.
func (s *Session) removePayload() {
	end, err := bundle.BuildEnd(bundle.EndSpec{SessionID: s.id, Arch: s.cfg.Arch})
	if err != nil {
		s.log.Warn("building cleanup bundle failed", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := s.device.RemovePackage(ctx, end); err != nil {
		s.log.Warn("cleanup bundle upload failed", "err", err)
		return
	}
	s.log.Info("cleanup bundle uploaded")
}
