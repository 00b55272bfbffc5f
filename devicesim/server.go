// Package devicesim is a runnable stand-in for a network device's
// administrative interface. It serves the package upload and system log
// endpoints with the device's authentication and response grammar, and
// it acts out installed shell packages by hosting their TLS listeners
// in-process, so the whole bootstrap flow can run against localhost.
package devicesim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/camkit/camkit/api"
	"github.com/camkit/camkit/bundle"
)

// Config configures one simulated device.
type Config struct {
	// ListenAddr is the administrative interface address. ":0" picks a
	// free port; Addr reports the bound address.
	ListenAddr string

	// Hostname appears in system log lines.
	Hostname string

	// Arch is the simulated CPU architecture; uploads built for another
	// architecture are rejected.
	Arch bundle.Arch

	// Credentials guard the administrative endpoints.
	Credentials *Credentials

	// ShellMode selects the shell behind accepted rendezvous
	// connections.
	ShellMode ShellMode

	// StartupGrace delays the upload response after a listener starts,
	// imitating the configuration script's settle time.
	StartupGrace time.Duration

	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Simulator is the running device: HTTP administrative interface plus
// the payload host carrying rendezvous listeners.
type Simulator struct {
	cfg     *Config
	isReady atomic.Bool
	log     *slog.Logger

	srv       *http.Server
	ln        net.Listener
	creds     *Credentials
	ring      *syslogRing
	host      *payloadHost
	installer *installer
}

// New assembles a simulator. It does not listen yet; RunInBackground
// does.
func New(cfg *Config) (*Simulator, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("devicesim: credentials are required")
	}
	if !cfg.Arch.Valid() {
		return nil, fmt.Errorf("devicesim: %w: %q", bundle.ErrUnsupportedArch, cfg.Arch)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "camsim"
	}

	ring := newSyslogRing(hostname)
	host := newPayloadHost(cfg.ShellMode, ring)

	s := &Simulator{
		cfg:       cfg,
		log:       log,
		creds:     cfg.Credentials,
		ring:      ring,
		host:      host,
		installer: &installer{arch: cfg.Arch, host: host, ring: ring},
	}
	s.isReady.Store(true)

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ring.append(api.SeverityInfo, "system", "device simulator booted, architecture %s", cfg.Arch)
	return s, nil
}

func (s *Simulator) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(s.httpLogger, s.creds.Require).Post(api.UploadPath, s.handleUpload)
	mux.With(s.httpLogger, s.creds.Require).Get(api.SystemLogPath, s.handleSystemLog)

	mux.With(s.httpLogger).Get("/livez", s.handleLivenessCheck)
	mux.With(s.httpLogger).Get("/readyz", s.handleReadinessCheck)
	mux.With(s.httpLogger).Get("/drain", s.handleDrain)
	mux.With(s.httpLogger).Get("/undrain", s.handleUndrain)

	if s.cfg.EnablePprof {
		s.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (s *Simulator) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

// handleUpload implements the package upload endpoint: multipart form,
// file field with the archive, single-line grammar response.
func (s *Simulator) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPackageSize)

	status, grace := s.processUpload(r)
	if grace > 0 {
		time.Sleep(grace)
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s\n", status)
}

func (s *Simulator) processUpload(r *http.Request) (api.UploadStatus, time.Duration) {
	if err := r.ParseMultipartForm(maxPackageSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.ring.append(api.SeverityError, "installer", "upload exceeds %d bytes", maxPackageSize)
			return api.UploadStatus{Code: api.CodePackageTooLarge}, 0
		}
		s.ring.append(api.SeverityError, "installer", "unreadable upload: %v", err)
		return api.UploadStatus{Code: api.CodeInvalidArchive}, 0
	}

	if action := r.FormValue(api.ActionField); action != "" && action != api.ActionInstall {
		s.ring.append(api.SeverityError, "installer", "unsupported action %q", action)
		return api.UploadStatus{Code: api.CodeInvalidArchive}, 0
	}

	file, header, err := r.FormFile(api.PackageField)
	if err != nil {
		s.ring.append(api.SeverityError, "installer", "upload carries no %s field", api.PackageField)
		return api.UploadStatus{Code: api.CodeInvalidArchive}, 0
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.ring.append(api.SeverityError, "installer", "reading upload %s: %v", header.Filename, err)
		return api.UploadStatus{Code: api.CodeInvalidArchive}, 0
	}

	s.ring.append(api.SeverityInfo, "installer", "received package %s (%d bytes)", header.Filename, len(data))
	status := s.installer.install(data)

	if !status.OK && status.Code == api.CodeValidationFailed {
		return status, s.cfg.StartupGrace
	}
	return status, 0
}

// handleSystemLog serves the device log, newest entry first.
func (s *Simulator) handleSystemLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if err := s.ring.render(w); err != nil {
		s.log.Error("rendering system log failed", "err", err)
	}
}

func (s *Simulator) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (s *Simulator) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (s *Simulator) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Swap(false) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	s.log.Info("Server marked as not ready")

	go func() {
		time.Sleep(s.cfg.DrainDuration)
		s.log.Info("Drain period completed")
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (s *Simulator) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if s.isReady.Swap(true) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	s.log.Info("Server marked as ready")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground binds the administrative interface and serves it on a
// background goroutine.
func (s *Simulator) RunInBackground() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("devicesim: listening on %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln

	go func() {
		s.log.Info("Starting device simulator", "listenAddress", ln.Addr().String(), "arch", string(s.cfg.Arch))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", "err", err)
		}
	}()
	return nil
}

// Addr is the bound administrative address, valid after
// RunInBackground.
func (s *Simulator) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the administrative interface gracefully and tears down
// every payload listener.
func (s *Simulator) Shutdown() {
	timeout := s.cfg.GracefulShutdownDuration
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		s.log.Info("HTTP server gracefully stopped")
	}

	s.host.StopAll()
}
