// Package flags holds the command line flags shared by the camkit and
// camsim binaries, plus helpers that turn parsed flags into configured
// components.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/camkit/camkit/bundle"
	"github.com/camkit/camkit/common"
	"github.com/camkit/camkit/devicesim"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureSimulator builds the simulator config from the camsim flags.
// Credentials are passed in because building them can fail.
func ConfigureSimulator(cCtx *cli.Context, logger *slog.Logger, creds *devicesim.Credentials) *devicesim.Config {
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &devicesim.Config{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		Hostname:                 cCtx.String(HostnameFlag.Name),
		Arch:                     bundle.Arch(cCtx.String(SimArchFlag.Name)),
		Credentials:              creds,
		ShellMode:                devicesim.ShellMode(cCtx.String(ShellModeFlag.Name)),
		StartupGrace:             cCtx.Duration(StartupGraceFlag.Name),
		EnablePprof:              enablePprof,
		Log:                      logger,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// Client flags (camkit).

var ConfigFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "path to the config file (default: camkit/config.yaml under the user config dir)",
}

var PortFlag = &cli.IntFlag{
	Name:  "port",
	Usage: "rendezvous port the device connects back to (default: random from the shell port range)",
}

var ArchFlag = &cli.StringFlag{
	Name:  "arch",
	Usage: "device CPU architecture: armv7hf, aarch64 or mips",
}

var DeadlineFlag = &cli.DurationFlag{
	Name:  "deadline",
	Usage: "how long to wait for the device listener before giving up",
}

var SkipProbeFlag = &cli.BoolFlag{
	Name:  "skip-probe",
	Value: false,
	Usage: "skip the pre-upload check that the rendezvous port is closed",
}

var InsecureTLSFlag = &cli.BoolFlag{
	Name:  "insecure-tls",
	Value: false,
	Usage: "accept any certificate on the device's administrative interface",
}

var FollowFlag = &cli.BoolFlag{
	Name:    "follow",
	Aliases: []string{"f"},
	Value:   false,
	Usage:   "keep polling the device for new log lines",
}

var NumberFlag = &cli.IntFlag{
	Name:    "number",
	Aliases: []string{"n"},
	Usage:   "show only the newest N lines",
}

var JsonOutputFlag = &cli.BoolFlag{
	Name:  "json",
	Value: false,
	Usage: "emit one JSON object per log line instead of colored text",
}

// Simulator flags (camsim).

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the administrative interface",
}

var HostnameFlag = &cli.StringFlag{
	Name:  "hostname",
	Value: "camsim",
	Usage: "hostname reported in system log lines",
}

var SimArchFlag = &cli.StringFlag{
	Name:  "arch",
	Value: string(bundle.ArchARMv7HF),
	Usage: "simulated CPU architecture: armv7hf, aarch64 or mips",
}

var SimUserFlag = &cli.StringFlag{
	Name:  "user",
	Value: "root",
	Usage: "administrative account name",
}

var SimPasswordFlag = &cli.StringFlag{
	Name:  "password",
	Value: "pass",
	Usage: "administrative account password",
}

var ShellModeFlag = &cli.StringFlag{
	Name:  "shell-mode",
	Value: string(devicesim.ShellEcho),
	Usage: "shell served over bridged connections: 'echo' or 'pty'",
}

var StartupGraceFlag = &cli.DurationFlag{
	Name:  "startup-grace",
	Value: 0,
	Usage: "delay before answering an upload that started a listener",
}

// Logging flags, shared by both binaries.

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}
