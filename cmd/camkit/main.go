package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/camkit/camkit/bridge"
	"github.com/camkit/camkit/bundle"
	"github.com/camkit/camkit/cmd/flags"
	"github.com/camkit/camkit/common"
	"github.com/camkit/camkit/config"
	"github.com/camkit/camkit/device"
	"github.com/camkit/camkit/logview"
	"github.com/camkit/camkit/rendezvous"
	"github.com/camkit/camkit/session"
)

// Exit codes, one per failure class so scripts can tell a wrong password
// from a firewalled rendezvous. Anything unclassified exits 1.
const (
	exitUsage      = 1
	exitAuth       = 2
	exitRejected   = 3
	exitTransfer   = 4
	exitRendezvous = 5
	exitBridge     = 6
)

func main() {
	app := &cli.App{
		Name:    "camkit",
		Usage:   "administrative toolkit for network camera devices",
		Version: common.Version,
		Flags: append([]cli.Flag{
			flags.ConfigFlag,
			flags.LogServiceFlagFn("camkit"),
		}, flags.CommonFlags...),
		Commands: []*cli.Command{
			shellCommand,
			logCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var shellCommand = &cli.Command{
	Name:      "shell",
	Usage:     "open an interactive root shell on a device",
	ArgsUsage: "user:password@host-or-alias",
	Flags: []cli.Flag{
		flags.PortFlag,
		flags.ArchFlag,
		flags.DeadlineFlag,
		flags.SkipProbeFlag,
		flags.InsecureTLSFlag,
	},
	Action: runShell,
}

var logCommand = &cli.Command{
	Name:      "log",
	Aliases:   []string{"logs"},
	Usage:     "print the device system log",
	ArgsUsage: "user:password@host-or-alias",
	Flags: []cli.Flag{
		flags.FollowFlag,
		flags.NumberFlag,
		flags.JsonOutputFlag,
		flags.InsecureTLSFlag,
	},
	Action: runLog,
}

func runShell(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	if cCtx.NArg() != 1 {
		return cli.Exit("usage: camkit shell [options] user:password@host-or-alias", exitUsage)
	}

	target, entry, cfg, err := resolveDevice(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	arch := bundle.Arch(config.Coalesce(
		cCtx.String(flags.ArchFlag.Name),
		entry.Arch,
		cfg.Defaults.Arch,
		string(bundle.ArchARMv7HF),
	))

	sess := session.New(session.Config{
		Target:      target,
		Port:        cCtx.Int(flags.PortFlag.Name),
		Arch:        arch,
		Deadline:    config.Coalesce(cCtx.Duration(flags.DeadlineFlag.Name), cfg.Defaults.Deadline.Std()),
		SkipProbe:   cCtx.Bool(flags.SkipProbeFlag.Name),
		InsecureTLS: cCtx.Bool(flags.InsecureTLSFlag.Name) || entry.InsecureTLS,
		Log:         logger,
	})

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening shell", "device", target.Redacted(), "port", sess.Port(), "arch", string(arch))
	if err := sess.Run(ctx); err != nil {
		logger.Error("session failed", "err", err, "state", sess.State().String())
		return cli.Exit(err.Error(), exitCode(err))
	}
	return nil
}

func runLog(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	if cCtx.NArg() != 1 {
		return cli.Exit("usage: camkit log [options] user:password@host-or-alias", exitUsage)
	}

	target, entry, _, err := resolveDevice(cCtx)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	client := device.NewClient(device.Config{
		Target:      target,
		InsecureTLS: cCtx.Bool(flags.InsecureTLSFlag.Name) || entry.InsecureTLS,
		Log:         logger,
	})

	jsonOut := cCtx.Bool(flags.JsonOutputFlag.Name)

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = logview.Stream(ctx, client, os.Stdout, logview.Options{
		Follow: cCtx.Bool(flags.FollowFlag.Name),
		Number: cCtx.Int(flags.NumberFlag.Name),
		JSON:   jsonOut,
		Color:  !jsonOut && term.IsTerminal(int(os.Stdout.Fd())),
		Log:    logger,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitCode(err))
	}
	return nil
}

// resolveDevice turns the positional argument into a parsed target,
// expanding config file aliases.
func resolveDevice(cCtx *cli.Context) (device.Target, config.Device, *config.Config, error) {
	cfg, err := config.Read(cCtx.String(flags.ConfigFlag.Name))
	if err != nil {
		return device.Target{}, config.Device{}, nil, err
	}

	raw, entry := cfg.ResolveTarget(cCtx.Args().First())
	target, err := device.ParseTarget(raw)
	if err != nil {
		return device.Target{}, config.Device{}, nil, err
	}
	return target, entry, cfg, nil
}

func exitCode(err error) int {
	var (
		rejection *device.RejectionError
		transfer  *device.TransferError
		handshake *rendezvous.HandshakeError
		bridgeIO  *bridge.IOError
	)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, device.ErrAuthFailed):
		return exitAuth
	case errors.As(err, &rejection):
		return exitRejected
	case errors.As(err, &transfer):
		return exitTransfer
	case errors.Is(err, rendezvous.ErrRendezvousTimeout), errors.As(err, &handshake):
		return exitRendezvous
	case errors.As(err, &bridgeIO):
		return exitBridge
	default:
		return exitUsage
	}
}
