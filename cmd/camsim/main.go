package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/camkit/camkit/cmd/flags"
	"github.com/camkit/camkit/common"
	"github.com/camkit/camkit/devicesim"
)

var simFlags []cli.Flag = []cli.Flag{
	flags.ListenAddrFlag,
	flags.HostnameFlag,
	flags.SimArchFlag,
	flags.SimUserFlag,
	flags.SimPasswordFlag,
	flags.ShellModeFlag,
	flags.StartupGraceFlag,
	flags.PprofFlag,
	flags.DrainSecondsFlag,
	flags.LogServiceFlagFn("camsim"),
	flags.LogJsonFlag,
	flags.LogDebugFlag,
	flags.LogUidFlag,
}

func main() {
	app := &cli.App{
		Name:    "camsim",
		Usage:   "Run a simulated camera device for development and testing",
		Version: common.Version,
		Flags:   simFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			mode := devicesim.ShellMode(cCtx.String(flags.ShellModeFlag.Name))
			if mode != devicesim.ShellEcho && mode != devicesim.ShellPTY {
				return cli.Exit("shell-mode must be 'echo' or 'pty'", 1)
			}

			creds, err := devicesim.NewCredentials(
				cCtx.String(flags.SimUserFlag.Name),
				cCtx.String(flags.SimPasswordFlag.Name),
			)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			sim, err := devicesim.New(flags.ConfigureSimulator(cCtx, logger, creds))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			if err := sim.RunInBackground(); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.Info("Simulator is running, press Ctrl+C to stop", "addr", sim.Addr(), "shell_mode", string(mode))

			// Wait for termination signal
			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			sim.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
