package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/courier/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "courier-api",
		Usage:                 "Serve the workflow and run management API",
		EnableShellCompletion: true,
		Flags:                 cmd.Flags(cmd.LogFlags(), cmd.RuntimeFlags(), cmd.PortFlag(defaultPort), cmd.APIFlags()),
		Before:                cmd.SetupLogging,
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := cmd.NewRuntime(ctx, command, "courier-api")
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			rt.Logger.InfoContext(ctx, "initializing courier api")

			app, err := cmd.NewAPI(ctx, rt, command)
			if err != nil {
				return err
			}

			return cmd.Serve(ctx, app, int(command.Int("port")), rt.Logger)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		stop()
		panic(err)
	}
}
