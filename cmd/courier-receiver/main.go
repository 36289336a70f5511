package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/courier/pkg/cmd"
	"github.com/dukex/courier/pkg/providers"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9092

func main() {
	command := &cli.Command{
		Name:                  "courier-receiver",
		Usage:                 "Receive provider webhooks and queue them for processing",
		EnableShellCompletion: true,
		Flags:                 cmd.Flags(cmd.LogFlags(), cmd.RuntimeFlags(), cmd.PortFlag(defaultPort)),
		Before:                cmd.SetupLogging,
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := providers.LoadConfig()
			if err != nil {
				return err
			}

			rt, err := cmd.NewRuntime(ctx, command, "courier-receiver")
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			registry := cmd.NewProviders(cfg, rt.Logger)
			rt.Logger.InfoContext(ctx, "initializing courier receiver", "providers", registry.Providers())

			return cmd.Serve(ctx, cmd.NewReceiver(rt, registry), int(command.Int("port")), rt.Logger)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		stop()
		panic(err)
	}
}
