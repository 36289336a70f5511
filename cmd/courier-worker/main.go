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

const defaultMetricsPort = 9093

func main() {
	command := &cli.Command{
		Name:                  "courier-worker",
		Usage:                 "Process webhook, agent, outbound and delivery jobs and advance runs",
		EnableShellCompletion: true,
		Flags:                 cmd.Flags(cmd.LogFlags(), cmd.RuntimeFlags(), cmd.MetricsPortFlag(defaultMetricsPort), cmd.WorkerFlags()),
		Before:                cmd.SetupLogging,
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := providers.LoadConfig()
			if err != nil {
				return err
			}

			rt, err := cmd.NewRuntime(ctx, command, "courier-worker")
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			rt.Logger.InfoContext(ctx, "initializing courier worker")

			manager := cmd.NewWorkers(rt, command, cmd.NewProviders(cfg, rt.Logger))

			stopProcessing, err := cmd.StartProcessing(ctx, rt, manager)
			if err != nil {
				return err
			}
			defer stopProcessing()

			if err := cmd.ServeStatus(ctx, rt, command); err != nil {
				return err
			}

			<-ctx.Done()

			return nil
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		stop()
		panic(err)
	}
}
