package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/courier/pkg/cmd"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const defaultMetricsPort = 9094

func main() {
	command := &cli.Command{
		Name:                  "courier-scheduler",
		Usage:                 "Fire schedule triggers when they are due",
		EnableShellCompletion: true,
		Flags:                 cmd.Flags(cmd.LogFlags(), cmd.RuntimeFlags(), cmd.MetricsPortFlag(defaultMetricsPort), cmd.SchedulerFlags()),
		Before:                cmd.SetupLogging,
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := cmd.NewRuntime(ctx, command, "courier-scheduler")
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			rt.Logger.InfoContext(ctx, "initializing courier scheduler")

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return cmd.NewScheduler(rt, command).Run(ctx) })
			group.Go(func() error { return cmd.ServeStatus(ctx, rt, command) })

			return group.Wait()
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		stop()
		panic(err)
	}
}
