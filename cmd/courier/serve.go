package main

import (
	"context"

	"github.com/dukex/courier/pkg/cmd"
	"github.com/dukex/courier/pkg/providers"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func serve(ctx context.Context, command *cli.Command) error {
	cfg, err := providers.LoadConfig()
	if err != nil {
		return err
	}

	rt, err := cmd.NewRuntime(ctx, command, "courier")
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	registry := cmd.NewProviders(cfg, rt.Logger)

	api, err := cmd.NewAPI(ctx, rt, command)
	if err != nil {
		return err
	}

	stopProcessing, err := cmd.StartProcessing(ctx, rt, cmd.NewWorkers(rt, command, registry))
	if err != nil {
		return err
	}
	defer stopProcessing()

	rt.Logger.InfoContext(ctx, "courier started", "providers", registry.Providers())

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return cmd.Serve(ctx, api, int(command.Int("port")), rt.Logger) })
	group.Go(func() error {
		return cmd.Serve(ctx, cmd.NewReceiver(rt, registry), int(command.Int("receiver-port")), rt.Logger)
	})
	group.Go(func() error { return cmd.NewScheduler(rt, command).Run(ctx) })

	return group.Wait()
}
