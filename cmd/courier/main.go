package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/courier/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort         = 9091
	defaultReceiverPort = 9092
)

func main() {
	command := &cli.Command{
		Name:                  "courier",
		Usage:                 "Run and manage messaging workflows",
		EnableShellCompletion: true,
		Flags:                 cmd.LogFlags(),
		Before:                cmd.SetupLogging,
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Run the API, the webhook receiver, the workers and the scheduler in one process",
				Flags: cmd.Flags(
					cmd.RuntimeFlags(),
					cmd.PortFlag(defaultPort),
					[]cli.Flag{
						&cli.IntFlag{
							Name:    "receiver-port",
							Usage:   "Port of the webhook receiver",
							Value:   defaultReceiverPort,
							Sources: cli.EnvVars("RECEIVER_PORT"),
						},
					},
					cmd.APIFlags(),
					cmd.WorkerFlags(),
					cmd.SchedulerFlags(),
				),
				Action: serve,
			},
			{
				Name:    "validate",
				Aliases: []string{"v"},
				Usage:   "Validate the workflow definitions of a directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "workflows-dir",
						Usage:    "Directory of YAML workflow definitions",
						Required: true,
						Sources:  cli.EnvVars("WORKFLOWS_DIR"),
					},
				},
				Action: validate,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		stop()
		panic(err)
	}
}
