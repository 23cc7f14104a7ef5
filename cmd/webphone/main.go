// Команда webphone: SIP софтфон поверх WebSocket.
//
//	webphone --config webphone.yaml run
//	webphone --config webphone.yaml dial 56912345678
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "webphone",
		Usage: "SIP softphone over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config file",
				Sources: cli.EnvVars("WEBPHONE_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "register and accept commands from stdin",
				Action: runInteractive,
			},
			{
				Name:      "dial",
				Usage:     "register, call NUMBER and hang up after --duration or on signal",
				ArgsUsage: "NUMBER",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "call duration, 0 means until interrupted",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "registration and answer timeout",
						Value: defaultDialTimeout,
					},
				},
				Action: runDial,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Command) (*app, error) {
	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger, err := NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger)
}
