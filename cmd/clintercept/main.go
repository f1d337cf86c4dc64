package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/config"
	"github.com/fxnlabs/clintercept/internal/logger"
)

// state is filled in by the app's Before hook and shared by the commands.
type state struct {
	cfg *config.Config
	log *zap.Logger
}

func newApp() *cli.App {
	st := &state{}
	return &cli.App{
		Name:  "clintercept",
		Usage: "Inspect program caches and exercise the compute API interception layer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{config.EnvConfig},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Override the configured log `LEVEL`",
			},
		},
		Before: func(c *cli.Context) error {
			cfg := config.Default()
			if path := c.String("config"); path != "" {
				loaded, err := config.LoadConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if v := c.String("verbosity"); v != "" {
				cfg.Logger.Verbosity = v
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			st.cfg = cfg
			st.log = zapLogger.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			if st.log != nil {
				_ = st.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			hashCommand(),
			cacheCommand(st),
			demoCommand(st),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
