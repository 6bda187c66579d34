package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/logging"

	_ "time/tzdata"
)

func main() {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cfg config.Config
	app := &cli.App{
		Name:  "shuttletracker",
		Usage: "Live campus shuttle tracking: admin API, driver broadcasts and rider feeds",
		Before: func(c *cli.Context) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = *loaded
			logging.Setup(cfg.LogFormat, cfg.LogLevel)
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(&cfg),
			driveCommand(&cfg),
			simulateCommand(&cfg),
			scheduleCommand(&cfg),
			seedCommand(&cfg),
			migrateCommand(&cfg),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}
