package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/db"
	"shuttle-tracker/internal/seed"
)

func scheduleCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "print the upcoming departures of a route or of a start/end window",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "route", Usage: "route id to read the window from"},
			&cli.StringFlag{Name: "start", Usage: "window start, HH:MM"},
			&cli.StringFlag{Name: "end", Usage: "window end, HH:MM"},
		},
		Action: func(c *cli.Context) error {
			start, end := c.String("start"), c.String("end")
			if id := c.String("route"); id != "" {
				st, err := openStore(c.Context, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				route, err := st.GetRoute(c.Context, id)
				if err != nil {
					return fmt.Errorf("route %s: %w", id, err)
				}
				start, end = route.RunsFrom, route.RunsUntil
			}
			slots, err := generator(cfg).Slots(start, end)
			if err != nil {
				return err
			}
			for _, s := range slots {
				fmt.Fprintln(c.App.Writer, s)
			}
			return nil
		},
	}
}

func seedCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "seed",
		Usage:     "load routes, shuttles and pickup points from a YAML file",
		ArgsUsage: "FILE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("seed needs exactly one file")
			}
			f, err := seed.Load(c.Args().First())
			if err != nil {
				return err
			}
			st, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			_, err = f.Apply(c.Context, st)
			return err
		},
	}
}

func migrateCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply the database schema",
		Action: func(c *cli.Context) error {
			switch cfg.StoreBackend {
			case "postgres":
				st, err := openStore(c.Context, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.(*db.Store).Migrate(c.Context); err != nil {
					return err
				}
				log.Info().Msg("schema applied")
			case "mongo":
				// Connect creates the indexes.
				st, err := openStore(c.Context, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				log.Info().Msg("indexes ensured")
			default:
				log.Info().Str("backend", cfg.StoreBackend).Msg("nothing to migrate")
			}
			return nil
		},
	}
}
