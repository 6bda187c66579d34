package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v2"

	"shuttle-tracker/internal/api"
	"shuttle-tracker/internal/cache"
	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/db"
	"shuttle-tracker/internal/metrics"
	"shuttle-tracker/internal/sim"
	"shuttle-tracker/internal/store"
)

func serveCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "listen target for the web server (default LISTEN_ADDR)",
			},
			&cli.BoolFlag{
				Name:  "simulate",
				Usage: "drive every in-service route with a simulated shuttle",
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "apply the Postgres schema before serving",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			listen := c.String("listen")
			if listen == "" {
				listen = cfg.ListenAddr
			}

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if pg, ok := st.(*db.Store); ok && c.Bool("migrate") {
				if err := pg.Migrate(ctx); err != nil {
					return err
				}
			}

			mcol := metrics.NewCollector(cfg.SampleInterval, cfg.MinDistance)
			serveMetrics(ctx, cfg, mcol)

			rc, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			var routes store.Routes = st
			if rc != nil {
				defer rc.Close()
				rcache := cache.NewRoutes(st, rc, cfg.RouteCacheTTL)
				sub, err := rcache.Follow(ctx, st)
				if err != nil {
					return err
				}
				defer sub.Cancel()
				routes = rcache
				log.Info().Dur("ttl", cfg.RouteCacheTTL).Msg("route cache enabled")
			}

			sink, err := openSink(ctx, cfg, rc, mcol)
			if err != nil {
				return err
			}
			defer closeSink(sink)

			srv := api.NewServer(api.Deps{
				Store:    st,
				Routes:   routes,
				Schedule: generator(cfg),
				Metrics:  mcol,
			})

			p := pool.New().WithContext(ctx).WithCancelOnError()
			p.Go(func(ctx context.Context) error {
				return srv.Serve(ctx, listen)
			})
			if c.Bool("simulate") {
				fleet := sim.NewFleet(st, fleetConfig(cfg, sink, mcol))
				p.Go(func(ctx context.Context) error {
					fleet.StartRefresher(ctx)
					<-ctx.Done()
					fleet.Stop(context.Background())
					return nil
				})
			}
			err = p.Wait()
			log.Info().Msg("shutdown complete")
			return err
		},
	}
}
