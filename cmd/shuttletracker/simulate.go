package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/metrics"
	"shuttle-tracker/internal/publisher"
	"shuttle-tracker/internal/retry"
	"shuttle-tracker/internal/sim"
)

func simulateCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "simulate shuttles: a whole fleet over the store, or one device publishing fixes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "device",
				Usage: "publish fixes on NATS as this device instead of writing sessions",
			},
			&cli.StringFlag{Name: "route", Usage: "route the device drives (required with --device)"},
			&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "fix interval with --device"},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if device := c.String("device"); device != "" {
				if c.String("route") == "" {
					return fmt.Errorf("--route is required with --device")
				}
				route, err := st.GetRoute(ctx, c.String("route"))
				if err != nil {
					return fmt.Errorf("route %s: %w", c.String("route"), err)
				}
				nc, err := retry.Value(ctx, retry.Startup, "nats", func() (*nats.Conn, error) {
					return publisher.ConnectNATS(cfg.NATSURL, "shuttle-tracker-device", nil)
				})
				if err != nil {
					return err
				}
				defer nc.Close()
				log.Info().Str("device", device).Str("route", route.Name).Msg("publishing device fixes")
				return sim.PublishFixes(ctx, nc, device, sim.NewProvider(route, cfg.SimSpeedMps, time.Now), c.Duration("interval"))
			}

			mcol := metrics.NewCollector(cfg.SampleInterval, cfg.MinDistance)
			serveMetrics(ctx, cfg, mcol)
			rc, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			if rc != nil {
				defer rc.Close()
			}
			sink, err := openSink(ctx, cfg, rc, mcol)
			if err != nil {
				return err
			}
			defer closeSink(sink)

			fleet := sim.NewFleet(st, fleetConfig(cfg, sink, mcol))
			fleet.StartRefresher(ctx)
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
			defer cancel()
			fleet.Stop(stopCtx)
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
}
