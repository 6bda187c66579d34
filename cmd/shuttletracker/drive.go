package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/location"
	"shuttle-tracker/internal/metrics"
	"shuttle-tracker/internal/publisher"
	"shuttle-tracker/internal/retry"
	"shuttle-tracker/internal/sim"
	"shuttle-tracker/internal/tracking"
)

func driveCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "drive",
		Usage: "broadcast one shuttle's position on a route until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "route", Required: true, Usage: "route id"},
			&cli.StringFlag{Name: "shuttle", Required: true, Usage: "shuttle id"},
			&cli.StringFlag{Name: "driver", Usage: "driver id recorded on the session"},
			&cli.StringFlag{
				Name:  "device",
				Usage: "read fixes published by this device on NATS instead of simulating movement",
			},
			&cli.DurationFlag{Name: "for", Usage: "stop after this long (default until interrupted)"},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			if d := c.Duration("for"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

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

			state := &tracking.AppState{}
			state.SetUser(&tracking.User{ID: c.String("driver"), Role: tracking.RoleDriver})
			state.SelectRoute(c.String("route"))

			var provider location.Provider
			if device := c.String("device"); device != "" {
				nc, err := retry.Value(ctx, retry.Startup, "nats", func() (*nats.Conn, error) {
					return publisher.ConnectNATS(cfg.NATSURL, "shuttle-tracker-driver", nil)
				})
				if err != nil {
					return err
				}
				defer nc.Close()
				np, err := location.NewNATSProvider(nc, device)
				if err != nil {
					return err
				}
				defer np.Close()
				// The device may not have reported yet.
				if _, err := retry.Value(ctx, retry.Startup, "first fix from "+device, func() (location.Sample, error) {
					return np.CurrentPosition(ctx)
				}); err != nil {
					return err
				}
				provider = np
			} else {
				route, err := st.GetRoute(ctx, state.SelectedRoute())
				if err != nil {
					return fmt.Errorf("route %s: %w", state.SelectedRoute(), err)
				}
				provider = sim.NewProvider(route, cfg.SimSpeedMps, time.Now)
			}

			b := tracking.NewBroadcaster(st, provider, broadcasterConfig(cfg, sink, mcol))
			if err := b.Start(ctx, state.Selection(c.String("shuttle"))); err != nil {
				return err
			}
			sess, _ := b.Session()
			log.Info().Str("session", sess.ID).Str("route", sess.RouteID).Str("shuttle", sess.ShuttleID).Msg("broadcasting")

			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
			defer cancel()
			if err := b.Stop(stopCtx); err != nil {
				return err
			}
			log.Info().Str("session", sess.ID).Msg("broadcast stopped")
			return nil
		},
	}
}
