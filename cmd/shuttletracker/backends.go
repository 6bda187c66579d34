package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/db"
	"shuttle-tracker/internal/location"
	"shuttle-tracker/internal/metrics"
	"shuttle-tracker/internal/mongostore"
	"shuttle-tracker/internal/publisher"
	"shuttle-tracker/internal/retry"
	"shuttle-tracker/internal/schedule"
	"shuttle-tracker/internal/sim"
	"shuttle-tracker/internal/store"
	"shuttle-tracker/internal/tracking"
)

// openStore connects to the configured backend, retrying while it comes up.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		if err := retry.Do(ctx, retry.Startup, "postgres", func() error { return db.Ping(ctx, sqlDB) }); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		log.Info().Msg("connected to postgres")
		return db.New(sqlDB, cfg.DatabaseURL), nil
	case "mongo":
		st, err := retry.Value(ctx, retry.Startup, "mongo", func() (*mongostore.Store, error) {
			return mongostore.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase)
		})
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		log.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongo")
		return st, nil
	default:
		log.Warn().Msg("using in-memory store; data is lost on exit")
		return store.NewMemory(), nil
	}
}

// openRedis returns nil when no Redis is configured.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	err := retry.Do(ctx, retry.Startup, "redis", func() error { return client.Ping(ctx).Err() })
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// openSink returns nil when events are disabled.
func openSink(ctx context.Context, cfg *config.Config, rc *redis.Client, m publisher.Metrics) (publisher.Sink, error) {
	switch cfg.EventsBackend {
	case "nats":
		nc, err := retry.Value(ctx, retry.Startup, "nats", func() (*nats.Conn, error) {
			return publisher.ConnectNATS(cfg.NATSURL, "shuttle-tracker", m)
		})
		if err != nil {
			return nil, fmt.Errorf("nats error: %w", err)
		}
		return publisher.NewNATSSink(nc, cfg.LogNATSSubjects, m), nil
	case "amqp":
		s, err := retry.Value(ctx, retry.Startup, "amqp", func() (*publisher.AMQPSink, error) {
			return publisher.NewAMQPSink(cfg.AMQPURL, m)
		})
		if err != nil {
			return nil, fmt.Errorf("amqp error: %w", err)
		}
		return s, nil
	case "rmq":
		if rc == nil {
			return nil, fmt.Errorf("rmq events need REDIS_ADDR")
		}
		s, err := publisher.NewRMQSink(rc, m)
		if err != nil {
			return nil, fmt.Errorf("rmq error: %w", err)
		}
		return s, nil
	}
	return nil, nil
}

func generator(cfg *config.Config) schedule.Generator {
	loc := cfg.Location
	return schedule.Generator{
		Step:         cfg.ScheduleStep,
		WrapMidnight: cfg.ScheduleWrapMidnight,
		Now:          func() time.Time { return time.Now().In(loc) },
	}
}

func watchOptions(cfg *config.Config) location.WatchOptions {
	return location.WatchOptions{Interval: cfg.SampleInterval, MinDistance: cfg.MinDistance}
}

func broadcasterConfig(cfg *config.Config, sink publisher.Sink, m tracking.Metrics) tracking.BroadcasterConfig {
	return tracking.BroadcasterConfig{
		Watch:        watchOptions(cfg),
		StopMode:     tracking.StopMode(cfg.StopMode),
		StoreTimeout: cfg.StoreTimeout,
		Sink:         sink,
		Metrics:      m,
	}
}

func fleetConfig(cfg *config.Config, sink publisher.Sink, m tracking.Metrics) sim.FleetConfig {
	return sim.FleetConfig{
		SpeedMps:        cfg.SimSpeedMps,
		Watch:           watchOptions(cfg),
		StopMode:        tracking.StopMode(cfg.StopMode),
		StoreTimeout:    cfg.StoreTimeout,
		RefreshInterval: cfg.RefreshInterval,
		WrapMidnight:    cfg.ScheduleWrapMidnight,
		Location:        cfg.Location,
		Sink:            sink,
		Metrics:         m,
	}
}

// serveMetrics starts the metrics server if configured and shuts it down
// when ctx is done.
func serveMetrics(ctx context.Context, cfg *config.Config, m *metrics.Collector) {
	if cfg.MetricsAddr == "" {
		return
	}
	srv := m.Serve(cfg.MetricsAddr)
	go func() {
		<-ctx.Done()
		// Shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func closeSink(s publisher.Sink) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Msg("event sink close")
	}
}
