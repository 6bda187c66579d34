package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// QueueName is the Redis queue position events are pushed to.
const QueueName = "shuttle-positions"

// RMQSink pushes position events onto a Redis-backed rmq queue, for
// deployments that already run Redis for the route cache.
type RMQSink struct {
	conn    rmq.Connection
	queue   rmq.Queue
	metrics Metrics
}

func NewRMQSink(client *redis.Client, m Metrics) (*RMQSink, error) {
	errs := make(chan error, 10)
	go func() {
		for err := range errs {
			log.Warn().Err(err).Msg("rmq background error")
		}
	}()
	conn, err := rmq.OpenConnectionWithRedisClient("shuttle-tracker", client, errs)
	if err != nil {
		return nil, err
	}
	queue, err := conn.OpenQueue(QueueName)
	if err != nil {
		return nil, err
	}
	m = orNop(m)
	m.BusSetConnected(true)
	return &RMQSink{conn: conn, queue: queue, metrics: m}, nil
}

func (s *RMQSink) Publish(ctx context.Context, ev PositionEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	start := time.Now()
	err = s.queue.PublishBytes(b)
	observe(s.metrics, start, err)
	return err
}

func (s *RMQSink) Close() error {
	<-s.conn.StopAllConsuming()
	s.metrics.BusSetConnected(false)
	return nil
}
