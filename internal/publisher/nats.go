package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/location"
)

// ConnectNATS dials url and keeps the connected gauge in step with the
// connection's lifecycle.
func ConnectNATS(url, name string, m Metrics) (*nats.Conn, error) {
	m = orNop(m)
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.BusSetConnected(false)
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			m.BusSetConnected(true)
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			m.BusSetConnected(false)
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	m.BusSetConnected(true)
	return nc, nil
}

type NATSSink struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     Metrics
}

func NewNATSSink(nc *nats.Conn, logSubjects bool, m Metrics) *NATSSink {
	return &NATSSink{nc: nc, logSubjects: logSubjects, metrics: orNop(m)}
}

// Subject returns the subject an event is published on:
// shuttles.<route>.<shuttle>.
func Subject(ev PositionEvent) string {
	return fmt.Sprintf("shuttles.%s.%s", location.SubjectToken(ev.RouteID), location.SubjectToken(ev.ShuttleID))
}

func (p *NATSSink) Publish(ctx context.Context, ev PositionEvent) error {
	subject := Subject(ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Debug().Str("subject", subject).Msg("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	observe(p.metrics, start, err)
	return err
}

func (p *NATSSink) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
