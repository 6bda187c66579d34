// Package sim drives simulated shuttles: positions that move along a route and
// a fleet that broadcasts them while routes are in service.
package sim

import (
	"context"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/geo"
	"shuttle-tracker/internal/location"
	"shuttle-tracker/internal/model"
)

const DefaultSpeedMps = 8.0

// Provider moves back and forth between a route's pickup and drop-off at a
// constant speed. Routes without coordinates run a short leg north of
// model.DefaultRegion.
type Provider struct {
	path  *geo.Path
	speed float64
	start time.Time
	now   func() time.Time
}

var _ location.Provider = (*Provider)(nil)

func NewProvider(r model.Route, speedMps float64, now func() time.Time) *Provider {
	if now == nil {
		now = time.Now
	}
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	from, to := r.Pickup, r.DropOff
	if from.IsZero() {
		from = model.DefaultRegion
	}
	if to.IsZero() || to == from {
		to = model.Coordinate{Lat: from.Lat + 0.01, Lng: from.Lng}
	}
	return &Provider{path: geo.NewPath([]model.Coordinate{from, to}), speed: speedMps, start: now(), now: now}
}

// At returns the simulated sample at t.
func (p *Provider) At(t time.Time) location.Sample {
	length := p.path.Length()
	traveled := t.Sub(p.start).Seconds() * p.speed
	if traveled < 0 {
		traveled = 0
	}
	d := math.Mod(traveled, 2*length)
	back := d > length
	if back {
		d = 2*length - d
	}
	pos, bearing := p.path.At(d)
	if back {
		bearing = math.Mod(bearing+180, 360)
	}
	return location.Sample{Position: pos, Bearing: bearing, SpeedMps: p.speed, Timestamp: t}
}

func (p *Provider) CurrentPosition(ctx context.Context) (location.Sample, error) {
	return p.At(p.now()), nil
}

func (p *Provider) Watch(ctx context.Context, opts location.WatchOptions) (location.Subscription, error) {
	return location.Poll(ctx, opts.Interval, func(time.Time) (location.Sample, bool) {
		return p.At(p.now()), true
	}), nil
}

// PublishFixes sends the provider's position as device fixes on NATS every
// interval until ctx is done.
func PublishFixes(ctx context.Context, nc *nats.Conn, device string, p location.Provider, interval time.Duration) error {
	sub, err := p.Watch(ctx, location.WatchOptions{Interval: interval})
	if err != nil {
		return err
	}
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-sub.C():
			if !ok {
				return nil
			}
			err := location.PublishFix(nc, location.Fix{
				Device:    device,
				Timestamp: s.Timestamp,
				Lat:       s.Position.Lat,
				Lon:       s.Position.Lng,
				Bearing:   s.Bearing,
				SpeedMps:  s.SpeedMps,
			})
			if err != nil {
				log.Error().Err(err).Str("device", device).Msg("fix publish failed")
			}
		}
	}
}
