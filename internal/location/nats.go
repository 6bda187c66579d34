package location

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/model"
)

// Fix is the wire form of a device position on NATS.
type Fix struct {
	Device    string    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	SpeedMps  float64   `json:"speedMps"`
}

func (f Fix) Sample() Sample {
	return Sample{
		Position:  model.Coordinate{Lat: f.Lat, Lng: f.Lon},
		Bearing:   f.Bearing,
		SpeedMps:  f.SpeedMps,
		Timestamp: f.Timestamp,
	}
}

// DeviceSubject is the subject a device publishes its fixes on.
func DeviceSubject(device string) string {
	return fmt.Sprintf("devices.%s.position", SubjectToken(device))
}

// SubjectToken makes s safe for use as a single NATS subject token.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

// PublishFix sends f on the device's subject.
func PublishFix(nc *nats.Conn, f Fix) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return nc.Publish(DeviceSubject(f.Device), b)
}

// NATSProvider tracks the latest fix a device publishes on NATS.
type NATSProvider struct {
	device string
	sub    *nats.Subscription

	mu   sync.Mutex
	last Sample
	have bool
}

func NewNATSProvider(nc *nats.Conn, device string) (*NATSProvider, error) {
	p := &NATSProvider{device: device}
	sub, err := nc.Subscribe(DeviceSubject(device), p.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", DeviceSubject(device), err)
	}
	p.sub = sub
	return p, nil
}

func (p *NATSProvider) handle(msg *nats.Msg) {
	var f Fix
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("bad device fix")
		return
	}
	s := f.Sample()
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	p.mu.Lock()
	if !p.have || !s.Timestamp.Before(p.last.Timestamp) {
		p.last, p.have = s, true
	}
	p.mu.Unlock()
}

func (p *NATSProvider) Close() error {
	return p.sub.Unsubscribe()
}

func (p *NATSProvider) CurrentPosition(ctx context.Context) (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.have {
		return Sample{}, ErrUnavailable
	}
	return p.last, nil
}

// Watch emits the latest fix once per interval, skipping ticks where no newer
// fix arrived.
func (p *NATSProvider) Watch(ctx context.Context, opts WatchOptions) (Subscription, error) {
	var sent time.Time
	return Poll(ctx, opts.Interval, func(time.Time) (Sample, bool) {
		s, err := p.CurrentPosition(ctx)
		if err != nil || !s.Timestamp.After(sent) {
			return Sample{}, false
		}
		sent = s.Timestamp
		return s, true
	}), nil
}
