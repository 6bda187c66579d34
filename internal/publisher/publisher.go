// Package publisher fans live shuttle positions out to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// PositionEvent is one propagated driver sample.
type PositionEvent struct {
	SessionID string    `json:"sessionId"`
	RouteID   string    `json:"routeId"`
	ShuttleID string    `json:"shuttleId"`
	DriverID  string    `json:"driverId,omitempty"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	SpeedMps  float64   `json:"speedMps"`
}

type Sink interface {
	Publish(ctx context.Context, ev PositionEvent) error
	Close() error
}

// Metrics is the subset of the metrics collector sinks report to.
type Metrics interface {
	EventPublished()
	EventPublishError()
	PublishObserve(d time.Duration)
	BusSetConnected(connected bool)
}

type nopMetrics struct{}

func (nopMetrics) EventPublished()              {}
func (nopMetrics) EventPublishError()           {}
func (nopMetrics) PublishObserve(time.Duration) {}
func (nopMetrics) BusSetConnected(bool)         {}

func orNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

func observe(m Metrics, start time.Time, err error) {
	m.PublishObserve(time.Since(start))
	if err != nil {
		m.EventPublishError()
	} else {
		m.EventPublished()
	}
}
