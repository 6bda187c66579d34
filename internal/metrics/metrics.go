package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Collector satisfies both tracking.Metrics and publisher.Metrics.
type Collector struct {
	reg *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter

	Samples     *prometheus.CounterVec // result label: received|skipped|written
	WriteErrors prometheus.Counter

	ActiveWatchers prometheus.Gauge
	Refetches      *prometheus.CounterVec // result label: started|stale|error

	EventsPublished  prometheus.Counter
	EventPublishErrs prometheus.Counter
	BusConnected     prometheus.Gauge
	PublishDuration  prometheus.Histogram

	SampleInterval prometheus.Gauge // seconds
	MinDistance    prometheus.Gauge // meters
}

func NewCollector(sampleInterval time.Duration, minDistance float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_sessions",
			Help: "Number of position broadcasts currently running in this process.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sessions_started_total",
			Help: "Total broadcasts started.",
		}),
		SessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sessions_stopped_total",
			Help: "Total broadcasts stopped.",
		}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_samples_total",
			Help: "Location samples by outcome.",
		}, []string{"result"}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_session_write_errors_total",
			Help: "Total failed session position writes.",
		}),
		ActiveWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_watchers",
			Help: "Number of open route watchers.",
		}),
		Refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_watcher_refetches_total",
			Help: "Active session re-fetches by outcome.",
		}, []string{"result"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_events_published_total",
			Help: "Total position events published to the event bus.",
		}),
		EventPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_event_publish_errors_total",
			Help: "Total event bus publish errors.",
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_event_bus_connected",
			Help: "1 if the event bus connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a position event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SampleInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_sample_interval_seconds",
			Help: "Location watch interval in seconds.",
		}),
		MinDistance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_min_distance_meters",
			Help: "Minimum movement before a sample is written.",
		}),
	}

	reg.MustRegister(
		c.ActiveSessions, c.SessionsStarted, c.SessionsStopped,
		c.Samples, c.WriteErrors,
		c.ActiveWatchers, c.Refetches,
		c.EventsPublished, c.EventPublishErrs, c.BusConnected, c.PublishDuration,
		c.SampleInterval, c.MinDistance,
	)

	c.SampleInterval.Set(sampleInterval.Seconds())
	c.MinDistance.Set(minDistance)

	return c
}

func (c *Collector) SessionStarted() { c.SessionsStarted.Inc(); c.ActiveSessions.Inc() }
func (c *Collector) SessionStopped() { c.SessionsStopped.Inc(); c.ActiveSessions.Dec() }
func (c *Collector) SampleReceived() { c.Samples.WithLabelValues("received").Inc() }
func (c *Collector) SampleSkipped()  { c.Samples.WithLabelValues("skipped").Inc() }
func (c *Collector) SampleWritten()  { c.Samples.WithLabelValues("written").Inc() }
func (c *Collector) WriteError()     { c.WriteErrors.Inc() }
func (c *Collector) WatcherOpened()  { c.ActiveWatchers.Inc() }
func (c *Collector) WatcherClosed()  { c.ActiveWatchers.Dec() }
func (c *Collector) Refetch()        { c.Refetches.WithLabelValues("started").Inc() }
func (c *Collector) StaleDiscard()   { c.Refetches.WithLabelValues("stale").Inc() }
func (c *Collector) RefetchError()   { c.Refetches.WithLabelValues("error").Inc() }

func (c *Collector) EventPublished()    { c.EventsPublished.Inc() }
func (c *Collector) EventPublishError() { c.EventPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) {
	c.PublishDuration.Observe(d.Seconds())
}

func (c *Collector) BusSetConnected(ok bool) {
	if ok {
		c.BusConnected.Set(1)
	} else {
		c.BusConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
