package sim

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/location"
	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/publisher"
	"shuttle-tracker/internal/schedule"
	"shuttle-tracker/internal/store"
	"shuttle-tracker/internal/tracking"
)

// FleetStore is what the fleet reads routes and shuttles from and writes
// sessions to.
type FleetStore interface {
	store.Routes
	store.Shuttles
	store.Sessions
}

type FleetConfig struct {
	SpeedMps        float64
	Watch           location.WatchOptions
	StopMode        tracking.StopMode
	StoreTimeout    time.Duration
	RefreshInterval time.Duration
	WrapMidnight    bool
	Location        *time.Location
	Sink            publisher.Sink
	Metrics         tracking.Metrics
	Now             func() time.Time
}

// Fleet runs one simulated driver per available route while the route is in
// service, each on its own shuttle.
type Fleet struct {
	st  FleetStore
	cfg FleetConfig

	mu      sync.Mutex
	running map[string]*driver // routeID -> driver

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

type driver struct {
	shuttleID string
	b         *tracking.Broadcaster
}

func NewFleet(st FleetStore, cfg FleetConfig) *Fleet {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	return &Fleet{st: st, cfg: cfg, running: make(map[string]*driver)}
}

// Running returns routeID -> shuttleID for the drivers currently on the road.
func (f *Fleet) Running() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.running))
	for routeID, d := range f.running {
		out[routeID] = d.shuttleID
	}
	return out
}

// InService reports whether r runs at t: available and between its first and
// last departure. With wrapMidnight a last departure earlier than the first
// falls on the next day, so the service also covers the early hours left over
// from the previous evening.
func InService(r model.Route, t time.Time, wrapMidnight bool) bool {
	if !r.Available {
		return false
	}
	fh, fm, err := schedule.ParseClock(r.RunsFrom)
	if err != nil {
		return false
	}
	uh, um, err := schedule.ParseClock(r.RunsUntil)
	if err != nil {
		return false
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	from := day.Add(time.Duration(fh)*time.Hour + time.Duration(fm)*time.Minute)
	until := day.Add(time.Duration(uh)*time.Hour + time.Duration(um)*time.Minute)
	if until.Before(from) && wrapMidnight {
		return !t.Before(from) || !t.After(until)
	}
	return !t.Before(from) && !t.After(until)
}

// StartRefresher launches a background loop that periodically reconciles the
// running drivers with the routes in service.
func (f *Fleet) StartRefresher(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	f.refreshCancel = cancel
	f.refreshWG.Add(1)
	go func() {
		defer f.refreshWG.Done()
		if err := f.RefreshActive(ctx); err != nil {
			log.Error().Err(err).Msg("fleet refresh failed")
		}
		ticker := time.NewTicker(f.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.RefreshActive(ctx); err != nil {
					log.Error().Err(err).Msg("fleet refresh failed")
				}
			}
		}
	}()
}

// RefreshActive starts drivers for routes that came into service and stops
// those whose route left service or disappeared.
func (f *Fleet) RefreshActive(ctx context.Context) error {
	routes, err := f.st.ListRoutes(ctx)
	if err != nil {
		return err
	}
	shuttles, err := f.st.ListShuttles(ctx)
	if err != nil {
		return err
	}
	now := f.cfg.Now().In(f.cfg.Location)

	want := make(map[string]model.Route)
	for _, r := range routes {
		if InService(r, now, f.cfg.WrapMidnight) {
			want[r.ID] = r
		}
	}

	f.mu.Lock()
	var stop []string
	busy := make(map[string]bool)
	for routeID, d := range f.running {
		if _, ok := want[routeID]; !ok {
			stop = append(stop, routeID)
			continue
		}
		busy[d.shuttleID] = true
	}
	f.mu.Unlock()

	for _, routeID := range stop {
		f.stopDriver(ctx, routeID)
	}

	for _, r := range routes {
		if _, ok := want[r.ID]; !ok || f.isRunning(r.ID) {
			continue
		}
		shuttleID := ""
		for _, sh := range shuttles {
			if !busy[sh.ID] {
				shuttleID = sh.ID
				break
			}
		}
		if shuttleID == "" {
			log.Warn().Str("route", r.ID).Msg("no free shuttle for route")
			continue
		}
		if err := f.startDriver(ctx, r, shuttleID); err != nil {
			log.Error().Err(err).Str("route", r.ID).Msg("simulated driver did not start")
			continue
		}
		busy[shuttleID] = true
	}
	return nil
}

func (f *Fleet) isRunning(routeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[routeID]
	return ok
}

func (f *Fleet) startDriver(ctx context.Context, r model.Route, shuttleID string) error {
	p := NewProvider(r, f.cfg.SpeedMps, f.cfg.Now)
	b := tracking.NewBroadcaster(f.st, p, tracking.BroadcasterConfig{
		Watch:        f.cfg.Watch,
		StopMode:     f.cfg.StopMode,
		StoreTimeout: f.cfg.StoreTimeout,
		Sink:         f.cfg.Sink,
		Metrics:      f.cfg.Metrics,
		Now:          f.cfg.Now,
	})
	if err := b.Start(ctx, tracking.Selection{RouteID: r.ID, ShuttleID: shuttleID, DriverID: "sim-" + shuttleID}); err != nil {
		return err
	}
	f.mu.Lock()
	f.running[r.ID] = &driver{shuttleID: shuttleID, b: b}
	f.mu.Unlock()
	log.Info().Str("route", r.Name).Str("shuttle", shuttleID).Msg("simulated driver started")
	return nil
}

func (f *Fleet) stopDriver(ctx context.Context, routeID string) {
	f.mu.Lock()
	d, ok := f.running[routeID]
	delete(f.running, routeID)
	f.mu.Unlock()
	if !ok {
		return
	}
	if err := d.b.Stop(ctx); err != nil {
		log.Error().Err(err).Str("route", routeID).Msg("simulated driver stop failed")
	}
	log.Info().Str("route", routeID).Str("shuttle", d.shuttleID).Msg("simulated driver stopped")
}

// Stop halts the refresher and every driver; their sessions are cleaned up
// before Stop returns.
func (f *Fleet) Stop(ctx context.Context) {
	if f.refreshCancel != nil {
		f.refreshCancel()
	}
	f.refreshWG.Wait()

	f.mu.Lock()
	ids := make([]string, 0, len(f.running))
	for routeID := range f.running {
		ids = append(ids, routeID)
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			f.stopDriver(ctx, id)
		}(id)
	}
	wg.Wait()
}
