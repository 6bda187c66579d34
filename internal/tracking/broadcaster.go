package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/geo"
	"shuttle-tracker/internal/location"
	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/publisher"
	"shuttle-tracker/internal/store"
)

type Selection struct {
	RouteID   string
	ShuttleID string
	DriverID  string
}

type BroadcasterConfig struct {
	Watch        location.WatchOptions
	StopMode     StopMode
	StoreTimeout time.Duration
	Sink         publisher.Sink // optional
	Metrics      Metrics        // optional
	Now          func() time.Time
}

// Broadcaster writes a driver's position into a session record while active.
type Broadcaster struct {
	sessions store.Sessions
	provider location.Provider
	cfg      BroadcasterConfig
	metrics  Metrics

	opMu sync.Mutex // serialises Start and Stop

	mu      sync.Mutex
	state   State
	session model.Session
	sub     location.Subscription
	cancel  context.CancelFunc
	ended   bool // position feed closed before Stop
	wg      sync.WaitGroup
}

func NewBroadcaster(sessions store.Sessions, provider location.Provider, cfg BroadcasterConfig) *Broadcaster {
	if cfg.Watch.Interval <= 0 {
		cfg.Watch.Interval = location.DefaultWatchOptions.Interval
	}
	if cfg.Watch.MinDistance < 0 {
		cfg.Watch.MinDistance = 0
	}
	if cfg.StopMode == "" {
		cfg.StopMode = StopDelete
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{sessions: sessions, provider: provider, cfg: cfg, metrics: orNop(cfg.Metrics)}
}

func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Session returns the live session record, if any. Once the position feed
// has ended on its own the session is no longer live, though the broadcaster
// stays Active until Stop removes the record.
func (b *Broadcaster) Session() (model.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, b.state == Active && !b.ended
}

// FeedEnded reports whether the position feed closed while broadcasting.
func (b *Broadcaster) FeedEnded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

func (b *Broadcaster) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Start creates the session and begins sampling. Without a route, a shuttle
// or a known position it returns ErrNotReady and writes nothing.
func (b *Broadcaster) Start(ctx context.Context, sel Selection) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.State() != Idle {
		return ErrActive
	}
	if sel.RouteID == "" || sel.ShuttleID == "" {
		return ErrNotReady
	}
	pos, err := b.provider.CurrentPosition(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("no position yet, broadcast not started")
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	b.setState(Starting)
	wctx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	sess, err := b.sessions.CreateSession(wctx, model.Session{
		RouteID:   sel.RouteID,
		ShuttleID: sel.ShuttleID,
		DriverID:  sel.DriverID,
		Position:  pos.Position,
		Active:    true,
		UpdatedAt: b.cfg.Now().UTC(),
		Seq:       1,
	})
	cancel()
	if err != nil {
		b.setState(Idle)
		return fmt.Errorf("create session: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	sub, err := b.provider.Watch(loopCtx, b.cfg.Watch)
	if err != nil {
		loopCancel()
		b.removeSession(sess.ID)
		b.setState(Idle)
		return fmt.Errorf("watch position: %w", err)
	}

	b.mu.Lock()
	b.state = Active
	b.session = sess
	b.sub = sub
	b.cancel = loopCancel
	b.ended = false
	b.wg.Add(1)
	b.mu.Unlock()

	b.metrics.SessionStarted()
	log.Info().Str("session", sess.ID).Str("route", sel.RouteID).Str("shuttle", sel.ShuttleID).Msg("broadcast started")
	b.publish(loopCtx, sess, pos)
	go b.loop(loopCtx, sub, sess)
	return nil
}

func (b *Broadcaster) loop(ctx context.Context, sub location.Subscription, sess model.Session) {
	defer b.wg.Done()
	last := sess.Position
	seq := sess.Seq
	for s := range sub.C() {
		if ctx.Err() != nil {
			return
		}
		b.metrics.SampleReceived()
		if geo.Distance(last, s.Position) < b.cfg.Watch.MinDistance {
			b.metrics.SampleSkipped()
			continue
		}
		seq++
		ts := s.Timestamp
		if ts.IsZero() {
			ts = b.cfg.Now()
		}
		wctx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
		err := b.sessions.UpdateSessionPosition(wctx, sess.ID, model.PositionUpdate{
			Position:  s.Position,
			UpdatedAt: ts.UTC(),
			Seq:       seq,
		})
		cancel()
		if err != nil {
			b.metrics.WriteError()
			log.Error().Err(err).Str("session", sess.ID).Msg("position write failed")
			continue
		}
		b.metrics.SampleWritten()
		last = s.Position
		sess.Seq = seq
		b.publish(ctx, sess, s)
	}
	if ctx.Err() != nil {
		return
	}
	b.mu.Lock()
	b.ended = true
	b.mu.Unlock()
	log.Warn().Str("session", sess.ID).Msg("position feed ended before stop")
}

func (b *Broadcaster) publish(ctx context.Context, sess model.Session, s location.Sample) {
	if b.cfg.Sink == nil {
		return
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = b.cfg.Now()
	}
	err := b.cfg.Sink.Publish(ctx, publisher.PositionEvent{
		SessionID: sess.ID,
		RouteID:   sess.RouteID,
		ShuttleID: sess.ShuttleID,
		DriverID:  sess.DriverID,
		Seq:       sess.Seq,
		Timestamp: ts.UTC(),
		Lat:       s.Position.Lat,
		Lon:       s.Position.Lng,
		Bearing:   s.Bearing,
		SpeedMps:  s.SpeedMps,
	})
	if err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("position event not published")
	}
}

// Stop ends the broadcast. The sampling goroutine has exited before the
// session record is removed, so no write can follow Stop.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if b.state != Active {
		b.mu.Unlock()
		return nil
	}
	b.state = Stopping
	sub, cancel, sess := b.sub, b.cancel, b.session
	b.mu.Unlock()

	cancel()
	sub.Cancel()
	b.wg.Wait()

	var err error
	wctx, wcancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer wcancel()
	switch b.cfg.StopMode {
	case StopDeactivate:
		err = b.sessions.DeactivateSession(wctx, sess.ID)
	default:
		err = b.sessions.DeleteSession(wctx, sess.ID)
	}
	if err != nil {
		log.Error().Err(err).Str("session", sess.ID).Msg("session cleanup failed")
	}

	b.mu.Lock()
	b.state = Idle
	b.session = model.Session{}
	b.sub = nil
	b.cancel = nil
	b.ended = false
	b.mu.Unlock()

	b.metrics.SessionStopped()
	log.Info().Str("session", sess.ID).Str("mode", string(b.cfg.StopMode)).Msg("broadcast stopped")
	return err
}

func (b *Broadcaster) removeSession(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StoreTimeout)
	defer cancel()
	if err := b.sessions.DeleteSession(ctx, id); err != nil {
		log.Error().Err(err).Str("session", id).Msg("session cleanup failed")
	}
}
