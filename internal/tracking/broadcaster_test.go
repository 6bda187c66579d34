package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shuttle-tracker/internal/location"
	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/publisher"
	"shuttle-tracker/internal/store"
)

// movingProvider starts at origin and moves step degrees north every tick.
type movingProvider struct {
	origin model.Coordinate
	step   float64
	err    error
}

func (p *movingProvider) CurrentPosition(ctx context.Context) (location.Sample, error) {
	if p.err != nil {
		return location.Sample{}, p.err
	}
	return location.Sample{Position: p.origin, Timestamp: time.Now()}, nil
}

func (p *movingProvider) Watch(ctx context.Context, opts location.WatchOptions) (location.Subscription, error) {
	n := 0
	return location.Poll(ctx, opts.Interval, func(now time.Time) (location.Sample, bool) {
		n++
		pos := model.Coordinate{Lat: p.origin.Lat + float64(n)*p.step, Lng: p.origin.Lng}
		return location.Sample{Position: pos, Timestamp: now}, true
	}), nil
}

// countingStore counts position writes.
type countingStore struct {
	*store.Memory
	writes atomic.Int64
}

func (c *countingStore) UpdateSessionPosition(ctx context.Context, id string, u model.PositionUpdate) error {
	c.writes.Add(1)
	return c.Memory.UpdateSessionPosition(ctx, id, u)
}

type counters struct {
	started, stopped, received, skipped, written, writeErrs atomic.Int64
	opened, closed, refetch, stale, refetchErrs             atomic.Int64
}

func (c *counters) SessionStarted() { c.started.Add(1) }
func (c *counters) SessionStopped() { c.stopped.Add(1) }
func (c *counters) SampleReceived() { c.received.Add(1) }
func (c *counters) SampleSkipped()  { c.skipped.Add(1) }
func (c *counters) SampleWritten()  { c.written.Add(1) }
func (c *counters) WriteError()     { c.writeErrs.Add(1) }
func (c *counters) WatcherOpened()  { c.opened.Add(1) }
func (c *counters) WatcherClosed()  { c.closed.Add(1) }
func (c *counters) Refetch()        { c.refetch.Add(1) }
func (c *counters) StaleDiscard()   { c.stale.Add(1) }
func (c *counters) RefetchError()   { c.refetchErrs.Add(1) }

func setup(t *testing.T) (*countingStore, model.Route, model.Shuttle) {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	r, err := m.CreateRoute(ctx, model.Route{Name: "Loop", RunsFrom: "07:00", RunsUntil: "09:00", IntervalMinutes: 30})
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.CreateShuttle(ctx, model.Shuttle{Number: "12"})
	if err != nil {
		t.Fatal(err)
	}
	return &countingStore{Memory: m}, r, s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var fastWatch = location.WatchOptions{Interval: time.Millisecond, MinDistance: 10}

func TestStartWithoutSelectionWritesNothing(t *testing.T) {
	st, r, sh := setup(t)
	p := &movingProvider{origin: model.DefaultRegion, step: 0.001}
	b := NewBroadcaster(st, p, BroadcasterConfig{Watch: fastWatch})

	for _, sel := range []Selection{{}, {RouteID: r.ID}, {ShuttleID: sh.ID}} {
		if err := b.Start(context.Background(), sel); !errors.Is(err, ErrNotReady) {
			t.Fatalf("Start(%+v) = %v, want ErrNotReady", sel, err)
		}
		if b.State() != Idle {
			t.Fatalf("state = %v after no-op start", b.State())
		}
	}
	active, _ := st.ActiveSessions(context.Background(), "")
	if len(active) != 0 {
		t.Fatalf("sessions created: %+v", active)
	}
}

func TestStartWithoutPositionWritesNothing(t *testing.T) {
	st, r, sh := setup(t)
	p := &movingProvider{err: location.ErrUnavailable}
	b := NewBroadcaster(st, p, BroadcasterConfig{Watch: fastWatch})

	err := b.Start(context.Background(), Selection{RouteID: r.ID, ShuttleID: sh.ID})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Start = %v, want ErrNotReady", err)
	}
	active, _ := st.ActiveSessions(context.Background(), r.ID)
	if len(active) != 0 || b.State() != Idle {
		t.Fatalf("state=%v sessions=%d", b.State(), len(active))
	}
}

func TestNoWritesAfterStop(t *testing.T) {
	st, r, sh := setup(t)
	m := &counters{}
	p := &movingProvider{origin: model.DefaultRegion, step: 0.001} // ~111 m per tick
	b := NewBroadcaster(st, p, BroadcasterConfig{Watch: fastWatch, Metrics: m})

	ctx := context.Background()
	if err := b.Start(ctx, Selection{RouteID: r.ID, ShuttleID: sh.ID, DriverID: "d1"}); err != nil {
		t.Fatal(err)
	}
	if b.State() != Active {
		t.Fatalf("state = %v", b.State())
	}
	sess, _ := b.Session()
	if sess.DriverID != "d1" || !sess.Active {
		t.Fatalf("session = %+v", sess)
	}
	waitFor(t, "three writes", func() bool { return m.written.Load() >= 3 })

	if err := b.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	after := st.writes.Load()
	time.Sleep(20 * time.Millisecond)
	if got := st.writes.Load(); got != after {
		t.Fatalf("writes after Stop: %d -> %d", after, got)
	}
	if b.State() != Idle {
		t.Fatalf("state = %v", b.State())
	}
	active, _ := st.ActiveSessions(ctx, r.ID)
	if len(active) != 0 {
		t.Fatalf("session not removed: %+v", active)
	}
	if m.started.Load() != 1 || m.stopped.Load() != 1 {
		t.Errorf("started=%d stopped=%d", m.started.Load(), m.stopped.Load())
	}
}

func TestSmallMovesAreSkipped(t *testing.T) {
	st, r, sh := setup(t)
	m := &counters{}
	p := &movingProvider{origin: model.DefaultRegion, step: 0.0000001} // ~1 cm per tick
	b := NewBroadcaster(st, p, BroadcasterConfig{Watch: fastWatch, Metrics: m})

	ctx := context.Background()
	if err := b.Start(ctx, Selection{RouteID: r.ID, ShuttleID: sh.ID}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "skipped samples", func() bool { return m.skipped.Load() >= 5 })
	if err := b.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if got := st.writes.Load(); got != 0 {
		t.Errorf("writes = %d, want 0 for sub-threshold moves", got)
	}
}

func TestStopDeactivateAllowsRestart(t *testing.T) {
	st, r, sh := setup(t)
	p := &movingProvider{origin: model.DefaultRegion, step: 0.001}
	b := NewBroadcaster(st, p, BroadcasterConfig{Watch: fastWatch, StopMode: StopDeactivate})
	ctx := context.Background()
	sel := Selection{RouteID: r.ID, ShuttleID: sh.ID}

	for i := 0; i < 2; i++ {
		if err := b.Start(ctx, sel); err != nil {
			t.Fatalf("Start #%d: %v", i+1, err)
		}
		if err := b.Start(ctx, sel); !errors.Is(err, ErrActive) {
			t.Fatalf("second Start = %v, want ErrActive", err)
		}
		if err := b.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop while idle = %v", err)
	}
}

func TestCreateConflictReturnsToIdle(t *testing.T) {
	st, r, sh := setup(t)
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, model.Session{RouteID: r.ID, ShuttleID: sh.ID, Active: true}); err != nil {
		t.Fatal(err)
	}
	p := &movingProvider{origin: model.DefaultRegion, step: 0.001}
	b := NewBroadcaster(st, p, BroadcasterConfig{Watch: fastWatch})
	err := b.Start(ctx, Selection{RouteID: r.ID, ShuttleID: sh.ID})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Start = %v, want ErrConflict", err)
	}
	if b.State() != Idle {
		t.Fatalf("state = %v", b.State())
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []publisher.PositionEvent
}

func (s *recordingSink) Publish(ctx context.Context, ev publisher.PositionEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSinkReceivesPropagatedSamples(t *testing.T) {
	st, r, sh := setup(t)
	sink := &recordingSink{}
	p := &movingProvider{origin: model.DefaultRegion, step: 0.001}
	b := NewBroadcaster(st, p, BroadcasterConfig{Watch: fastWatch, Sink: sink})
	ctx := context.Background()
	if err := b.Start(ctx, Selection{RouteID: r.ID, ShuttleID: sh.ID}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "events", func() bool { return sink.len() >= 3 })
	if err := b.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, ev := range sink.events {
		if ev.RouteID != r.ID || ev.ShuttleID != sh.ID {
			t.Fatalf("event %d = %+v", i, ev)
		}
		if i > 0 && ev.Seq <= sink.events[i-1].Seq {
			t.Fatalf("seq not increasing at %d: %d after %d", i, ev.Seq, sink.events[i-1].Seq)
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Starting: "starting", Active: "active", Stopping: "stopping", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

func TestAppStateSelection(t *testing.T) {
	var a AppState
	if a.CurrentUser() != nil {
		t.Fatal("expected no user")
	}
	a.SetUser(&User{ID: "u1", Role: RoleDriver})
	a.SelectRoute("r1")
	sel := a.Selection("s1")
	if sel != (Selection{RouteID: "r1", ShuttleID: "s1", DriverID: "u1"}) {
		t.Errorf("Selection = %+v", sel)
	}
}

// flakyStore fails the first failures position writes.
type flakyStore struct {
	*countingStore
	failures int64
	written  atomic.Int64
}

func (f *flakyStore) UpdateSessionPosition(ctx context.Context, id string, u model.PositionUpdate) error {
	if f.writes.Add(1) <= f.failures {
		return &store.NetworkError{Op: "update position", Err: errors.New("connection reset")}
	}
	f.written.Add(1)
	return f.Memory.UpdateSessionPosition(ctx, id, u)
}

func TestFailedWritesKeepSampling(t *testing.T) {
	st, r, sh := setup(t)
	fs := &flakyStore{countingStore: st, failures: 2}
	m := &counters{}
	p := &movingProvider{origin: model.DefaultRegion, step: 0.001}
	b := NewBroadcaster(fs, p, BroadcasterConfig{Watch: fastWatch, Metrics: m})

	ctx := context.Background()
	if err := b.Start(ctx, Selection{RouteID: r.ID, ShuttleID: sh.ID}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "writes after failures", func() bool { return fs.written.Load() >= 2 })
	if b.State() != Active {
		t.Fatalf("state = %v after failed writes", b.State())
	}
	if _, ok := b.Session(); !ok {
		t.Fatal("session not live after failed writes")
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if got := m.writeErrs.Load(); got != 2 {
		t.Errorf("writeErrs = %d, want 2", got)
	}
	if m.written.Load() != fs.written.Load() {
		t.Errorf("written metric = %d, store = %d", m.written.Load(), fs.written.Load())
	}
}

// scriptedSub replays samples and then either closes its channel or waits
// for Cancel. It records whether the watch context was done when Cancel ran.
type scriptedSub struct {
	ctx           context.Context
	ch            chan location.Sample
	cancelOnce    sync.Once
	ctxDoneAtStop atomic.Bool
}

func (s *scriptedSub) C() <-chan location.Sample { return s.ch }

func (s *scriptedSub) Cancel() {
	s.cancelOnce.Do(func() {
		s.ctxDoneAtStop.Store(s.ctx.Err() != nil)
	})
}

// scriptedProvider hands out one scriptedSub. With closeFeed set the feed
// ends by itself after the samples.
type scriptedProvider struct {
	samples   []location.Sample
	closeFeed bool
	sub       atomic.Pointer[scriptedSub]
}

func (p *scriptedProvider) CurrentPosition(ctx context.Context) (location.Sample, error) {
	return location.Sample{Position: model.DefaultRegion, Timestamp: time.Now()}, nil
}

func (p *scriptedProvider) Watch(ctx context.Context, opts location.WatchOptions) (location.Subscription, error) {
	s := &scriptedSub{ctx: ctx, ch: make(chan location.Sample, len(p.samples))}
	for _, v := range p.samples {
		s.ch <- v
	}
	if p.closeFeed {
		close(s.ch)
	} else {
		go func() {
			<-ctx.Done()
			close(s.ch)
		}()
	}
	p.sub.Store(s)
	return s, nil
}

func TestStopCancelsLoopBeforeFeed(t *testing.T) {
	st, r, sh := setup(t)
	p := &scriptedProvider{}
	b := NewBroadcaster(st, p, BroadcasterConfig{Watch: fastWatch})
	ctx := context.Background()
	if err := b.Start(ctx, Selection{RouteID: r.ID, ShuttleID: sh.ID}); err != nil {
		t.Fatal(err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if !p.sub.Load().ctxDoneAtStop.Load() {
		t.Fatal("feed cancelled while the sampling loop could still write")
	}
	if got := st.writes.Load(); got != 0 {
		t.Fatalf("writes = %d, want 0", got)
	}
}

func TestFeedEndingMarksSessionNotLive(t *testing.T) {
	st, r, sh := setup(t)
	far := model.Coordinate{Lat: model.DefaultRegion.Lat + 0.01, Lng: model.DefaultRegion.Lng}
	p := &scriptedProvider{
		samples:   []location.Sample{{Position: far, Timestamp: time.Now()}},
		closeFeed: true,
	}
	b := NewBroadcaster(st, p, BroadcasterConfig{Watch: fastWatch})
	ctx := context.Background()
	if err := b.Start(ctx, Selection{RouteID: r.ID, ShuttleID: sh.ID}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "feed end", b.FeedEnded)

	if got := st.writes.Load(); got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}
	if b.State() != Active {
		t.Fatalf("state = %v, want Active until Stop", b.State())
	}
	if _, ok := b.Session(); ok {
		t.Fatal("Session reports live after the feed ended")
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if b.FeedEnded() || b.State() != Idle {
		t.Fatalf("after Stop: ended=%v state=%v", b.FeedEnded(), b.State())
	}
	active, _ := st.ActiveSessions(ctx, r.ID)
	if len(active) != 0 {
		t.Fatalf("session not removed: %+v", active)
	}
}
