package tracking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/store"
)

// countingSource counts fetches against a Memory store.
type countingSource struct {
	*store.Memory
	fetches atomic.Int64
}

func (c *countingSource) ActiveSessions(ctx context.Context, routeID string) ([]model.ActiveShuttle, error) {
	c.fetches.Add(1)
	return c.Memory.ActiveSessions(ctx, routeID)
}

type updates struct {
	mu   sync.Mutex
	seen [][]model.ActiveShuttle
}

func (u *updates) add(list []model.ActiveShuttle) {
	u.mu.Lock()
	u.seen = append(u.seen, list)
	u.mu.Unlock()
}

func (u *updates) len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.seen)
}

func (u *updates) last() []model.ActiveShuttle {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.seen[len(u.seen)-1]
}

func TestWatcherOneRefetchPerNotification(t *testing.T) {
	st, r, sh := setup(t)
	src := &countingSource{Memory: st.Memory}
	m := &counters{}
	w := NewWatcher(src, m)
	defer w.Close()

	ctx := context.Background()
	var got updates
	if err := w.Watch(ctx, r.ID, got.add); err != nil {
		t.Fatal(err)
	}
	if src.fetches.Load() != 1 || got.len() != 1 || len(got.last()) != 0 {
		t.Fatalf("initial: fetches=%d updates=%d", src.fetches.Load(), got.len())
	}

	sess, err := st.CreateSession(ctx, model.Session{RouteID: r.ID, ShuttleID: sh.ID, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "refetch", func() bool { return got.len() == 2 })
	time.Sleep(10 * time.Millisecond)
	if n := src.fetches.Load(); n != 2 {
		t.Fatalf("fetches = %d, want 2", n)
	}
	list := got.last()
	if len(list) != 1 || list[0].ID != sess.ID || list[0].ShuttleNumber != "12" {
		t.Fatalf("update = %+v", list)
	}
	if m.opened.Load() != 1 || m.refetch.Load() != 2 {
		t.Errorf("opened=%d refetch=%d", m.opened.Load(), m.refetch.Load())
	}
}

func TestWatcherIgnoresOtherRoutes(t *testing.T) {
	st, r, sh := setup(t)
	ctx := context.Background()
	other, err := st.CreateRoute(ctx, model.Route{Name: "Other", RunsFrom: "07:00", RunsUntil: "08:00", IntervalMinutes: 30})
	if err != nil {
		t.Fatal(err)
	}
	src := &countingSource{Memory: st.Memory}
	w := NewWatcher(src, nil)
	defer w.Close()
	if err := w.Watch(ctx, r.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateSession(ctx, model.Session{RouteID: other.ID, ShuttleID: sh.ID, Active: true}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if n := src.fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestWatcherNoUpdateAfterClose(t *testing.T) {
	st, r, sh := setup(t)
	src := &countingSource{Memory: st.Memory}
	w := NewWatcher(src, nil)
	ctx := context.Background()
	var got updates
	if err := w.Watch(ctx, r.ID, got.add); err != nil {
		t.Fatal(err)
	}
	w.Close()
	w.Close()

	if _, err := st.CreateSession(ctx, model.Session{RouteID: r.ID, ShuttleID: sh.ID, Active: true}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if got.len() != 1 {
		t.Fatalf("updates after Close: %d", got.len())
	}
	if src.fetches.Load() != 1 {
		t.Fatalf("fetches after Close: %d", src.fetches.Load())
	}
}

func TestWatcherWatchTwice(t *testing.T) {
	st, r, _ := setup(t)
	w := NewWatcher(st.Memory, nil)
	defer w.Close()
	if err := w.Watch(context.Background(), r.ID, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(context.Background(), r.ID, nil); err != ErrWatching {
		t.Fatalf("second Watch = %v", err)
	}
}

// gatedSource lets a test hold individual fetches open.
type gatedSource struct {
	mu      sync.Mutex
	calls   int
	gates   map[int]chan struct{}
	entered chan int
	notify  func(store.Change)
}

func (g *gatedSource) ActiveSessions(ctx context.Context, routeID string) ([]model.ActiveShuttle, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	gate := g.gates[n]
	g.mu.Unlock()

	g.entered <- n
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	id := fmt.Sprintf("s%d", n)
	return []model.ActiveShuttle{{Session: model.Session{ID: id, RouteID: routeID, Active: true}}}, nil
}

func (g *gatedSource) Subscribe(ctx context.Context, topic store.Topic, fn func(store.Change)) (store.Subscription, error) {
	g.notify = fn
	return noopSub{}, nil
}

type noopSub struct{}

func (noopSub) Cancel() {}

func TestWatcherDiscardsStaleFetch(t *testing.T) {
	src := &gatedSource{gates: map[int]chan struct{}{2: make(chan struct{})}, entered: make(chan int, 8)}
	m := &counters{}
	w := NewWatcher(src, m)
	defer w.Close()

	var got updates
	if err := w.Watch(context.Background(), "r1", got.add); err != nil {
		t.Fatal(err)
	}
	<-src.entered // initial fetch

	src.notify(store.Change{Table: store.TableSessions, Op: store.OpUpdate})
	if n := <-src.entered; n != 2 {
		t.Fatalf("entered %d, want 2", n)
	}
	src.notify(store.Change{Table: store.TableSessions, Op: store.OpUpdate})
	<-src.entered
	waitFor(t, "newer fetch applied", func() bool { return got.len() == 2 })

	close(src.gates[2])
	waitFor(t, "stale discard", func() bool { return m.stale.Load() == 1 })

	snap := w.Snapshot()
	if len(snap) != 1 || snap[0].ID != "s3" {
		t.Fatalf("snapshot = %+v, want the newer fetch", snap)
	}
	if got.len() != 2 {
		t.Fatalf("updates = %d, stale result was applied", got.len())
	}
}

func TestWatcherCloseDuringFetch(t *testing.T) {
	src := &gatedSource{gates: map[int]chan struct{}{2: make(chan struct{})}, entered: make(chan int, 8)}
	m := &counters{}
	w := NewWatcher(src, m)

	var got updates
	if err := w.Watch(context.Background(), "r1", got.add); err != nil {
		t.Fatal(err)
	}
	<-src.entered

	src.notify(store.Change{Table: store.TableSessions, Op: store.OpUpdate})
	if n := <-src.entered; n != 2 {
		t.Fatalf("entered %d, want 2", n)
	}
	w.Close()
	close(src.gates[2])
	time.Sleep(10 * time.Millisecond)

	if got.len() != 1 {
		t.Fatalf("updates = %d, in-flight fetch applied after Close", got.len())
	}
	if snap := w.Snapshot(); len(snap) != 1 || snap[0].ID != "s1" {
		t.Fatalf("snapshot = %+v, want the initial fetch", snap)
	}
	if m.refetchErrs.Load() != 0 {
		t.Errorf("refetchErrs = %d, cancelled fetch counted as failure", m.refetchErrs.Load())
	}
}
