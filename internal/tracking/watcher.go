package tracking

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/store"
)

// SessionSource is what a Watcher reads from.
type SessionSource interface {
	ActiveSessions(ctx context.Context, routeID string) ([]model.ActiveShuttle, error)
	Subscribe(ctx context.Context, topic store.Topic, onChange func(store.Change)) (store.Subscription, error)
}

// Watcher keeps the set of active sessions on one route current. Every change
// notification triggers one full re-fetch; fetches run concurrently and a
// result that started before the one on display is dropped.
type Watcher struct {
	src     SessionSource
	metrics Metrics

	mu       sync.Mutex
	started  bool
	closed   bool
	routeID  string
	onUpdate func([]model.ActiveShuttle)
	current  map[string]model.ActiveShuttle
	issued   uint64 // fetches started
	applied  uint64 // start number of the fetch on display
	sub      store.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewWatcher(src SessionSource, m Metrics) *Watcher {
	return &Watcher{src: src, metrics: orNop(m), current: map[string]model.ActiveShuttle{}}
}

// Watch loads the active sessions of routeID, calls onUpdate with them and
// again after every change. onUpdate runs with the watcher locked; it must
// not call Close.
func (w *Watcher) Watch(ctx context.Context, routeID string, onUpdate func([]model.ActiveShuttle)) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrWatching
	}
	w.started = true
	w.routeID = routeID
	w.onUpdate = onUpdate
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	sub, err := w.src.Subscribe(w.ctx, store.Topic{Table: store.TableSessions, RouteID: routeID}, w.onChange)
	if err != nil {
		w.cancel()
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		sub.Cancel()
		return nil
	}
	w.sub = sub
	w.mu.Unlock()
	w.metrics.WatcherOpened()

	// Subscribed first so nothing between the initial load and the
	// subscription is missed.
	return w.refetch()
}

func (w *Watcher) onChange(c store.Change) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		_ = w.refetch()
	}()
}

func (w *Watcher) refetch() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.issued++
	n := w.issued
	ctx, routeID := w.ctx, w.routeID
	w.mu.Unlock()

	w.metrics.Refetch()
	list, err := w.src.ActiveSessions(ctx, routeID)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err != nil {
		w.metrics.RefetchError()
		log.Error().Err(err).Str("route", routeID).Msg("active sessions fetch failed")
		return err
	}
	if n < w.applied {
		w.metrics.StaleDiscard()
		return nil
	}
	w.applied = n
	next := make(map[string]model.ActiveShuttle, len(list))
	for _, a := range list {
		if a.Active && (routeID == "" || a.RouteID == routeID) {
			next[a.ID] = a
		}
	}
	w.current = next
	if w.onUpdate != nil {
		w.onUpdate(w.snapshotLocked())
	}
	return nil
}

// Snapshot returns the sessions on display, ordered by session id.
func (w *Watcher) Snapshot() []model.ActiveShuttle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Watcher) snapshotLocked() []model.ActiveShuttle {
	out := make([]model.ActiveShuttle, 0, len(w.current))
	for _, a := range w.current {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close cancels the subscription and in-flight fetches. No update is applied
// once Close returns.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	sub, cancel := w.sub, w.cancel
	w.mu.Unlock()

	if sub != nil {
		sub.Cancel()
		w.metrics.WatcherClosed()
	}
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}
