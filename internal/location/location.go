// Package location defines the device position source used by drivers.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"shuttle-tracker/internal/model"
)

// ErrUnavailable is returned when no position can be obtained, either because
// permission was not granted or because no fix has been received yet.
var ErrUnavailable = errors.New("location: unavailable")

type Sample struct {
	Position  model.Coordinate
	Bearing   float64
	SpeedMps  float64
	Timestamp time.Time
}

type WatchOptions struct {
	Interval    time.Duration
	MinDistance float64 // meters
}

var DefaultWatchOptions = WatchOptions{Interval: 15 * time.Second, MinDistance: 10}

// Subscription delivers samples until Cancel is called. C is closed after
// Cancel returns or when the watch ends on its own.
type Subscription interface {
	C() <-chan Sample
	Cancel()
}

type Provider interface {
	CurrentPosition(ctx context.Context) (Sample, error)
	Watch(ctx context.Context, opts WatchOptions) (Subscription, error)
}

// chanSub is a Subscription backed by a goroutine that sends on ch until
// stop is closed. Cancel waits for that goroutine.
type chanSub struct {
	ch   chan Sample
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newChanSub() *chanSub {
	return &chanSub{ch: make(chan Sample, 1), stop: make(chan struct{}), done: make(chan struct{})}
}

func (s *chanSub) C() <-chan Sample { return s.ch }

func (s *chanSub) Cancel() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// send delivers v unless the subscription is stopping. A full buffer drops the
// oldest pending sample so consumers always see the freshest fix.
func (s *chanSub) send(v Sample) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	for {
		select {
		case s.ch <- v:
			return true
		case <-s.stop:
			return false
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Static always reports the same position and re-emits it every interval.
type Static struct {
	Sample Sample
}

func (p *Static) CurrentPosition(ctx context.Context) (Sample, error) {
	if p.Sample.Position.IsZero() {
		return Sample{}, ErrUnavailable
	}
	s := p.Sample
	s.Timestamp = time.Now()
	return s, nil
}

func (p *Static) Watch(ctx context.Context, opts WatchOptions) (Subscription, error) {
	if p.Sample.Position.IsZero() {
		return nil, ErrUnavailable
	}
	return Poll(ctx, opts.Interval, func(now time.Time) (Sample, bool) {
		s := p.Sample
		s.Timestamp = now
		return s, true
	}), nil
}

// Poll calls next once per interval and delivers the samples it reports until
// ctx is done or the subscription is cancelled.
func Poll(ctx context.Context, interval time.Duration, next func(now time.Time) (Sample, bool)) Subscription {
	if interval <= 0 {
		interval = DefaultWatchOptions.Interval
	}
	sub := newChanSub()
	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.stop:
				return
			case now := <-t.C:
				s, ok := next(now)
				if !ok {
					continue
				}
				if !sub.send(s) {
					return
				}
			}
		}
	}()
	return sub
}
