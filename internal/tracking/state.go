// Package tracking implements live shuttle tracking: drivers broadcast their
// position into a session record and riders watch the active sessions of a
// route.
package tracking

import "errors"

// State is the broadcaster lifecycle: Idle → Starting → Active → Stopping → Idle.
type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// StopMode selects what Stop does with the session record.
type StopMode string

const (
	StopDelete     StopMode = "delete"
	StopDeactivate StopMode = "deactivate"
)

var (
	// ErrNotReady means a broadcast cannot start yet: no route or shuttle
	// selected, or no position available. Nothing was written.
	ErrNotReady = errors.New("tracking: route, shuttle and position required")
	ErrActive   = errors.New("tracking: broadcast already running")
	ErrWatching = errors.New("tracking: watcher already started")
)

// Metrics is what the tracking loops report. A nil Metrics is allowed.
type Metrics interface {
	SessionStarted()
	SessionStopped()
	SampleReceived()
	SampleSkipped()
	SampleWritten()
	WriteError()

	WatcherOpened()
	WatcherClosed()
	Refetch()
	StaleDiscard()
	RefetchError()
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted() {}
func (nopMetrics) SessionStopped() {}
func (nopMetrics) SampleReceived() {}
func (nopMetrics) SampleSkipped()  {}
func (nopMetrics) SampleWritten()  {}
func (nopMetrics) WriteError()     {}
func (nopMetrics) WatcherOpened()  {}
func (nopMetrics) WatcherClosed()  {}
func (nopMetrics) Refetch()        {}
func (nopMetrics) StaleDiscard()   {}
func (nopMetrics) RefetchError()   {}

func orNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
