// Package store defines the record store the tracker reads and writes:
// routes, shuttles, pickup locations and live tracking sessions, plus change
// notifications on those tables.
package store

import (
	"context"
	"errors"
	"fmt"

	"shuttle-tracker/internal/model"
)

const (
	TableRoutes   = "routes"
	TableShuttles = "shuttles"
	TableSessions = "shuttle_locations"
	TablePickups  = "pickup_locations"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write would break a uniqueness rule,
	// such as a second active session for the same route and shuttle.
	ErrConflict = errors.New("store: conflict")
)

// NetworkError wraps failures to reach the backend.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change describes one row mutation.
type Change struct {
	Table   string `json:"table"`
	Op      Op     `json:"op"`
	ID      string `json:"id"`
	RouteID string `json:"route_id,omitempty"`
}

// Topic scopes a subscription to a table, optionally to one route.
type Topic struct {
	Table   string
	RouteID string
}

// Matches reports whether c is delivered to subscribers of t. A change
// without a route (shuttle edits, listener resyncs) reaches every route.
func (t Topic) Matches(c Change) bool {
	if t.Table != c.Table {
		return false
	}
	return t.RouteID == "" || c.RouteID == "" || t.RouteID == c.RouteID
}

// Subscription is a live change feed. Cancel is synchronous: once it returns
// the callback is not running and will not be invoked again.
type Subscription interface {
	Cancel()
}

type Routes interface {
	ListRoutes(ctx context.Context) ([]model.Route, error)
	GetRoute(ctx context.Context, id string) (model.Route, error)
	CreateRoute(ctx context.Context, r model.Route) (model.Route, error)
	UpdateRoute(ctx context.Context, r model.Route) error
	DeleteRoute(ctx context.Context, id string) error
}

type Shuttles interface {
	ListShuttles(ctx context.Context) ([]model.Shuttle, error)
	GetShuttle(ctx context.Context, id string) (model.Shuttle, error)
	CreateShuttle(ctx context.Context, s model.Shuttle) (model.Shuttle, error)
	DeleteShuttle(ctx context.Context, id string) error
}

type Pickups interface {
	ListPickups(ctx context.Context, routeID string) ([]model.PickupLocation, error)
	CreatePickup(ctx context.Context, p model.PickupLocation) (model.PickupLocation, error)
	DeletePickup(ctx context.Context, id string) error
}

type Sessions interface {
	CreateSession(ctx context.Context, s model.Session) (model.Session, error)
	// UpdateSessionPosition applies u only if u.Seq is greater than the
	// stored sequence; older updates are dropped without error.
	UpdateSessionPosition(ctx context.Context, id string, u model.PositionUpdate) error
	DeactivateSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error
	// ActiveSessions lists active sessions of a route, or of every route
	// when routeID is empty.
	ActiveSessions(ctx context.Context, routeID string) ([]model.ActiveShuttle, error)
}

type Notifier interface {
	Subscribe(ctx context.Context, topic Topic, onChange func(Change)) (Subscription, error)
}

type Store interface {
	Routes
	Shuttles
	Pickups
	Sessions
	Notifier
	Ping(ctx context.Context) error
	Close() error
}
