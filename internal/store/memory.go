package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"shuttle-tracker/internal/model"
)

// Memory is an in-process Store. It backs tests and single-process dev runs.
type Memory struct {
	mu       sync.RWMutex
	routes   map[string]model.Route
	shuttles map[string]model.Shuttle
	pickups  map[string]model.PickupLocation
	sessions map[string]model.Session

	hub *Hub
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		routes:   make(map[string]model.Route),
		shuttles: make(map[string]model.Shuttle),
		pickups:  make(map[string]model.PickupLocation),
		sessions: make(map[string]model.Session),
		hub:      NewHub(),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }
func (m *Memory) Close() error                   { return nil }

func (m *Memory) Subscribe(ctx context.Context, topic Topic, onChange func(Change)) (Subscription, error) {
	return m.hub.Add(ctx, topic, onChange), nil
}

func (m *Memory) ListRoutes(ctx context.Context) ([]model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetRoute(ctx context.Context, id string) (model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	m.mu.Lock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := m.routes[r.ID]; exists {
		m.mu.Unlock()
		return model.Route{}, ErrConflict
	}
	m.routes[r.ID] = r
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TableRoutes, Op: OpInsert, ID: r.ID, RouteID: r.ID})
	return r, nil
}

func (m *Memory) UpdateRoute(ctx context.Context, r model.Route) error {
	m.mu.Lock()
	if _, ok := m.routes[r.ID]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.routes[r.ID] = r
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TableRoutes, Op: OpUpdate, ID: r.ID, RouteID: r.ID})
	return nil
}

// DeleteRoute also removes the route's pickups and sessions.
func (m *Memory) DeleteRoute(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.routes[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.routes, id)
	var changes []Change
	for pid, p := range m.pickups {
		if p.RouteID == id {
			delete(m.pickups, pid)
			changes = append(changes, Change{Table: TablePickups, Op: OpDelete, ID: pid, RouteID: id})
		}
	}
	for sid, s := range m.sessions {
		if s.RouteID == id {
			delete(m.sessions, sid)
			changes = append(changes, Change{Table: TableSessions, Op: OpDelete, ID: sid, RouteID: id})
		}
	}
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TableRoutes, Op: OpDelete, ID: id, RouteID: id})
	for _, c := range changes {
		m.hub.Publish(c)
	}
	return nil
}

func (m *Memory) ListShuttles(ctx context.Context) ([]model.Shuttle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Shuttle, 0, len(m.shuttles))
	for _, s := range m.shuttles {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) GetShuttle(ctx context.Context, id string) (model.Shuttle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shuttles[id]
	if !ok {
		return model.Shuttle{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) CreateShuttle(ctx context.Context, s model.Shuttle) (model.Shuttle, error) {
	m.mu.Lock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.shuttles[s.ID]; exists {
		m.mu.Unlock()
		return model.Shuttle{}, ErrConflict
	}
	m.shuttles[s.ID] = s
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TableShuttles, Op: OpInsert, ID: s.ID})
	return s, nil
}

// DeleteShuttle also removes the shuttle's sessions.
func (m *Memory) DeleteShuttle(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.shuttles[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.shuttles, id)
	var changes []Change
	for sid, s := range m.sessions {
		if s.ShuttleID == id {
			delete(m.sessions, sid)
			changes = append(changes, Change{Table: TableSessions, Op: OpDelete, ID: sid, RouteID: s.RouteID})
		}
	}
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TableShuttles, Op: OpDelete, ID: id})
	for _, c := range changes {
		m.hub.Publish(c)
	}
	return nil
}

func (m *Memory) ListPickups(ctx context.Context, routeID string) ([]model.PickupLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PickupLocation
	for _, p := range m.pickups {
		if p.RouteID == routeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreatePickup(ctx context.Context, p model.PickupLocation) (model.PickupLocation, error) {
	m.mu.Lock()
	if _, ok := m.routes[p.RouteID]; !ok {
		m.mu.Unlock()
		return model.PickupLocation{}, ErrNotFound
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.pickups[p.ID] = p
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TablePickups, Op: OpInsert, ID: p.ID, RouteID: p.RouteID})
	return p, nil
}

func (m *Memory) DeletePickup(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pickups[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.pickups, id)
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TablePickups, Op: OpDelete, ID: id, RouteID: p.RouteID})
	return nil
}

func (m *Memory) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	m.mu.Lock()
	if _, ok := m.routes[s.RouteID]; !ok {
		m.mu.Unlock()
		return model.Session{}, ErrNotFound
	}
	if _, ok := m.shuttles[s.ShuttleID]; !ok {
		m.mu.Unlock()
		return model.Session{}, ErrNotFound
	}
	if s.Active {
		for _, other := range m.sessions {
			if other.Active && other.RouteID == s.RouteID && other.ShuttleID == s.ShuttleID {
				m.mu.Unlock()
				return model.Session{}, ErrConflict
			}
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TableSessions, Op: OpInsert, ID: s.ID, RouteID: s.RouteID})
	return s, nil
}

func (m *Memory) UpdateSessionPosition(ctx context.Context, id string, u model.PositionUpdate) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if u.Seq <= s.Seq {
		m.mu.Unlock()
		return nil
	}
	s.Position = u.Position
	s.UpdatedAt = u.UpdatedAt
	s.Seq = u.Seq
	m.sessions[id] = s
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TableSessions, Op: OpUpdate, ID: id, RouteID: s.RouteID})
	return nil
}

func (m *Memory) DeactivateSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.Active = false
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TableSessions, Op: OpUpdate, ID: id, RouteID: s.RouteID})
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.hub.Publish(Change{Table: TableSessions, Op: OpDelete, ID: id, RouteID: s.RouteID})
	return nil
}

func (m *Memory) ActiveSessions(ctx context.Context, routeID string) ([]model.ActiveShuttle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ActiveShuttle
	for _, s := range m.sessions {
		if !s.Active || (routeID != "" && s.RouteID != routeID) {
			continue
		}
		out = append(out, model.ActiveShuttle{Session: s, ShuttleNumber: m.shuttles[s.ShuttleID].Number})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
