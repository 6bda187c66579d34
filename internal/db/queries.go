package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/store"
)

const routeColumns = `id, name, pickup_lat, pickup_lng, drop_off_lat, drop_off_lng, runs_from, runs_until, interval_minutes, available`

type scanner interface {
	Scan(dest ...any) error
}

func scanRoute(row scanner) (model.Route, error) {
	var r model.Route
	err := row.Scan(&r.ID, &r.Name, &r.Pickup.Lat, &r.Pickup.Lng, &r.DropOff.Lat, &r.DropOff.Lng,
		&r.RunsFrom, &r.RunsUntil, &r.IntervalMinutes, &r.Available)
	return r, err
}

func (s *Store) ListRoutes(ctx context.Context) ([]model.Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+routeColumns+` FROM routes ORDER BY name`)
	if err != nil {
		return nil, mapErr("query routes", err)
	}
	defer rows.Close()
	var out []model.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, mapErr("scan route", err)
		}
		out = append(out, r)
	}
	return out, mapErr("query routes", rows.Err())
}

func (s *Store) GetRoute(ctx context.Context, id string) (model.Route, error) {
	r, err := scanRoute(s.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = $1`, id))
	if err != nil {
		return model.Route{}, mapErr("get route", err)
	}
	return r, nil
}

func (s *Store) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO routes (`+routeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Name, r.Pickup.Lat, r.Pickup.Lng, r.DropOff.Lat, r.DropOff.Lng,
		r.RunsFrom, r.RunsUntil, r.IntervalMinutes, r.Available)
	if err != nil {
		return model.Route{}, mapErr("insert route", err)
	}
	return r, nil
}

func (s *Store) UpdateRoute(ctx context.Context, r model.Route) error {
	res, err := s.db.ExecContext(ctx, `UPDATE routes SET name = $2, pickup_lat = $3, pickup_lng = $4,
		drop_off_lat = $5, drop_off_lng = $6, runs_from = $7, runs_until = $8, interval_minutes = $9, available = $10
		WHERE id = $1`,
		r.ID, r.Name, r.Pickup.Lat, r.Pickup.Lng, r.DropOff.Lat, r.DropOff.Lng,
		r.RunsFrom, r.RunsUntil, r.IntervalMinutes, r.Available)
	return affected("update route", res, err)
}

func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = $1`, id)
	return affected("delete route", res, err)
}

func (s *Store) ListShuttles(ctx context.Context) ([]model.Shuttle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, number FROM shuttles ORDER BY number`)
	if err != nil {
		return nil, mapErr("query shuttles", err)
	}
	defer rows.Close()
	var out []model.Shuttle
	for rows.Next() {
		var sh model.Shuttle
		if err := rows.Scan(&sh.ID, &sh.Number); err != nil {
			return nil, mapErr("scan shuttle", err)
		}
		out = append(out, sh)
	}
	return out, mapErr("query shuttles", rows.Err())
}

func (s *Store) GetShuttle(ctx context.Context, id string) (model.Shuttle, error) {
	var sh model.Shuttle
	err := s.db.QueryRowContext(ctx, `SELECT id, number FROM shuttles WHERE id = $1`, id).Scan(&sh.ID, &sh.Number)
	if err != nil {
		return model.Shuttle{}, mapErr("get shuttle", err)
	}
	return sh, nil
}

func (s *Store) CreateShuttle(ctx context.Context, sh model.Shuttle) (model.Shuttle, error) {
	if sh.ID == "" {
		sh.ID = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO shuttles (id, number) VALUES ($1, $2)`, sh.ID, sh.Number); err != nil {
		return model.Shuttle{}, mapErr("insert shuttle", err)
	}
	return sh, nil
}

func (s *Store) DeleteShuttle(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shuttles WHERE id = $1`, id)
	return affected("delete shuttle", res, err)
}

func (s *Store) ListPickups(ctx context.Context, routeID string) ([]model.PickupLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, route_id, lat, lng, created_at FROM pickup_locations WHERE route_id = $1 ORDER BY created_at`, routeID)
	if err != nil {
		return nil, mapErr("query pickups", err)
	}
	defer rows.Close()
	var out []model.PickupLocation
	for rows.Next() {
		var p model.PickupLocation
		if err := rows.Scan(&p.ID, &p.RouteID, &p.Position.Lat, &p.Position.Lng, &p.CreatedAt); err != nil {
			return nil, mapErr("scan pickup", err)
		}
		out = append(out, p)
	}
	return out, mapErr("query pickups", rows.Err())
}

func (s *Store) CreatePickup(ctx context.Context, p model.PickupLocation) (model.PickupLocation, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pickup_locations (id, route_id, lat, lng, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.RouteID, p.Position.Lat, p.Position.Lng, p.CreatedAt)
	if err != nil {
		return model.PickupLocation{}, mapErr("insert pickup", err)
	}
	return p, nil
}

func (s *Store) DeletePickup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pickup_locations WHERE id = $1`, id)
	return affected("delete pickup", res, err)
}

func (s *Store) CreateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO shuttle_locations
		(id, route_id, shuttle_id, driver_id, lat, lng, is_active, updated_at, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.RouteID, sess.ShuttleID, sess.DriverID, sess.Position.Lat, sess.Position.Lng,
		sess.Active, sess.UpdatedAt, sess.Seq)
	if err != nil {
		return model.Session{}, mapErr("insert session", err)
	}
	return sess, nil
}

func (s *Store) UpdateSessionPosition(ctx context.Context, id string, u model.PositionUpdate) error {
	res, err := s.db.ExecContext(ctx, `UPDATE shuttle_locations SET lat = $2, lng = $3, updated_at = $4, seq = $5
		WHERE id = $1 AND seq < $5`, id, u.Position.Lat, u.Position.Lng, u.UpdatedAt, u.Seq)
	if err != nil {
		return mapErr("update session", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	// Nothing updated: either the session is gone or the update is stale.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM shuttle_locations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapErr("update session", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE shuttle_locations SET is_active = false, updated_at = now() WHERE id = $1`, id)
	return affected("deactivate session", res, err)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shuttle_locations WHERE id = $1`, id)
	return affected("delete session", res, err)
}

func (s *Store) ActiveSessions(ctx context.Context, routeID string) ([]model.ActiveShuttle, error) {
	q := `SELECT l.id, l.route_id, l.shuttle_id, l.driver_id, l.lat, l.lng, l.is_active, l.updated_at, l.seq,
			COALESCE(sh.number, '')
		FROM shuttle_locations l
		LEFT JOIN shuttles sh ON sh.id = l.shuttle_id
		WHERE l.is_active AND ($1 = '' OR l.route_id = $1)
		ORDER BY l.id`
	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, mapErr("query sessions", err)
	}
	defer rows.Close()
	var out []model.ActiveShuttle
	for rows.Next() {
		var a model.ActiveShuttle
		if err := rows.Scan(&a.ID, &a.RouteID, &a.ShuttleID, &a.DriverID, &a.Position.Lat, &a.Position.Lng,
			&a.Active, &a.UpdatedAt, &a.Seq, &a.ShuttleNumber); err != nil {
			return nil, mapErr("scan session", err)
		}
		out = append(out, a)
	}
	return out, mapErr("query sessions", rows.Err())
}

func affected(op string, res sql.Result, err error) error {
	if err != nil {
		return mapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
