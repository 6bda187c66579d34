// Package mongostore is the MongoDB store.Store. Change notifications come
// from a database change stream.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"

	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/store"
)

const defaultDatabase = "shuttle_tracker"

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	hub    *store.Hub

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

var _ store.Store = (*Store)(nil)

// Connect dials uri, checks the connection and prepares indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = defaultDatabase
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, mapErr("connect", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, mapErr("ping", err)
	}
	s := &Store{client: client, db: client.Database(database), hub: store.NewHub()}
	if err := s.createIndexes(cctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.enablePreImages(cctx)
	return s, nil
}

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.col(store.TableSessions).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// one live broadcast per route and shuttle
			Keys: bson.D{{Key: "route_id", Value: 1}, {Key: "shuttle_id", Value: 1}},
			Options: options.Index().
				SetName("one_active").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "active", Value: true}}),
		},
		{Keys: bson.D{{Key: "route_id", Value: 1}, {Key: "active", Value: 1}}},
	})
	if err != nil {
		return mapErr("create indexes", err)
	}
	_, err = s.col(store.TablePickups).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "route_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return mapErr("create indexes", err)
}

// enablePreImages lets delete events carry the route of the removed document.
// Without it (older servers) deletes reach every route's subscribers.
func (s *Store) enablePreImages(ctx context.Context) {
	for _, name := range []string{store.TableSessions, store.TablePickups} {
		var result bson.M
		err := s.db.RunCommand(ctx, bson.D{
			{Key: "create", Value: name},
		}).Decode(&result)
		if err != nil && !isNamespaceExists(err) {
			log.Warn().Err(err).Str("collection", name).Msg("create collection")
		}
		err = s.db.RunCommand(ctx, bson.D{
			{Key: "collMod", Value: name},
			{Key: "changeStreamPreAndPostImages", Value: bson.M{"enabled": true}},
		}).Decode(&result)
		if err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("change stream pre-images unavailable")
		}
	}
}

func isNamespaceExists(err error) bool {
	var ce mongo.CommandError
	return errors.As(err, &ce) && ce.Code == 48
}

func (s *Store) Ping(ctx context.Context) error {
	return mapErr("ping", s.client.Ping(ctx, nil))
}

func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		<-s.watchDone
		s.watchCancel = nil
	}
	s.watchMu.Unlock()
	return s.client.Disconnect(context.Background())
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, store.ErrConflict)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var sse topology.ServerSelectionError
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.As(err, &sse) {
		return &store.NetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) exists(ctx context.Context, collection, id string) (bool, error) {
	n, err := s.col(collection).CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, mapErr("count "+collection, err)
	}
	return n > 0, nil
}

func deleted(op string, res *mongo.DeleteResult, err error) error {
	if err != nil {
		return mapErr(op, err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListRoutes(ctx context.Context) ([]model.Route, error) {
	cur, err := s.col(store.TableRoutes).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, mapErr("find routes", err)
	}
	var out []model.Route
	if err := cur.All(ctx, &out); err != nil {
		return nil, mapErr("decode routes", err)
	}
	return out, nil
}

func (s *Store) GetRoute(ctx context.Context, id string) (model.Route, error) {
	var r model.Route
	if err := s.col(store.TableRoutes).FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		return model.Route{}, mapErr("get route", err)
	}
	return r, nil
}

func (s *Store) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, err := s.col(store.TableRoutes).InsertOne(ctx, r); err != nil {
		return model.Route{}, mapErr("insert route", err)
	}
	return r, nil
}

func (s *Store) UpdateRoute(ctx context.Context, r model.Route) error {
	res, err := s.col(store.TableRoutes).ReplaceOne(ctx, bson.M{"_id": r.ID}, r)
	if err != nil {
		return mapErr("update route", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	res, err := s.col(store.TableRoutes).DeleteOne(ctx, bson.M{"_id": id})
	if err := deleted("delete route", res, err); err != nil {
		return err
	}
	if _, err := s.col(store.TablePickups).DeleteMany(ctx, bson.M{"route_id": id}); err != nil {
		return mapErr("delete route pickups", err)
	}
	if _, err := s.col(store.TableSessions).DeleteMany(ctx, bson.M{"route_id": id}); err != nil {
		return mapErr("delete route sessions", err)
	}
	return nil
}

func (s *Store) ListShuttles(ctx context.Context) ([]model.Shuttle, error) {
	cur, err := s.col(store.TableShuttles).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "number", Value: 1}}))
	if err != nil {
		return nil, mapErr("find shuttles", err)
	}
	var out []model.Shuttle
	if err := cur.All(ctx, &out); err != nil {
		return nil, mapErr("decode shuttles", err)
	}
	return out, nil
}

func (s *Store) GetShuttle(ctx context.Context, id string) (model.Shuttle, error) {
	var sh model.Shuttle
	if err := s.col(store.TableShuttles).FindOne(ctx, bson.M{"_id": id}).Decode(&sh); err != nil {
		return model.Shuttle{}, mapErr("get shuttle", err)
	}
	return sh, nil
}

func (s *Store) CreateShuttle(ctx context.Context, sh model.Shuttle) (model.Shuttle, error) {
	if sh.ID == "" {
		sh.ID = uuid.NewString()
	}
	if _, err := s.col(store.TableShuttles).InsertOne(ctx, sh); err != nil {
		return model.Shuttle{}, mapErr("insert shuttle", err)
	}
	return sh, nil
}

func (s *Store) DeleteShuttle(ctx context.Context, id string) error {
	res, err := s.col(store.TableShuttles).DeleteOne(ctx, bson.M{"_id": id})
	if err := deleted("delete shuttle", res, err); err != nil {
		return err
	}
	if _, err := s.col(store.TableSessions).DeleteMany(ctx, bson.M{"shuttle_id": id}); err != nil {
		return mapErr("delete shuttle sessions", err)
	}
	return nil
}

func (s *Store) ListPickups(ctx context.Context, routeID string) ([]model.PickupLocation, error) {
	cur, err := s.col(store.TablePickups).Find(ctx, bson.M{"route_id": routeID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, mapErr("find pickups", err)
	}
	var out []model.PickupLocation
	if err := cur.All(ctx, &out); err != nil {
		return nil, mapErr("decode pickups", err)
	}
	return out, nil
}

func (s *Store) CreatePickup(ctx context.Context, p model.PickupLocation) (model.PickupLocation, error) {
	ok, err := s.exists(ctx, store.TableRoutes, p.RouteID)
	if err != nil {
		return model.PickupLocation{}, err
	}
	if !ok {
		return model.PickupLocation{}, store.ErrNotFound
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if _, err := s.col(store.TablePickups).InsertOne(ctx, p); err != nil {
		return model.PickupLocation{}, mapErr("insert pickup", err)
	}
	return p, nil
}

func (s *Store) DeletePickup(ctx context.Context, id string) error {
	res, err := s.col(store.TablePickups).DeleteOne(ctx, bson.M{"_id": id})
	return deleted("delete pickup", res, err)
}

func (s *Store) CreateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	for _, ref := range []struct{ col, id string }{
		{store.TableRoutes, sess.RouteID},
		{store.TableShuttles, sess.ShuttleID},
	} {
		ok, err := s.exists(ctx, ref.col, ref.id)
		if err != nil {
			return model.Session{}, err
		}
		if !ok {
			return model.Session{}, store.ErrNotFound
		}
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	if _, err := s.col(store.TableSessions).InsertOne(ctx, sess); err != nil {
		return model.Session{}, mapErr("insert session", err)
	}
	return sess, nil
}

func (s *Store) UpdateSessionPosition(ctx context.Context, id string, u model.PositionUpdate) error {
	res, err := s.col(store.TableSessions).UpdateOne(ctx,
		bson.M{"_id": id, "seq": bson.M{"$lt": u.Seq}},
		bson.M{"$set": bson.M{"position": u.Position, "updated_at": u.UpdatedAt, "seq": u.Seq}})
	if err != nil {
		return mapErr("update session", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	// Nothing matched: either the session is gone or the update is stale.
	ok, err := s.exists(ctx, store.TableSessions, id)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	res, err := s.col(store.TableSessions).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"active": false, "updated_at": time.Now().UTC()}})
	if err != nil {
		return mapErr("deactivate session", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.col(store.TableSessions).DeleteOne(ctx, bson.M{"_id": id})
	return deleted("delete session", res, err)
}

func (s *Store) ActiveSessions(ctx context.Context, routeID string) ([]model.ActiveShuttle, error) {
	filter := bson.M{"active": true}
	if routeID != "" {
		filter["route_id"] = routeID
	}
	cur, err := s.col(store.TableSessions).Find(ctx, filter)
	if err != nil {
		return nil, mapErr("find sessions", err)
	}
	var sessions []model.Session
	if err := cur.All(ctx, &sessions); err != nil {
		return nil, mapErr("decode sessions", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ShuttleID)
	}
	cur, err = s.col(store.TableShuttles).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, mapErr("find shuttles", err)
	}
	var shuttles []model.Shuttle
	if err := cur.All(ctx, &shuttles); err != nil {
		return nil, mapErr("decode shuttles", err)
	}
	numbers := make(map[string]string, len(shuttles))
	for _, sh := range shuttles {
		numbers[sh.ID] = sh.Number
	}

	out := make([]model.ActiveShuttle, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, model.ActiveShuttle{Session: sess, ShuttleNumber: numbers[sess.ShuttleID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
