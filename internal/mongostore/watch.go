package mongostore

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"shuttle-tracker/internal/retry"
	"shuttle-tracker/internal/store"
)

type docRef struct {
	ID      string `bson:"_id"`
	RouteID string `bson:"route_id"`
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument             *docRef `bson:"fullDocument"`
	FullDocumentBeforeChange *docRef `bson:"fullDocumentBeforeChange"`
}

var opTypes = map[string]store.Op{
	"insert":  store.OpInsert,
	"update":  store.OpUpdate,
	"replace": store.OpUpdate,
	"delete":  store.OpDelete,
}

// toChange converts a change stream event. ok is false for events the
// tracker does not care about.
func toChange(ev changeEvent) (store.Change, bool) {
	op, ok := opTypes[ev.OperationType]
	if !ok {
		return store.Change{}, false
	}
	c := store.Change{Table: ev.NS.Coll, Op: op, ID: ev.DocumentKey.ID}
	doc := ev.FullDocument
	if doc == nil {
		doc = ev.FullDocumentBeforeChange
	}
	switch {
	case c.Table == store.TableRoutes:
		c.RouteID = c.ID
	case doc != nil:
		c.RouteID = doc.RouteID
	}
	return c, true
}

// Subscribe registers onChange for changes matching topic. The first call
// opens a change stream over the tracker's collections.
func (s *Store) Subscribe(ctx context.Context, topic store.Topic, onChange func(store.Change)) (store.Subscription, error) {
	if err := s.ensureWatch(ctx); err != nil {
		return nil, err
	}
	return s.hub.Add(ctx, topic, onChange), nil
}

func (s *Store) ensureWatch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchCancel != nil {
		return nil
	}
	stream, err := s.openStream(ctx)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})
	go s.watch(wctx, stream, s.watchDone)
	return nil
}

func (s *Store) openStream(ctx context.Context) (*mongo.ChangeStream, error) {
	match := bson.D{{Key: "$match", Value: bson.D{
		{Key: "ns.coll", Value: bson.M{"$in": bson.A{
			store.TableRoutes, store.TableShuttles, store.TableSessions, store.TablePickups,
		}}},
		{Key: "operationType", Value: bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}}},
	}}}
	project := bson.D{{Key: "$project", Value: bson.D{
		{Key: "operationType", Value: 1},
		{Key: "ns", Value: 1},
		{Key: "documentKey", Value: 1},
		{Key: "fullDocument._id", Value: 1},
		{Key: "fullDocument.route_id", Value: 1},
		{Key: "fullDocumentBeforeChange._id", Value: 1},
		{Key: "fullDocumentBeforeChange.route_id", Value: 1},
	}}}
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	stream, err := s.db.Watch(ctx, mongo.Pipeline{match, project}, opts)
	if err != nil {
		return nil, mapErr("watch", err)
	}
	return stream, nil
}

// watch forwards change events to the hub until ctx is cancelled. A broken
// stream is reopened with backoff and every subscribed table is resynced.
func (s *Store) watch(ctx context.Context, stream *mongo.ChangeStream, done chan struct{}) {
	defer close(done)
	for {
		for stream.Next(ctx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				log.Error().Err(err).Msg("failed to decode change event")
				continue
			}
			c, ok := toChange(ev)
			if !ok {
				continue
			}
			log.Debug().Str("table", c.Table).Str("op", string(c.Op)).Str("route", c.RouteID).Msg("change")
			s.hub.Publish(c)
		}
		err := stream.Err()
		_ = stream.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("change stream interrupted")

		next, err := retry.Value(ctx, retry.Policy{}, "mongo change stream", func() (*mongo.ChangeStream, error) {
			return s.openStream(ctx)
		})
		if err != nil {
			return
		}
		stream = next
		log.Info().Msg("change stream reopened")
		for _, table := range s.hub.Tables() {
			s.hub.Publish(store.Change{Table: table, Op: store.OpUpdate})
		}
	}
}
