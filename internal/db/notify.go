package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/retry"
	"shuttle-tracker/internal/store"
)

const notifyChannel = "tracker_changes"

// Subscribe registers onChange for changes matching topic. The first call
// opens a dedicated LISTEN connection shared by every subscription.
func (s *Store) Subscribe(ctx context.Context, topic store.Topic, onChange func(store.Change)) (store.Subscription, error) {
	if err := s.ensureListener(ctx); err != nil {
		return nil, err
	}
	return s.hub.Add(ctx, topic, onChange), nil
}

func (s *Store) ensureListener(ctx context.Context) error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listenCancel != nil {
		return nil
	}

	conn, err := s.listenConn(ctx)
	if err != nil {
		return err
	}
	lctx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	s.listenDone = make(chan struct{})
	go s.listen(lctx, conn, s.listenDone)
	return nil
}

func (s *Store) listenConn(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, mapErr("listen connect", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Close(context.Background())
		return nil, mapErr("listen", err)
	}
	return conn, nil
}

// listen forwards notifications to the hub until ctx is cancelled. A lost
// connection is re-established with backoff, after which every subscribed
// table gets a route-less change so watchers refetch whatever they missed.
func (s *Store) listen(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		if conn != nil {
			conn.Close(context.Background())
		}
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("change listener lost connection")
			conn.Close(context.Background())
			conn = nil

			next, err := retry.Value(ctx, retry.Policy{}, "postgres listener", func() (*pgx.Conn, error) {
				return s.listenConn(ctx)
			})
			if err != nil {
				return
			}
			conn = next
			log.Info().Msg("change listener reconnected")
			for _, table := range s.hub.Tables() {
				s.hub.Publish(store.Change{Table: table, Op: store.OpUpdate})
			}
			continue
		}

		var c store.Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			log.Error().Err(err).Str("payload", n.Payload).Msg("malformed change notification")
			continue
		}
		if c.Table == "" {
			log.Error().Err(errors.New("missing table")).Str("payload", n.Payload).Msg("malformed change notification")
			continue
		}
		log.Debug().Str("table", c.Table).Str("op", string(c.Op)).Str("route", c.RouteID).Msg("change")
		s.hub.Publish(c)
	}
}
