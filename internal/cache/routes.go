// Package cache keeps route reads in Redis so rider traffic does not hit the
// store for data that changes a few times a day.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	gstore "github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/store"
)

const (
	allRoutesKey = "routes:all"
	notFound     = "N/A"
)

func routeKey(id string) string { return "route:" + id }

// Routes is a read-through cache in front of a store.Routes. Writes go to
// the store and invalidate the affected keys.
type Routes struct {
	next  store.Routes
	cache *cache.Cache[string]
}

var _ store.Routes = (*Routes)(nil)

func NewRoutes(next store.Routes, client *redis.Client, ttl time.Duration) *Routes {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	redisStore := redisstore.NewRedis(client, gstore.WithExpiration(ttl))
	return &Routes{next: next, cache: cache.New[string](redisStore)}
}

// Follow drops cached routes whenever the store reports a route change. The
// subscription ends with ctx.
func (c *Routes) Follow(ctx context.Context, n store.Notifier) (store.Subscription, error) {
	return n.Subscribe(ctx, store.Topic{Table: store.TableRoutes}, func(ch store.Change) {
		c.invalidate(context.Background(), ch.ID)
	})
}

func (c *Routes) invalidate(ctx context.Context, id string) {
	keys := []string{allRoutesKey}
	if id != "" {
		keys = append(keys, routeKey(id))
	}
	for _, k := range keys {
		if err := c.cache.Delete(ctx, k); err != nil {
			log.Debug().Err(err).Str("key", k).Msg("cache delete")
		}
	}
}

func (c *Routes) set(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, string(b)); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func (c *Routes) ListRoutes(ctx context.Context) ([]model.Route, error) {
	if v, err := c.cache.Get(ctx, allRoutesKey); err == nil {
		var routes []model.Route
		if json.Unmarshal([]byte(v), &routes) == nil {
			return routes, nil
		}
	}
	routes, err := c.next.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, allRoutesKey, routes)
	return routes, nil
}

func (c *Routes) GetRoute(ctx context.Context, id string) (model.Route, error) {
	key := routeKey(id)
	if v, err := c.cache.Get(ctx, key); err == nil {
		if v == notFound {
			return model.Route{}, store.ErrNotFound
		}
		var r model.Route
		if json.Unmarshal([]byte(v), &r) == nil {
			return r, nil
		}
	}
	r, err := c.next.GetRoute(ctx, id)
	switch {
	case err == store.ErrNotFound:
		if err := c.cache.Set(ctx, key, notFound, gstore.WithExpiration(time.Minute)); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cache set failed")
		}
		return model.Route{}, err
	case err != nil:
		return model.Route{}, err
	}
	c.set(ctx, key, r)
	return r, nil
}

func (c *Routes) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	r, err := c.next.CreateRoute(ctx, r)
	if err == nil {
		c.invalidate(ctx, r.ID)
	}
	return r, err
}

func (c *Routes) UpdateRoute(ctx context.Context, r model.Route) error {
	err := c.next.UpdateRoute(ctx, r)
	c.invalidate(ctx, r.ID)
	return err
}

func (c *Routes) DeleteRoute(ctx context.Context, id string) error {
	err := c.next.DeleteRoute(ctx, id)
	c.invalidate(ctx, id)
	return err
}
