// Package seed loads routes, shuttles and pickup points from a YAML file into
// a store. Applying the same file twice leaves the store unchanged.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"shuttle-tracker/internal/geo"
	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/store"
)

// samePickupM is how close two pickup points are to count as one.
const samePickupM = 1.0

type Route struct {
	model.Route `yaml:",inline"`
	Pickups     []model.Coordinate `yaml:"pickups"`
}

type File struct {
	Shuttles []model.Shuttle `yaml:"shuttles"`
	Routes   []Route         `yaml:"routes"`
}

type Store interface {
	store.Routes
	store.Shuttles
	store.Pickups
}

type Result struct {
	RoutesCreated, RoutesUpdated     int
	ShuttlesCreated, PickupsCreated int
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every record. Seeded records need stable ids so reseeding
// updates instead of duplicating.
func (f *File) Validate() error {
	var errs []error
	for i, s := range f.Shuttles {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("shuttles[%d]: id required", i))
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("shuttles[%d]: %w", i, err))
		}
	}
	for i, r := range f.Routes {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: id required", i))
		}
		if err := r.Route.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d] %s: %w", i, r.Name, err))
		}
		for j, p := range r.Pickups {
			if err := model.Validator().Struct(p); err != nil {
				errs = append(errs, fmt.Errorf("routes[%d].pickups[%d]: %w", i, j, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (f *File) Apply(ctx context.Context, st Store) (Result, error) {
	var res Result
	for _, s := range f.Shuttles {
		_, err := st.GetShuttle(ctx, s.ID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, store.ErrNotFound):
			return res, err
		}
		if _, err := st.CreateShuttle(ctx, s); err != nil {
			return res, fmt.Errorf("shuttle %s: %w", s.ID, err)
		}
		res.ShuttlesCreated++
	}

	for _, r := range f.Routes {
		_, err := st.GetRoute(ctx, r.ID)
		switch {
		case err == nil:
			if err := st.UpdateRoute(ctx, r.Route); err != nil {
				return res, fmt.Errorf("route %s: %w", r.ID, err)
			}
			res.RoutesUpdated++
		case errors.Is(err, store.ErrNotFound):
			if _, err := st.CreateRoute(ctx, r.Route); err != nil {
				return res, fmt.Errorf("route %s: %w", r.ID, err)
			}
			res.RoutesCreated++
		default:
			return res, err
		}

		existing, err := st.ListPickups(ctx, r.ID)
		if err != nil {
			return res, err
		}
		for _, p := range r.Pickups {
			if hasPickup(existing, p) {
				continue
			}
			created, err := st.CreatePickup(ctx, model.PickupLocation{RouteID: r.ID, Position: p})
			if err != nil {
				return res, fmt.Errorf("route %s pickup: %w", r.ID, err)
			}
			existing = append(existing, created)
			res.PickupsCreated++
		}
	}
	log.Info().
		Int("routes_created", res.RoutesCreated).
		Int("routes_updated", res.RoutesUpdated).
		Int("shuttles_created", res.ShuttlesCreated).
		Int("pickups_created", res.PickupsCreated).
		Msg("seed applied")
	return res, nil
}

func hasPickup(list []model.PickupLocation, c model.Coordinate) bool {
	for _, p := range list {
		if geo.Distance(p.Position, c) < samePickupM {
			return true
		}
	}
	return false
}
