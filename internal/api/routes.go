package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sourcegraph/conc/pool"

	"shuttle-tracker/internal/model"
)

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.routes.ListRoutes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if routes == nil {
		routes = []model.Route{}
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) getRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.routes.GetRoute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) createRoute(w http.ResponseWriter, r *http.Request) {
	var route model.Route
	if err := decode(w, r, &route); err != nil {
		writeError(w, err)
		return
	}
	route.Name = strings.TrimSpace(route.Name)
	if err := route.Validate(); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.routes.CreateRoute(r.Context(), route)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateRoute(w http.ResponseWriter, r *http.Request) {
	var route model.Route
	if err := decode(w, r, &route); err != nil {
		writeError(w, err)
		return
	}
	route.ID = mux.Vars(r)["id"]
	route.Name = strings.TrimSpace(route.Name)
	if err := route.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.routes.UpdateRoute(r.Context(), route); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.routes.DeleteRoute(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) routeSlots(w http.ResponseWriter, r *http.Request) {
	route, err := s.routes.GetRoute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	slots, err := s.deps.Schedule.Slots(route.RunsFrom, route.RunsUntil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slotsOrEmpty(slots))
}

// slots computes slots for an arbitrary window: ?start=HH:MM&end=HH:MM.
func (s *Server) slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slots, err := s.deps.Schedule.Slots(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slotsOrEmpty(slots))
}

func slotsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Overview is everything a rider's route screen shows.
type Overview struct {
	Route    model.Route            `json:"route"`
	Slots    []string               `json:"slots"`
	Shuttles []model.ActiveShuttle  `json:"shuttles"`
	Pickups  []model.PickupLocation `json:"pickups"`
}

func (s *Server) routeOverview(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var ov Overview

	p := pool.New().WithContext(r.Context()).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		route, err := s.routes.GetRoute(ctx, id)
		if err != nil {
			return err
		}
		slots, err := s.deps.Schedule.Slots(route.RunsFrom, route.RunsUntil)
		if err != nil {
			return err
		}
		ov.Route, ov.Slots = route, slotsOrEmpty(slots)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		active, err := s.deps.Store.ActiveSessions(ctx, id)
		ov.Shuttles = active
		return err
	})
	p.Go(func(ctx context.Context) error {
		pickups, err := s.deps.Store.ListPickups(ctx, id)
		ov.Pickups = pickups
		return err
	})
	if err := p.Wait(); err != nil {
		writeError(w, err)
		return
	}
	if ov.Shuttles == nil {
		ov.Shuttles = []model.ActiveShuttle{}
	}
	if ov.Pickups == nil {
		ov.Pickups = []model.PickupLocation{}
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) activeShuttles(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.routes.GetRoute(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	active, err := s.deps.Store.ActiveSessions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if active == nil {
		active = []model.ActiveShuttle{}
	}
	writeJSON(w, http.StatusOK, active)
}
