package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"shuttle-tracker/internal/model"
)

func (s *Server) listShuttles(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListShuttles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []model.Shuttle{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createShuttle(w http.ResponseWriter, r *http.Request) {
	var sh model.Shuttle
	if err := decode(w, r, &sh); err != nil {
		writeError(w, err)
		return
	}
	sh.Number = strings.TrimSpace(sh.Number)
	if err := sh.Validate(); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.deps.Store.CreateShuttle(r.Context(), sh)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) deleteShuttle(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteShuttle(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPickups(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.routes.GetRoute(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.deps.Store.ListPickups(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []model.PickupLocation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// createPickup takes the tapped map point as {"lat":..,"lng":..}.
func (s *Server) createPickup(w http.ResponseWriter, r *http.Request) {
	var pos model.Coordinate
	if err := decode(w, r, &pos); err != nil {
		writeError(w, err)
		return
	}
	p := model.PickupLocation{RouteID: mux.Vars(r)["id"], Position: pos}
	if err := p.Validate(); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.deps.Store.CreatePickup(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) deletePickup(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeletePickup(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
