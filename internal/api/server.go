// Package api serves the admin and rider HTTP API: route, shuttle and pickup
// management, schedules, live positions and a GTFS-Realtime feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/schedule"
	"shuttle-tracker/internal/store"
	"shuttle-tracker/internal/tracking"
)

type Deps struct {
	Store store.Store
	// Routes overrides Store for route reads and writes, e.g. a cache.
	Routes   store.Routes
	Schedule schedule.Generator
	Metrics  tracking.Metrics
	// Heartbeat is the idle comment interval on live streams.
	Heartbeat time.Duration
	Now       func() time.Time
}

type Server struct {
	deps   Deps
	routes store.Routes
	router *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 25 * time.Second
	}
	if d.Schedule.Now == nil {
		d.Schedule.Now = d.Now
	}
	s := &Server{deps: d, routes: d.Routes}
	if s.routes == nil {
		s.routes = d.Store
	}

	r := mux.NewRouter()
	r.Use(accessLog)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/routes", s.listRoutes).Methods(http.MethodGet)
	v1.HandleFunc("/routes", s.createRoute).Methods(http.MethodPost)
	v1.HandleFunc("/routes/{id}", s.getRoute).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{id}", s.updateRoute).Methods(http.MethodPut)
	v1.HandleFunc("/routes/{id}", s.deleteRoute).Methods(http.MethodDelete)
	v1.HandleFunc("/routes/{id}/slots", s.routeSlots).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{id}/overview", s.routeOverview).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{id}/shuttles", s.activeShuttles).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{id}/live", s.live).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{id}/pickups", s.listPickups).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{id}/pickups", s.createPickup).Methods(http.MethodPost)
	v1.HandleFunc("/pickups/{id}", s.deletePickup).Methods(http.MethodDelete)

	v1.HandleFunc("/shuttles", s.listShuttles).Methods(http.MethodGet)
	v1.HandleFunc("/shuttles", s.createShuttle).Methods(http.MethodPost)
	v1.HandleFunc("/shuttles/{id}", s.deleteShuttle).Methods(http.MethodDelete)

	v1.HandleFunc("/schedule", s.slots).Methods(http.MethodGet)
	v1.HandleFunc("/gtfs-rt/vehicle-positions", s.vehiclePositions).Methods(http.MethodGet)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Info().Str("addr", addr).Msg("api listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("api shutdown")
		}
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

type errorBody struct {
	Error string `json:"error"`
}

var errBadRequest = errors.New("bad request")

func statusOf(err error) int {
	var ve *model.ValidationError
	var ne *store.NetworkError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &ve), errors.Is(err, schedule.ErrInvalidTimeFormat), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.As(err, &ne):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
