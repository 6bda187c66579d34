package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"shuttle-tracker/internal/gtfsrt"
	"shuttle-tracker/internal/model"
	"shuttle-tracker/internal/tracking"
)

// live streams the active shuttles of a route as Server-Sent Events, one
// "shuttles" event with the full list per change.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.routes.GetRoute(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	// Latest snapshot wins; onUpdate runs under the watcher lock so it
	// must not block.
	updates := make(chan []model.ActiveShuttle, 1)
	watcher := tracking.NewWatcher(s.deps.Store, s.deps.Metrics)
	defer watcher.Close()
	err := watcher.Watch(r.Context(), id, func(list []model.ActiveShuttle) {
		select {
		case <-updates:
		default:
		}
		updates <- list
	})
	if err != nil {
		writeError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.deps.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case list := <-updates:
			b, err := json.Marshal(list)
			if err != nil {
				log.Error().Err(err).Str("route", id).Msg("encode live update")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: shuttles\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// vehiclePositions serves the GTFS-Realtime feed of every active session,
// as protobuf or, with ?format=json, as JSON.
func (s *Server) vehiclePositions(w http.ResponseWriter, r *http.Request) {
	active, err := s.deps.Store.ActiveSessions(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	feed := gtfsrt.VehiclePositions(active, s.deps.Now())

	if r.URL.Query().Get("format") == "json" {
		b, err := gtfsrt.MarshalJSON(feed)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		return
	}
	b, err := gtfsrt.Marshal(feed)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(b)
}
