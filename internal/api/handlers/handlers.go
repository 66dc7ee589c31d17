// Package handlers implements the HTTP API surface: handle registration,
// policy CRUD, action inspection and approval callbacks, audit queries,
// capacity pool reservations, and notification channel management.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/headroomhq/headroom/internal/capacitypool"
	"github.com/headroomhq/headroom/internal/coordinator"
	"github.com/headroomhq/headroom/internal/engine"
	"github.com/headroomhq/headroom/internal/notify"
	"github.com/headroomhq/headroom/internal/store"
)

// Handler carries the dependencies shared by all API endpoints.
type Handler struct {
	store  store.Store
	coord  *coordinator.Coordinator
	pools  *capacitypool.Manager
	notify *notify.Service
	engine *engine.Engine
}

// New creates the API handler set.
func New(s store.Store, coord *coordinator.Coordinator, pools *capacitypool.Manager, n *notify.Service, eng *engine.Engine) *Handler {
	return &Handler{store: s, coord: coord, pools: pools, notify: n, engine: eng}
}

// respondJSON writes a JSON response with the given status.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Error().Err(err).Msg("Failed to encode response")
		}
	}
}

// respondError maps store errors onto HTTP status codes: not-found to 404,
// conflict to 409, anything else to 500.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case store.IsNotFound(err):
		status = http.StatusNotFound
	case store.IsConflict(err):
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// respondBadRequest writes a 400 with the message.
func respondBadRequest(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// decode parses the request body into v.
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
