package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/headroomhq/headroom/pkg/models"
)

// handleFromURL reassembles the three-segment handle key from the route
// parameters.
func handleFromURL(r *http.Request) string {
	return chi.URLParam(r, "service") + "/" + chi.URLParam(r, "limitID") + "/" + chi.URLParam(r, "region")
}

// ListHandles returns all registered resource handles.
func (h *Handler) ListHandles(w http.ResponseWriter, r *http.Request) {
	handles, err := h.store.ListHandles(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"handles": handles,
		"count":   len(handles),
	})
}

// RegisterHandle adds a handle to the monitored set.
func (h *Handler) RegisterHandle(w http.ResponseWriter, r *http.Request) {
	var handle models.ResourceHandle
	if err := decode(r, &handle); err != nil {
		respondBadRequest(w, "invalid handle payload: "+err.Error())
		return
	}
	if err := handle.Validate(); err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	if err := h.store.RegisterHandle(r.Context(), handle); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, handle)
}

// GetHandle returns one handle by key.
func (h *Handler) GetHandle(w http.ResponseWriter, r *http.Request) {
	handle, err := h.store.GetHandle(r.Context(), handleFromURL(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, handle)
}

// DeregisterHandle removes a handle from the monitored set. History and
// audit records survive deregistration.
func (h *Handler) DeregisterHandle(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeregisterHandle(r.Context(), handleFromURL(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

// ListSnapshots returns the handle's usage history, bounded by the
// optional ?since= RFC 3339 parameter (default: last 24h).
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	key := handleFromURL(r)
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondBadRequest(w, "invalid since timestamp: "+err.Error())
			return
		}
		since = t
	}

	snaps, err := h.store.ListSnapshots(r.Context(), key, since)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"handle":    key,
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

// LatestSnapshot returns the most recent reading for the handle.
func (h *Handler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.LatestSnapshot(r.Context(), handleFromURL(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
