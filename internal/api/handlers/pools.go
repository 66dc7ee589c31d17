package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/headroomhq/headroom/internal/capacitypool"
	"github.com/headroomhq/headroom/pkg/models"
)

func poolParams(r *http.Request) (string, models.ResourceKind) {
	return chi.URLParam(r, "region"), models.ResourceKind(chi.URLParam(r, "kind"))
}

// GetPool returns the pool record for a (region, kind).
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	region, kind := poolParams(r)
	pool, err := h.pools.Pool(r.Context(), region, kind)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pool)
}

type poolRequest struct {
	Capacity float64 `json:"capacity"`
}

// UpsertPool creates or resizes a capacity pool.
func (h *Handler) UpsertPool(w http.ResponseWriter, r *http.Request) {
	region, kind := poolParams(r)
	var req poolRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid pool payload: "+err.Error())
		return
	}
	if req.Capacity <= 0 {
		respondBadRequest(w, "pool capacity must be positive")
		return
	}
	if err := h.pools.EnsurePool(r.Context(), region, kind, req.Capacity); err != nil {
		respondError(w, err)
		return
	}
	pool, err := h.pools.Pool(r.Context(), region, kind)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pool)
}

type reservationRequest struct {
	Amount   float64 `json:"amount"`
	Scenario string  `json:"scenario"`
}

// CreateReservation claims headroom from the pool for a failover scenario.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	region, kind := poolParams(r)
	var req reservationRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid reservation payload: "+err.Error())
		return
	}
	if req.Scenario == "" {
		respondBadRequest(w, "reservation scenario is required")
		return
	}

	res, err := h.pools.Reserve(r.Context(), region, kind, req.Amount, req.Scenario)
	if err != nil {
		if errors.Is(err, capacitypool.ErrInsufficientCapacity) {
			respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// ListReservations returns the pool's outstanding reservations.
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	region, kind := poolParams(r)
	reservations, err := h.store.ListReservations(r.Context(), region, kind)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"reservations": reservations,
		"count":        len(reservations),
	})
}

// ReleaseReservation returns unconsumed headroom to the pool.
func (h *Handler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	if err := h.pools.Release(r.Context(), chi.URLParam(r, "reservationID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// ConsumeReservation marks reserved headroom as used by its scenario.
func (h *Handler) ConsumeReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationID")
	if err := h.pools.Consume(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	res, err := h.store.GetReservation(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
