package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/headroomhq/headroom/pkg/models"
)

// ListPolicies returns all governance policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.store.ListPolicies(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

// CreatePolicy registers a new policy. Validation happens here, not in the
// engine: a policy that cannot pass Validate never reaches a cycle.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var pol models.Policy
	if err := decode(r, &pol); err != nil {
		respondBadRequest(w, "invalid policy payload: "+err.Error())
		return
	}
	if pol.ID == "" {
		pol.ID = uuid.New().String()
	}
	if pol.Handle == "" {
		respondBadRequest(w, "policy handle pattern is required")
		return
	}
	if err := pol.Validate(); err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	now := time.Now().UTC()
	pol.CreatedAt = now
	pol.UpdatedAt = now

	if err := h.store.CreatePolicy(r.Context(), &pol); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, pol)
}

// GetPolicy returns a policy by ID.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	pol, err := h.store.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pol)
}

// UpdatePolicy replaces a policy's configuration.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "policyID")
	existing, err := h.store.GetPolicy(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	var pol models.Policy
	if err := decode(r, &pol); err != nil {
		respondBadRequest(w, "invalid policy payload: "+err.Error())
		return
	}
	pol.ID = id
	pol.CreatedAt = existing.CreatedAt
	pol.UpdatedAt = time.Now().UTC()
	if err := pol.Validate(); err != nil {
		respondBadRequest(w, err.Error())
		return
	}

	if err := h.store.UpdatePolicy(r.Context(), &pol); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pol)
}

// DeletePolicy removes a policy. Affected handles fall back to
// monitor-only behavior on the next cycle.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeletePolicy(r.Context(), chi.URLParam(r, "policyID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
