package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

// ListActions returns actions, optionally filtered by ?handle= and
// bounded by ?limit= (default 100).
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	actions, err := h.store.ListActions(r.Context(), r.URL.Query().Get("handle"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	})
}

// GetAction returns one action by ID.
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.store.GetAction(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

type approvalRequest struct {
	Actor string `json:"actor"`
}

// ApproveAction is the approval workflow callback: the pending action
// re-executes through the direct increase path.
func (h *Handler) ApproveAction(w http.ResponseWriter, r *http.Request) {
	h.resolveApproval(w, r, contracts.DecisionApproved)
}

// DenyAction terminates a pending action as denied.
func (h *Handler) DenyAction(w http.ResponseWriter, r *http.Request) {
	h.resolveApproval(w, r, contracts.DecisionDenied)
}

func (h *Handler) resolveApproval(w http.ResponseWriter, r *http.Request, decision contracts.ApprovalDecision) {
	var req approvalRequest
	if err := decode(r, &req); err != nil || req.Actor == "" {
		respondBadRequest(w, "actor is required")
		return
	}

	action, err := h.coord.ResolveApproval(r.Context(), chi.URLParam(r, "actionID"), decision, req.Actor)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

// ListAudit queries the audit trail by ?handle=, ?action_id=, ?since=,
// ?until= and ?limit=.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		Handle:   q.Get("handle"),
		ActionID: q.Get("action_id"),
		Limit:    100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				respondBadRequest(w, "invalid "+name+" timestamp: "+err.Error())
				return
			}
			*dst = &t
		}
	}

	records, err := h.store.ListAudit(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}
