package handlers

import (
	"net/http"
)

// TriggerCycle runs one governance cycle immediately. Coalescing at the
// store makes this safe alongside the scheduled loop.
func (h *Handler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.RunCycle(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"handles":   stats.Handles,
		"evaluated": stats.Evaluated,
		"proposed":  stats.Proposed,
		"skipped":   stats.Skipped,
		"errored":   stats.Errored,
		"expired":   stats.Expired,
		"elapsed":   stats.Elapsed.String(),
	})
}

// EngineStatus reports the most recent completed cycle.
func (h *Handler) EngineStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.LastCycle()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"last_cycle": map[string]interface{}{
			"handles":   stats.Handles,
			"evaluated": stats.Evaluated,
			"proposed":  stats.Proposed,
			"skipped":   stats.Skipped,
			"errored":   stats.Errored,
			"expired":   stats.Expired,
			"elapsed":   stats.Elapsed.String(),
		},
	})
}
