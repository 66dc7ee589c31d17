package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/headroomhq/headroom/pkg/models"
)

// ListChannels returns all notification channels.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.store.ListChannels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	// Never echo signing secrets back out.
	for i := range channels {
		channels[i].Secret = ""
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"channels": channels,
		"count":    len(channels),
	})
}

// CreateChannel registers a notification channel.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch models.NotificationChannel
	if err := decode(r, &ch); err != nil {
		respondBadRequest(w, "invalid channel payload: "+err.Error())
		return
	}
	if ch.Name == "" || ch.Kind == "" {
		respondBadRequest(w, "channel name and kind are required")
		return
	}
	if h.notify.GetDriver(ch.Kind) == nil {
		respondBadRequest(w, "no driver registered for channel kind "+string(ch.Kind))
		return
	}
	ch.CreatedAt = time.Now().UTC()

	if err := h.store.CreateChannel(r.Context(), &ch); err != nil {
		respondError(w, err)
		return
	}
	ch.Secret = ""
	respondJSON(w, http.StatusCreated, ch)
}

// GetChannel returns one channel by name.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.store.GetChannel(r.Context(), chi.URLParam(r, "channelName"))
	if err != nil {
		respondError(w, err)
		return
	}
	ch.Secret = ""
	respondJSON(w, http.StatusOK, ch)
}

// UpdateChannel replaces a channel's configuration.
func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "channelName")
	existing, err := h.store.GetChannel(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}

	var ch models.NotificationChannel
	if err := decode(r, &ch); err != nil {
		respondBadRequest(w, "invalid channel payload: "+err.Error())
		return
	}
	ch.Name = name
	ch.CreatedAt = existing.CreatedAt
	if ch.Secret == "" {
		ch.Secret = existing.Secret
	}

	if err := h.store.UpdateChannel(r.Context(), &ch); err != nil {
		respondError(w, err)
		return
	}
	ch.Secret = ""
	respondJSON(w, http.StatusOK, ch)
}

// DeleteChannel removes a notification channel.
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteChannel(r.Context(), chi.URLParam(r, "channelName")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
