// Package notify dispatches governance events to registered notification
// channels through pluggable ChannelDriver implementations. The OSS build
// ships the webhook driver with HMAC-SHA256 signing; Slack, email, and
// other transports register at startup via RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

// Event is the notification payload.
type Event = contracts.NotifyEvent

// NewEvent builds an Event for an action's state.
func NewEvent(severity models.Severity, handle, message string, action *models.Action) Event {
	e := Event{
		Severity:  severity,
		Handle:    handle,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if action != nil {
		e.ActionID = action.ID
		e.ActionKind = string(action.Kind)
		e.Status = string(action.Status)
	}
	return e
}

// Service fans events out to all subscribed channels.
type Service struct {
	store   store.ChannelStore
	client  *http.Client
	drivers map[models.ChannelKind]contracts.ChannelDriver
	drvMu   sync.RWMutex
}

// NewService creates a notification service with the built-in webhook
// driver registered.
func NewService(s store.ChannelStore) *Service {
	svc := &Service{
		store:   s,
		client:  &http.Client{Timeout: 15 * time.Second},
		drivers: make(map[models.ChannelKind]contracts.ChannelDriver),
	}
	svc.RegisterDriver(&WebhookChannelDriver{client: svc.client})
	return svc
}

// RegisterDriver adds or replaces a channel driver for the given kind.
func (s *Service) RegisterDriver(driver contracts.ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", string(driver.Kind())).Msg("Registered notification channel driver")
}

// GetDriver returns the driver for a channel kind, or nil.
func (s *Service) GetDriver(kind models.ChannelKind) contracts.ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// Notify dispatches the event to every active channel subscribed to its
// severity. Channels are dispatched concurrently; failures are logged and
// counted but never block the engine.
func (s *Service) Notify(ctx context.Context, event Event) int {
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list notification channels")
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for i := range channels {
		ch := channels[i]
		if !ch.Active || !ch.Subscribes(event.Severity) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.send(ctx, &ch, event); err != nil {
				log.Warn().Err(err).
					Str("channel", ch.Name).
					Str("kind", string(ch.Kind)).
					Str("handle", event.Handle).
					Msg("Channel notification failed")
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
			log.Info().
				Str("channel", ch.Name).
				Str("severity", string(event.Severity)).
				Str("handle", event.Handle).
				Msg("Notification dispatched")
		}()
	}
	wg.Wait()
	return delivered
}

func (s *Service) send(ctx context.Context, ch *models.NotificationChannel, event Event) error {
	driver := s.GetDriver(ch.Kind)
	if driver == nil {
		return fmt.Errorf("no driver registered for channel kind %s", ch.Kind)
	}
	if len(event.Recipients) == 0 {
		event.Recipients = ch.Recipients
	}
	return driver.Send(ctx, ch, event)
}

// ── Webhook Channel Driver (OSS built-in) ────────────────────

// WebhookChannelDriver posts events as JSON to a webhook URL with optional
// HMAC-SHA256 signing.
type WebhookChannelDriver struct {
	client *http.Client
}

// Kind returns ChannelWebhook.
func (d *WebhookChannelDriver) Kind() models.ChannelKind {
	return models.ChannelWebhook
}

// Send posts the event with retries and optional signature header.
func (d *WebhookChannelDriver) Send(ctx context.Context, channel *models.NotificationChannel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Headroom-Webhook/1.0")
		req.Header.Set("X-Headroom-Severity", string(event.Severity))
		req.Header.Set("X-Headroom-Handle", event.Handle)
		if channel.Secret != "" {
			mac := hmac.New(sha256.New, []byte(channel.Secret))
			mac.Write(body)
			req.Header.Set("X-Headroom-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, channel.URL)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
