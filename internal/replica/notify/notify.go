// Package notify delivers side effects for confirmed entity creation, such
// as the welcome message a new user receives.
//
// Notifications are fire-and-forget: the engine only raises them once the
// hub has acknowledged a create, never for optimistic writes, and a failed
// delivery is logged rather than retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

// Event types.
const (
	EventUserCreated = "user.created"
	EventTaskCreated = "task.created"
)

// DefaultTimeout bounds one webhook delivery.
const DefaultTimeout = 5 * time.Second

// Event is one confirmed creation.
type Event struct {
	Type     string        `json:"type"`
	ClientID string        `json:"client_id"`
	Entity   schema.Entity `json:"entity"`
	At       time.Time     `json:"ts"`
}

// EventFor returns the event raised when e is confirmed created, or false if
// its type raises none.
func EventFor(e schema.Entity) (Event, bool) {
	switch e.Type {
	case schema.TypeUser:
		return Event{Type: EventUserCreated, Entity: e}, true
	case schema.TypeTask:
		return Event{Type: EventTaskCreated, Entity: e}, true
	}
	return Event{}, false
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"type", ev.Type, "key", ev.Entity.Key().String()}
	if ev.Type == EventUserCreated {
		attrs = append(attrs,
			"display_name", ev.Entity.Fields.String(schema.FieldDisplayName),
			"email", ev.Entity.Fields.String(schema.FieldEmailAddress))
	}
	logger.Info("notification", attrs...)
	return nil
}

// Webhook posts events as JSON to a URL.
type Webhook struct {
	URL    string
	Secret string
	Events []string // empty means every event
	client *http.Client
}

// NewWebhook creates a webhook notifier. A non-positive timeout uses
// DefaultTimeout.
func NewWebhook(url, secret string, timeout time.Duration, events ...string) *Webhook {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Webhook{
		URL:    url,
		Secret: secret,
		Events: events,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) wants(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if strings.TrimSpace(e) == eventType {
			return true
		}
	}
	return false
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	if !w.wants(ev.Type) {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dispatch-Event", ev.Type)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Dispatch-Secret", w.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []string
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Dispatch delivers ev in the background, logging any failure.
func Dispatch(n Notifier, ev Event, timeout time.Duration, logger *slog.Logger) {
	if n == nil {
		return
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := n.Notify(ctx, ev); err != nil {
			logger.Warn("notification failed", "type", ev.Type, "key", ev.Entity.Key().String(), "error", err)
		}
	}()
}
