// Package notify delivers typed notifications over the event bus and
// keeps a bounded ring of recent notifications for replay on reconnect.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/events"
)

// EventTypePrefix namespaces notification events on the bus.
const EventTypePrefix = "notification."

// Notification is one delivered message.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  int            `json:"priority"`
	Recipient string         `json:"recipient,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the notification is past its expiry.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// Service fans notifications out through the bus and records them in a
// bounded in-memory ring.
type Service struct {
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	ring   []*Notification
	max    int
	offset int
}

// NewService creates a notification service keeping up to maxRecent
// notifications for replay (default 100 when <= 0).
func NewService(bus *events.Bus, maxRecent int, logger *slog.Logger) *Service {
	if maxRecent <= 0 {
		maxRecent = 100
	}
	return &Service{bus: bus, logger: logger, max: maxRecent}
}

// Notify publishes a notification and returns its id. Expired-on-arrival
// notifications are still assigned an id but never published.
func (s *Service) Notify(notifType string, data map[string]any, priority int, recipient string, expiresAt *time.Time) (string, error) {
	n := &Notification{
		ID:        uuid.NewString(),
		Type:      notifType,
		Data:      data,
		Priority:  priority,
		Recipient: recipient,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if n.Expired(n.CreatedAt) {
		return n.ID, nil
	}

	s.remember(n)

	err := s.bus.Publish(&events.Event{
		Type:     EventTypePrefix + notifType,
		Priority: priority,
		UserID:   recipient,
		Payload: map[string]any{
			"notification_id": n.ID,
			"type":            notifType,
			"data":            data,
			"recipient":       recipient,
		},
	})
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// Subscribe registers a handler for one notification type.
func (s *Service) Subscribe(notifType string, handler events.Handler) string {
	return s.bus.Subscribe(EventTypePrefix+notifType, handler, 0, nil)
}

// Recent returns unexpired notifications in delivery order, newest last.
func (s *Service) Recent() []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]*Notification, 0, len(s.ring))
	for i := 0; i < len(s.ring); i++ {
		n := s.ring[(s.offset+i)%len(s.ring)]
		if n != nil && !n.Expired(now) {
			out = append(out, n)
		}
	}
	return out
}

func (s *Service) remember(n *Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) < s.max {
		s.ring = append(s.ring, n)
		return
	}
	s.ring[s.offset] = n
	s.offset = (s.offset + 1) % s.max
}
