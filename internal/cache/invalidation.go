package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/internal/events"
)

// EventTypeInvalidation is the bus event type repositories emit after
// every successful mutation.
const EventTypeInvalidation = "cache.invalidation"

// Invalidation describes one entity mutation for cache fan-out.
type Invalidation struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Operation  string `json:"operation"` // create | update | delete
	UserID     string `json:"user_id"`
	Level      string `json:"level,omitempty"` // context level, when EntityType == "context"
	Propagate  bool   `json:"propagate"`
}

// PublishInvalidation emits an invalidation event on the bus.
func PublishInvalidation(bus *events.Bus, inv Invalidation) error {
	return bus.Publish(&events.Event{
		Type:     EventTypeInvalidation,
		Priority: 5,
		UserID:   inv.UserID,
		Payload: map[string]any{
			"entity_type": inv.EntityType,
			"entity_id":   inv.EntityID,
			"operation":   inv.Operation,
			"user_id":     inv.UserID,
			"level":       inv.Level,
			"propagate":   inv.Propagate,
		},
	})
}

// Key builds the canonical cache key for one entity.
func Key(entityType, userID, entityID string) string {
	return fmt.Sprintf("%s:%s:%s", entityType, userID, entityID)
}

// ListKeyPrefix builds the prefix under which list and search results for
// one entity type and user are cached.
func ListKeyPrefix(entityType, userID string) string {
	return fmt.Sprintf("%s:list:%s:", entityType, userID)
}

// SearchKeyPrefix builds the prefix for cached search results.
func SearchKeyPrefix(entityType, userID string) string {
	return fmt.Sprintf("%s:search:%s:", entityType, userID)
}

// WireInvalidation subscribes the cache to invalidation events. Any
// mutation drops the entity key plus that entity type's list and search
// caches; context mutations with propagate additionally drop every
// context entry of the user so descendants re-resolve inheritance.
func WireInvalidation(bus *events.Bus, c *MultiLevel, logger *slog.Logger) string {
	return bus.Subscribe(EventTypeInvalidation, func(_ context.Context, ev *events.Event) error {
		entityType, _ := ev.Payload["entity_type"].(string)
		entityID, _ := ev.Payload["entity_id"].(string)
		userID, _ := ev.Payload["user_id"].(string)
		propagate, _ := ev.Payload["propagate"].(bool)
		if entityType == "" || userID == "" {
			return nil
		}

		c.Invalidate(Key(entityType, userID, entityID))
		c.InvalidatePattern(ListKeyPrefix(entityType, userID) + "*")
		c.InvalidatePattern(SearchKeyPrefix(entityType, userID) + "*")

		if entityType == "context" && propagate {
			c.InvalidatePattern("context:" + userID + ":*")
		}
		logger.Debug("cache invalidation applied",
			"entity_type", entityType,
			"entity_id", entityID,
			"user_id", userID,
			"propagate", propagate)
		return nil
	}, 10, nil)
}
