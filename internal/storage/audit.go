package storage

import (
	"log/slog"
	"sync"
	"time"
)

// AuditEntry records one repository access.
type AuditEntry struct {
	UserID     string    `json:"user_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty"`
	Operation  string    `json:"operation"` // create | read | update | delete | list
	Timestamp  time.Time `json:"timestamp"`
}

// Auditor keeps a bounded in-memory trail of repository accesses and
// mirrors each entry to the structured log.
type Auditor struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []AuditEntry
	max     int
}

// NewAuditor creates an auditor keeping up to max entries (default 1000).
func NewAuditor(max int, logger *slog.Logger) *Auditor {
	if max <= 0 {
		max = 1000
	}
	return &Auditor{logger: logger, max: max}
}

// Record appends one access entry.
func (a *Auditor) Record(userID, entityType, entityID, op string) {
	entry := AuditEntry{
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Timestamp:  time.Now(),
	}
	a.mu.Lock()
	if len(a.entries) >= a.max {
		a.entries = a.entries[1:]
	}
	a.entries = append(a.entries, entry)
	a.mu.Unlock()

	a.logger.Debug("repository access",
		"user_id", userID,
		"entity_type", entityType,
		"entity_id", entityID,
		"operation", op)
}

// Entries returns a copy of the recorded trail.
func (a *Auditor) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}
