package storage

import (
	"fmt"

	"github.com/taskmesh/taskmesh/internal/cache"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
)

// userScope is the base embedded by every repository implementation. It
// carries the bound user id and enforces the scoping contract:
//
//   - requireUser gates every read/write outside bootstrap
//   - stamp sets user_id on created rows
//   - owns converts ownership mismatches into not-found
type userScope struct {
	userID string
}

// UserID returns the bound user id (empty during bootstrap).
func (s userScope) UserID() string { return s.userID }

func (s userScope) requireUser() error {
	if s.userID == "" {
		return domain.ErrMissingUserScope
	}
	return nil
}

// owns verifies a loaded row belongs to the scope's user. A mismatch is
// reported as not-found, never as forbidden, so callers cannot confirm
// the existence of other users' rows.
func (s userScope) owns(rowUserID string) error {
	if rowUserID != s.userID {
		return domain.ErrNotFound
	}
	return nil
}

// mutationHooks records the audit trail and emits cache invalidation
// events after successful repository operations.
type mutationHooks struct {
	bus     *events.Bus
	auditor *Auditor
}

// afterMutation runs the post-write hooks. Invalidation failures are
// downgraded to audit-only: a full event queue must not fail the write
// that already committed.
func (h *mutationHooks) afterMutation(entityType, entityID, op, userID, level string, propagate bool) {
	if h == nil {
		return
	}
	if h.auditor != nil {
		h.auditor.Record(userID, entityType, entityID, op)
	}
	if h.bus != nil {
		_ = cache.PublishInvalidation(h.bus, cache.Invalidation{
			EntityType: entityType,
			EntityID:   entityID,
			Operation:  op,
			UserID:     userID,
			Level:      level,
			Propagate:  propagate,
		})
	}
}

// afterRead records read/list accesses in the audit trail.
func (h *mutationHooks) afterRead(entityType, entityID, op, userID string) {
	if h == nil || h.auditor == nil {
		return
	}
	h.auditor.Record(userID, entityType, entityID, op)
}

func wrapConflict(what string) error {
	return fmt.Errorf("%w: %s", domain.ErrConflict, what)
}
