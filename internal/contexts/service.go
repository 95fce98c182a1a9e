// Package contexts implements the four-level context hierarchy:
// global -> project -> branch -> task. All access goes through the
// Service; repositories are an implementation detail. The service owns
// ancestor auto-creation, inheritance resolution, delegation, and the
// cache invalidation that follows every write.
package contexts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/taskmesh/taskmesh/internal/cache"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/storage"
)

// Service is the unified facade over the context hierarchy for one
// request. Build one per request with NewService; it is bound to the
// calling user.
type Service struct {
	userID   string
	contexts storage.ContextRepository
	branches storage.BranchRepository
	tasks    storage.TaskRepository
	bus      *events.Bus
	cache    *cache.MultiLevel
	logger   *slog.Logger
}

// NewService binds a context service to userID over the given scoped
// repositories. bus and mc may be nil in tests.
func NewService(userID string, repos *storage.Repositories, bus *events.Bus, mc *cache.MultiLevel, logger *slog.Logger) *Service {
	return &Service{
		userID:   userID,
		contexts: repos.Contexts,
		branches: repos.Branches,
		tasks:    repos.Tasks,
		bus:      bus,
		cache:    mc,
		logger:   logger,
	}
}

// resolveID maps the caller-supplied id to the canonical row id for the
// level. Global accepts any alias ("global_singleton" included) and
// always resolves to the per-user deterministic id.
func (s *Service) resolveID(level domain.ContextLevel, id string) string {
	if level == domain.LevelGlobal {
		return domain.GlobalContextID(s.userID)
	}
	return id
}

// Create creates a context at level with the given payload, auto-creating
// any missing ancestors first. projectID is consulted only for task-level
// creation when the branch row cannot supply it.
func (s *Service) Create(ctx context.Context, level domain.ContextLevel, id string, payload map[string]any, projectID string) (*domain.Context, error) {
	if !domain.ValidContextLevel(level) {
		return nil, fmt.Errorf("%w: unknown context level %q", domain.ErrValidation, level)
	}
	id = s.resolveID(level, id)
	if level != domain.LevelGlobal && id == "" {
		return nil, fmt.Errorf("%w: context_id is required for %s level", domain.ErrValidation, level)
	}

	parentID, err := s.ensureAncestors(ctx, level, id, projectID)
	if err != nil {
		return nil, err
	}

	c := &domain.Context{
		ID:       id,
		Level:    level,
		UserID:   s.userID,
		ParentID: parentID,
		Settings: domain.SplitSettings(level, payload),
	}
	if err := s.contexts.Create(ctx, c); err != nil {
		return nil, err
	}
	s.invalidate(level, id, false)
	return s.view(c), nil
}

// ensureAncestors resolves the ancestor chain for a context at level,
// marking each missing row metadata.auto_created=true, and creates the
// whole chain in one repository transaction so partial hierarchies
// cannot be observed. It returns the id of the direct parent.
func (s *Service) ensureAncestors(ctx context.Context, level domain.ContextLevel, id, projectID string) (string, error) {
	if level == domain.LevelGlobal {
		return "", nil
	}

	globalID := domain.GlobalContextID(s.userID)
	chain := []*domain.Context{s.autoCreatedRow(domain.LevelGlobal, globalID, "")}
	parentID := globalID

	if level != domain.LevelProject {
		// Branch and task levels need the project id. For task level the
		// branch entity is the authority; the caller hint is a fallback.
		var branchID string
		if level == domain.LevelTask {
			t, err := s.tasks.Get(ctx, id)
			if err == nil {
				branchID = t.GitBranchID
			}
		} else {
			branchID = id
		}
		if branchID != "" {
			if b, err := s.branches.Get(ctx, branchID); err == nil {
				projectID = b.ProjectID
			}
		}
		if projectID == "" {
			return "", fmt.Errorf("%w: cannot resolve project for %s context %s", domain.ErrValidation, level, id)
		}
		chain = append(chain, s.autoCreatedRow(domain.LevelProject, projectID, globalID))
		parentID = projectID

		if level == domain.LevelTask {
			if branchID == "" {
				return "", fmt.Errorf("%w: cannot resolve branch for task context %s", domain.ErrValidation, id)
			}
			chain = append(chain, s.autoCreatedRow(domain.LevelBranch, branchID, projectID))
			parentID = branchID
		}
	}

	err := s.contexts.EnsureChain(ctx, chain)
	if isConflict(err) {
		// Lost a race with a concurrent creator; the retry skips
		// whatever that writer already inserted.
		err = s.contexts.EnsureChain(ctx, chain)
	}
	if err != nil {
		return "", fmt.Errorf("auto-creating ancestors for %s context %s: %w", level, id, err)
	}
	s.logger.Debug("context ancestors ensured", "level", level, "context_id", id, "user_id", s.userID)
	return parentID, nil
}

// autoCreatedRow builds an empty ancestor row for EnsureChain.
func (s *Service) autoCreatedRow(level domain.ContextLevel, id, parentID string) *domain.Context {
	return &domain.Context{
		ID:       id,
		Level:    level,
		UserID:   s.userID,
		ParentID: parentID,
		Settings: map[string]any{},
		Metadata: map[string]any{"auto_created": true},
	}
}

// Get returns the context at level. With inherit=true the settings are
// the deep merge of the ancestor chain, root first, so closer levels win.
func (s *Service) Get(ctx context.Context, level domain.ContextLevel, id string, inherit bool) (*domain.Context, error) {
	if !domain.ValidContextLevel(level) {
		return nil, fmt.Errorf("%w: unknown context level %q", domain.ErrValidation, level)
	}
	id = s.resolveID(level, id)
	c, err := s.contexts.Get(ctx, level, id)
	if err != nil {
		return nil, err
	}
	if !inherit {
		return s.view(c), nil
	}
	return s.resolveInherited(ctx, c)
}

// resolveInherited merges the chain from global down to c. The chain is
// read entirely from the caller's own scope; inheritance never crosses
// users because every repository is user-bound.
func (s *Service) resolveInherited(ctx context.Context, c *domain.Context) (*domain.Context, error) {
	chain := []*domain.Context{c}
	cur := c
	for cur.Level != domain.LevelGlobal {
		parentLevel := domain.ParentLevel(cur.Level)
		parentID := cur.ParentID
		if parentLevel == domain.LevelGlobal {
			parentID = domain.GlobalContextID(s.userID)
		}
		if parentID == "" {
			break
		}
		parent, err := s.contexts.Get(ctx, parentLevel, parentID)
		if err != nil {
			break // missing ancestor contributes nothing
		}
		chain = append(chain, parent)
		cur = parent
	}

	merged := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		merged = domain.DeepMerge(merged, domain.MergeSettings(chain[i].Settings))
	}
	out := *c
	out.Settings = merged
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	} else {
		m := make(map[string]any, len(c.Metadata)+2)
		for k, v := range c.Metadata {
			m[k] = v
		}
		out.Metadata = m
	}
	out.Metadata["inheritance_resolved"] = true
	out.Metadata["inheritance_depth"] = len(chain)
	return &out, nil
}

// Update merges (or replaces) the payload into the stored settings and
// bumps the version. With propagate=true the invalidation fans out to
// every cached context of the user.
func (s *Service) Update(ctx context.Context, level domain.ContextLevel, id string, payload map[string]any, replace, propagate bool) (*domain.Context, error) {
	id = s.resolveID(level, id)
	c, err := s.contexts.Get(ctx, level, id)
	if err != nil {
		return nil, err
	}
	incoming := domain.SplitSettings(level, payload)
	if replace {
		c.Settings = incoming
	} else {
		c.Settings = domain.DeepMerge(c.Settings, incoming)
	}
	if err := s.contexts.Update(ctx, c); err != nil {
		return nil, err
	}
	s.invalidate(level, id, propagate)
	return s.view(c), nil
}

// Delete removes the context row at level.
func (s *Service) Delete(ctx context.Context, level domain.ContextLevel, id string) error {
	id = s.resolveID(level, id)
	if err := s.contexts.Delete(ctx, level, id); err != nil {
		return err
	}
	s.invalidate(level, id, true)
	return nil
}

// List returns the user's contexts at level (all levels when empty).
func (s *Service) List(ctx context.Context, level domain.ContextLevel) ([]*domain.Context, error) {
	rows, err := s.contexts.List(ctx, level)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Context, len(rows))
	for i, c := range rows {
		out[i] = s.view(c)
	}
	return out, nil
}

// AddProgress appends a timestamped progress entry to a task context,
// auto-creating the chain if needed.
func (s *Service) AddProgress(ctx context.Context, taskID, content, agent string) (*domain.Context, error) {
	c, err := s.contexts.Get(ctx, domain.LevelTask, taskID)
	if isNotFound(err) {
		c, err = s.createRaw(ctx, domain.LevelTask, taskID)
	}
	if err != nil {
		return nil, err
	}
	if c.Settings == nil {
		c.Settings = map[string]any{}
	}
	entry := map[string]any{
		"content":   content,
		"agent":     agent,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	progress, _ := c.Settings["progress"].([]any)
	c.Settings["progress"] = append(progress, entry)
	if err := s.contexts.Update(ctx, c); err != nil {
		return nil, err
	}
	s.invalidate(domain.LevelTask, taskID, false)
	return s.view(c), nil
}

// AddInsight records a discovered pattern on a task context for later
// delegation, auto-creating the chain if needed.
func (s *Service) AddInsight(ctx context.Context, taskID, content, category, importance, agent string) (*domain.Context, error) {
	c, err := s.contexts.Get(ctx, domain.LevelTask, taskID)
	if isNotFound(err) {
		c, err = s.createRaw(ctx, domain.LevelTask, taskID)
	}
	if err != nil {
		return nil, err
	}
	if c.Settings == nil {
		c.Settings = map[string]any{}
	}
	entry := map[string]any{
		"content":    content,
		"category":   category,
		"importance": importance,
		"agent":      agent,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	patterns, _ := c.Settings["discovered_patterns"].([]any)
	c.Settings["discovered_patterns"] = append(patterns, entry)
	if err := s.contexts.Update(ctx, c); err != nil {
		return nil, err
	}
	s.invalidate(domain.LevelTask, taskID, false)
	return s.view(c), nil
}

// Delegate copies data upward to a higher level so sibling scopes can
// inherit it. The target must be a strict ancestor level of source. The
// delegation is recorded in the source's metadata, and both updated
// contexts are returned, source first.
func (s *Service) Delegate(ctx context.Context, sourceLevel domain.ContextLevel, sourceID string, targetLevel domain.ContextLevel, data map[string]any) (*domain.Context, *domain.Context, error) {
	if !levelAbove(targetLevel, sourceLevel) {
		return nil, nil, fmt.Errorf("%w: cannot delegate from %s to %s", domain.ErrValidation, sourceLevel, targetLevel)
	}
	src, err := s.contexts.Get(ctx, sourceLevel, s.resolveID(sourceLevel, sourceID))
	if err != nil {
		return nil, nil, err
	}
	targetID := s.resolveID(targetLevel, s.ancestorID(ctx, src, targetLevel))
	if targetID == "" {
		return nil, nil, fmt.Errorf("%w: cannot resolve %s ancestor of %s context %s", domain.ErrValidation, targetLevel, sourceLevel, sourceID)
	}
	tgt, err := s.contexts.Get(ctx, targetLevel, targetID)
	if isNotFound(err) {
		tgt, err = s.createRaw(ctx, targetLevel, targetID)
	}
	if err != nil {
		return nil, nil, err
	}
	tgt.Settings = domain.DeepMerge(tgt.Settings, domain.SplitSettings(targetLevel, data))
	if err := s.contexts.Update(ctx, tgt); err != nil {
		return nil, nil, err
	}

	fields := make([]string, 0, len(data))
	for k := range data {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	if src.Metadata == nil {
		src.Metadata = map[string]any{}
	}
	delegations, _ := src.Metadata["delegations"].([]any)
	src.Metadata["delegations"] = append(delegations, map[string]any{
		"delegated_to": string(targetLevel),
		"target_id":    targetID,
		"fields":       fields,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
	if err := s.contexts.Update(ctx, src); err != nil {
		return nil, nil, err
	}

	s.invalidate(targetLevel, targetID, true)
	s.invalidate(sourceLevel, src.ID, false)
	s.logger.Info("context delegated",
		"from_level", sourceLevel, "from_id", src.ID,
		"to_level", targetLevel, "to_id", targetID,
		"user_id", s.userID)
	return s.view(src), s.view(tgt), nil
}

// ancestorID walks the parent chain of src until reaching targetLevel.
func (s *Service) ancestorID(ctx context.Context, src *domain.Context, targetLevel domain.ContextLevel) string {
	if targetLevel == domain.LevelGlobal {
		return domain.GlobalContextID(s.userID)
	}
	cur := src
	for cur != nil && cur.Level != targetLevel {
		parentLevel := domain.ParentLevel(cur.Level)
		if parentLevel == "" || cur.ParentID == "" {
			return ""
		}
		parent, err := s.contexts.Get(ctx, parentLevel, cur.ParentID)
		if err != nil {
			// Parent row may not exist yet; its id is still valid.
			if parentLevel == targetLevel {
				return cur.ParentID
			}
			return ""
		}
		cur = parent
	}
	if cur == nil {
		return ""
	}
	return cur.ID
}

// createRaw creates an empty context with ancestors, returning the stored
// row rather than the merged view.
func (s *Service) createRaw(ctx context.Context, level domain.ContextLevel, id string) (*domain.Context, error) {
	parentID, err := s.ensureAncestors(ctx, level, id, "")
	if err != nil {
		return nil, err
	}
	c := &domain.Context{
		ID:       id,
		Level:    level,
		UserID:   s.userID,
		ParentID: parentID,
		Settings: map[string]any{},
	}
	if err := s.contexts.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// view converts a stored row into the caller-facing shape: _custom keys
// lifted back to the top of settings.
func (s *Service) view(c *domain.Context) *domain.Context {
	out := *c
	out.Settings = domain.MergeSettings(c.Settings)
	return &out
}

func (s *Service) invalidate(level domain.ContextLevel, id string, propagate bool) {
	if s.cache != nil {
		s.cache.Invalidate(cache.Key("context", s.userID, id))
		if propagate {
			s.cache.InvalidatePattern("context:" + s.userID + ":*")
		}
	}
	if s.bus != nil {
		_ = cache.PublishInvalidation(s.bus, cache.Invalidation{
			EntityType: "context",
			EntityID:   id,
			Operation:  "update",
			UserID:     s.userID,
			Level:      string(level),
			Propagate:  propagate,
		})
	}
}

// levelAbove reports whether a is a strict ancestor level of b.
func levelAbove(a, b domain.ContextLevel) bool {
	rank := map[domain.ContextLevel]int{
		domain.LevelGlobal:  0,
		domain.LevelProject: 1,
		domain.LevelBranch:  2,
		domain.LevelTask:    3,
	}
	ra, aok := rank[a]
	rb, bok := rank[b]
	return aok && bok && ra < rb
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
func isConflict(err error) bool { return errors.Is(err, domain.ErrConflict) }
