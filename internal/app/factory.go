package app

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/taskmesh/taskmesh/internal/cache"
	"github.com/taskmesh/taskmesh/internal/contexts"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/storage"
)

// Facades bundles every facade bound to one user scope.
type Facades struct {
	UserID   string
	Tasks    *TaskFacade
	Subtasks *SubtaskFacade
	Projects *ProjectFacade
	Branches *BranchFacade
	Contexts *contexts.Service
	Repos    *storage.Repositories
}

// FacadeFactory builds and caches per-user facade bundles. Facades are
// stateless wrappers over scoped repositories, so one bundle per user
// can be shared across requests.
type FacadeFactory struct {
	store  *storage.Factory
	bus    *events.Bus
	cache  *cache.MultiLevel
	logger *slog.Logger

	mu      sync.RWMutex
	bundles map[string]*Facades
}

// NewFacadeFactory creates the factory over the shared infrastructure.
func NewFacadeFactory(store *storage.Factory, bus *events.Bus, mc *cache.MultiLevel, logger *slog.Logger) *FacadeFactory {
	return &FacadeFactory{
		store:   store,
		bus:     bus,
		cache:   mc,
		logger:  logger,
		bundles: make(map[string]*Facades),
	}
}

// For returns the facade bundle for userID, building it on first use.
func (f *FacadeFactory) For(userID string) (*Facades, error) {
	if userID == "" {
		return nil, fmt.Errorf("facade factory: empty user id")
	}
	f.mu.RLock()
	b, ok := f.bundles[userID]
	f.mu.RUnlock()
	if ok {
		return b, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bundles[userID]; ok {
		return b, nil
	}
	repos := f.store.For(userID)
	ctxsvc := contexts.NewService(userID, repos, f.bus, f.cache, f.logger)
	b = &Facades{
		UserID:   userID,
		Tasks:    NewTaskFacade(userID, repos, ctxsvc, f.bus, f.logger),
		Subtasks: NewSubtaskFacade(userID, repos, ctxsvc, f.bus, f.logger),
		Projects: NewProjectFacade(userID, repos, ctxsvc, f.bus, f.logger),
		Branches: NewBranchFacade(userID, repos, ctxsvc, f.bus, f.logger),
		Contexts: ctxsvc,
		Repos:    repos,
	}
	f.bundles[userID] = b
	return b, nil
}

// Evict drops a cached bundle, forcing a rebuild on next use.
func (f *FacadeFactory) Evict(userID string) {
	f.mu.Lock()
	delete(f.bundles, userID)
	f.mu.Unlock()
}

// Size reports the number of cached bundles.
func (f *FacadeFactory) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.bundles)
}
