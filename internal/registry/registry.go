// Package registry caches the per-user secretary instance: the
// resolved configuration, its bound tool set, and the conversation
// state machine. Construction is single-flight per user; idle entries
// are evicted on a sweep, never while a run holds them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/periapt-io/secretary/internal/config"
	"github.com/periapt-io/secretary/internal/conversation"
	"github.com/periapt-io/secretary/internal/directory"
	"github.com/periapt-io/secretary/internal/events"
	"github.com/periapt-io/secretary/internal/facts"
	"github.com/periapt-io/secretary/internal/llm"
	"github.com/periapt-io/secretary/internal/tools"
)

// Instance is everything needed to run a conversation for one user.
type Instance struct {
	Secretary *directory.SecretaryConfig
	Tools     *tools.Registry
	Machine   *conversation.Machine
}

type entry struct {
	instance *Instance
	lastUsed time.Time
	running  int
}

// Registry resolves and caches secretary instances by user id.
type Registry struct {
	dir          directory.Client
	provider     llm.Client
	defaultModel string
	factory      *tools.Factory
	facts        *facts.Provider
	saver        conversation.Saver
	engine       config.EngineConfig
	idleTTL      time.Duration
	bus          *events.Bus
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
}

// New creates a secretary registry. defaultModel is used for
// secretaries whose configuration names no model. saver and bus may
// be nil.
func New(
	dir directory.Client,
	provider llm.Client,
	defaultModel string,
	factory *tools.Factory,
	factsProvider *facts.Provider,
	saver conversation.Saver,
	engine config.EngineConfig,
	cache config.RegistryConfig,
	bus *events.Bus,
	logger *slog.Logger,
) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:          dir,
		provider:     provider,
		defaultModel: defaultModel,
		factory:      factory,
		facts:        factsProvider,
		saver:        saver,
		engine:       engine,
		idleTTL:      cache.IdleTTL(),
		bus:          bus,
		logger:       logger,
		entries:      make(map[string]*entry),
	}
}

// Resolve returns the user's secretary instance, constructing and
// caching it on first use. The returned release function must be
// called when the run finishes; it unpins the entry for eviction.
// Concurrent first-time resolves for one user share a single
// construction.
func (r *Registry) Resolve(ctx context.Context, userID string) (*Instance, func(), error) {
	r.mu.Lock()
	if e, ok := r.entries[userID]; ok {
		e.running++
		e.lastUsed = time.Now()
		r.mu.Unlock()
		return e.instance, r.releaseFunc(userID), nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(userID, func() (any, error) {
		inst, err := r.build(ctx, userID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		// A concurrent Invalidate may have raced the build; the fresh
		// instance still wins because it was fetched after the call.
		r.entries[userID] = &entry{instance: inst, lastUsed: time.Now()}
		r.mu.Unlock()
		return inst, nil
	})
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		// Invalidated between construction and acquisition; reinsert.
		e = &entry{instance: v.(*Instance)}
		r.entries[userID] = e
	}
	e.running++
	e.lastUsed = time.Now()
	r.mu.Unlock()

	return e.instance, r.releaseFunc(userID), nil
}

func (r *Registry) releaseFunc(userID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if e, ok := r.entries[userID]; ok && e.running > 0 {
				e.running--
				e.lastUsed = time.Now()
			}
		})
	}
}

// build fetches the user's assignment and assembles the instance.
func (r *Registry) build(ctx context.Context, userID string) (*Instance, error) {
	secretary, err := r.dir.AssignedSecretary(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve secretary for %s: %w", userID, err)
	}
	if secretary.Model == "" {
		secretary.Model = r.defaultModel
	}

	declared, err := r.dir.DeclaredTools(ctx, secretary.SecretaryID)
	if err != nil {
		return nil, fmt.Errorf("declared tools for %s: %w", secretary.SecretaryID, err)
	}

	reg := r.factory.Build(declared)
	machine := conversation.NewMachine(secretary, r.provider, reg,
		r.facts, r.saver, r.engine, r.bus, r.logger)

	r.logger.Info("secretary instance built",
		"user_id", userID,
		"secretary_id", secretary.SecretaryID,
		"tools", reg.Names())
	r.bus.Publish(events.Event{
		Source: events.SourceRegistry,
		Kind:   events.KindInstanceBuilt,
		Data:   map[string]any{"user_id": userID, "secretary_id": secretary.SecretaryID},
	})

	return &Instance{Secretary: secretary, Tools: reg, Machine: machine}, nil
}

// Invalidate drops a user's cached instance, forcing a fresh build on
// the next resolve. Used when a user's secretary assignment changes.
func (r *Registry) Invalidate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, userID)
}

// Len returns the number of cached instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep evicts entries idle longer than the TTL. Entries with a run in
// progress are never evicted. Returns how many were removed.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	evicted := 0
	for userID, e := range r.entries {
		if e.running > 0 {
			continue
		}
		idle := now.Sub(e.lastUsed)
		if idle < r.idleTTL {
			continue
		}
		delete(r.entries, userID)
		evicted++
		r.logger.Debug("evicted idle secretary instance",
			"user_id", userID, "idle", idle)
		r.bus.Publish(events.Event{
			Source: events.SourceRegistry,
			Kind:   events.KindInstanceEvicted,
			Data:   map[string]any{"user_id": userID, "idle_sec": int(idle.Seconds())},
		})
	}
	return evicted
}

// RunSweeper evicts idle entries on the given interval until ctx is
// cancelled. Intended to run as a goroutine.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
