// Package registry owns the set of known agents: identity, declared
// capabilities and workspace, heartbeat timestamps, and eviction flags.
// No other component mutates an agent row.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// Registry is the agent registry. Safe for concurrent use.
type Registry struct {
	store  *Store
	logger *logger.Logger

	// Heartbeat debounce: at most one lastSeen write per agent per window.
	debounce   time.Duration
	beatMu     sync.Mutex
	lastBeatAt map[string]time.Time
}

// New creates a Registry over the given store.
func New(store *Store, debounce time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		store:      store,
		logger:     log.WithFields(zap.String("component", "agent-registry")),
		debounce:   debounce,
		lastBeatAt: make(map[string]time.Time),
	}
}

// Register upserts an agent by id. Idempotent: registering twice leaves the
// registry equivalent to one call. Merges aliases and clears any pending
// eviction flag, so a restarted agent comes back clean.
func (r *Registry) Register(ctx context.Context, reg v1.AgentRegistration) (*v1.Agent, error) {
	id := strings.TrimSpace(reg.ID)
	if id == "" {
		return nil, apperrors.InvalidIdentity("agent id must not be empty")
	}

	agent := &v1.Agent{
		ID:           id,
		DisplayName:  reg.DisplayName,
		Aliases:      reg.Aliases,
		Capabilities: reg.Capabilities,
		Workspace:    reg.Workspace,
		Color:        reg.Color,
		LastSeen:     time.Now().UnixMilli(),
	}
	if agent.DisplayName == "" {
		agent.DisplayName = id
	}

	if err := r.store.Upsert(ctx, agent); err != nil {
		return nil, apperrors.Internal("failed to register agent", err)
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.Strings("capabilities", reg.Capabilities))

	return r.store.Get(ctx, id)
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*v1.Agent, error) {
	return r.store.Get(ctx, id)
}

// GetAll returns every known agent.
func (r *Registry) GetAll(ctx context.Context) ([]*v1.Agent, error) {
	return r.store.List(ctx)
}

// Resolve maps an id, alias, or display name to a canonical agent id.
// Alias matching is case-insensitive.
func (r *Registry) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", apperrors.NotFound("agent", ref)
	}
	if _, err := r.store.Get(ctx, ref); err == nil {
		return ref, nil
	}
	if id, err := r.store.GetByAlias(ctx, ref); err == nil {
		return id, nil
	}
	// Display name is a last resort; first match wins.
	agents, err := r.store.List(ctx)
	if err != nil {
		return "", err
	}
	for _, agent := range agents {
		if strings.EqualFold(agent.DisplayName, ref) {
			return agent.ID, nil
		}
	}
	return "", apperrors.NotFound("agent", ref)
}

// Heartbeat refreshes lastSeen, debounced to one write per agent per
// configured window. Called from every agent-originated operation.
func (r *Registry) Heartbeat(ctx context.Context, id string) {
	now := time.Now()

	r.beatMu.Lock()
	if last, ok := r.lastBeatAt[id]; ok && now.Sub(last) < r.debounce {
		r.beatMu.Unlock()
		return
	}
	r.lastBeatAt[id] = now
	r.beatMu.Unlock()

	if err := r.store.UpdateLastSeen(ctx, id, now.UnixMilli()); err != nil {
		if !apperrors.IsNotFound(err) {
			r.logger.Warn("failed to refresh lastSeen", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// SetWaiting marks the agent as parked in a wait call.
func (r *Registry) SetWaiting(ctx context.Context, id string, since time.Time) error {
	ms := since.UnixMilli()
	return r.store.SetWaitingSince(ctx, id, &ms)
}

// ClearWaiting clears the waiting flag.
func (r *Registry) ClearWaiting(ctx context.Context, id string) error {
	return r.store.SetWaitingSince(ctx, id, nil)
}

// ClearStaleWaiting is the scheduler's safety net for waiting flags left
// behind by a crashed process. Live waiter ids are exempt.
func (r *Registry) ClearStaleWaiting(ctx context.Context, olderThan time.Duration, live []string) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	return r.store.ClearStaleWaiting(ctx, cutoff, live)
}

// RequestEviction marks the agent for eviction. Fails with NotFound for an
// unknown id.
func (r *Registry) RequestEviction(ctx context.Context, id, reason string) error {
	if err := r.store.SetEviction(ctx, id, reason); err != nil {
		return err
	}
	r.logger.Info("eviction requested",
		zap.String("agent_id", id),
		zap.String("reason", reason))
	return nil
}

// ClearEviction clears a pending eviction flag.
func (r *Registry) ClearEviction(ctx context.Context, id string) error {
	return r.store.ClearEviction(ctx, id)
}
