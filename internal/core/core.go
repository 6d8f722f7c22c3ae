// Package core wires the orchestration components into one explicit value
// created at startup and passed down, instead of process-wide singletons.
// Tests build an isolated Core per case, which keeps parallel execution
// sound.
package core

import (
	"context"
	"fmt"

	"github.com/OpenSourceWTF/waaah/internal/agent/registry"
	"github.com/OpenSourceWTF/waaah/internal/common/config"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/db"
	"github.com/OpenSourceWTF/waaah/internal/events"
	eventbus "github.com/OpenSourceWTF/waaah/internal/events/bus"
	"github.com/OpenSourceWTF/waaah/internal/orchestrator/poller"
	"github.com/OpenSourceWTF/waaah/internal/orchestrator/scheduler"
	"github.com/OpenSourceWTF/waaah/internal/security"
	"github.com/OpenSourceWTF/waaah/internal/sysprompt"
	"github.com/OpenSourceWTF/waaah/internal/task/repository"
	"github.com/OpenSourceWTF/waaah/internal/task/service"
)

// Core holds every wired component of the orchestration engine.
type Core struct {
	Config    *config.Config
	Logger    *logger.Logger
	Pool      *db.Pool
	Bus       eventbus.EventBus
	Publisher *events.Publisher
	Repo      *repository.Repository
	Registry  *registry.Registry
	Coord     *poller.Coordinator
	Prompts   *sysprompt.Manager
	Screener  *security.Screener
	Lifecycle *service.Service
	Scheduler *scheduler.Scheduler

	cleanups []func() error
}

// New builds the core: database, schema, bus, registry (with seeding),
// coordinator, lifecycle, scheduler. The scheduler is constructed but not
// started; callers decide when ticks begin.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Core, error) {
	c := &Core{Config: cfg, Logger: log}

	pool, dbCleanup, err := db.Provide(cfg, log)
	if err != nil {
		return nil, err
	}
	c.Pool = pool
	c.cleanups = append(c.cleanups, dbCleanup)

	bus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Bus = bus
	c.cleanups = append(c.cleanups, busCleanup)

	c.Repo, err = repository.New(pool)
	if err != nil {
		c.Close()
		return nil, err
	}

	agentStore, err := registry.NewStore(pool)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Registry = registry.New(agentStore, cfg.Polling.HeartbeatDebounceDuration(), log)

	if err := c.Registry.SeedFromFile(ctx, cfg.Seed.AgentsFile); err != nil {
		c.Close()
		return nil, fmt.Errorf("agent seeding failed: %w", err)
	}

	c.Publisher = events.NewPublisher(bus, c.Repo, "core", log)
	c.Coord = poller.New(c.Repo, c.Registry, c.Publisher, log)
	c.Prompts = sysprompt.NewManager(c.Repo, c.Registry, c.Coord, c.Publisher, log)
	c.Coord.SetPromptSource(c.Prompts)
	c.Screener = security.NewScreener(c.Repo, log)
	c.Lifecycle = service.New(c.Repo, c.Registry, c.Coord, c.Publisher, c.Screener, log)
	c.Scheduler = scheduler.New(c.Lifecycle, c.Repo, c.Registry, c.Coord, log, cfg.Scheduler)

	return c, nil
}

// Close releases parked waiters, stops the scheduler if running, and
// closes the bus and database.
func (c *Core) Close() {
	if c.Coord != nil {
		c.Coord.Shutdown()
	}
	if c.Scheduler != nil && c.Scheduler.IsRunning() {
		_ = c.Scheduler.Stop()
	}
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		if err := c.cleanups[i](); err != nil && c.Logger != nil {
			c.Logger.Warn("cleanup failed during shutdown")
		}
	}
	c.cleanups = nil
}
