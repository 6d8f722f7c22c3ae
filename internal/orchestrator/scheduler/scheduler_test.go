package scheduler_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenSourceWTF/waaah/internal/common/config"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/core"
	"github.com/OpenSourceWTF/waaah/internal/task/service"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// newTestCore builds an isolated core with an aggressive scheduler config
// so reservation expiry is observable without waiting 30 seconds.
func newTestCore(t *testing.T) *core.Core {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "waaah.db")
	cfg.Scheduler.AckTimeout = 0
	cfg.Scheduler.LogRetentionDays = 0
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	engine, err := core.New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

// PENDING_ACK expiry and redelivery: a reservation the agent never acks
// reverts to QUEUED on the next tick and the next matching waiter gets it.
func TestTick_ExpiresPendingAck(t *testing.T) {
	engine := newTestCore(t)
	ctx := context.Background()

	_, err := engine.Registry.Register(ctx, v1.AgentRegistration{ID: "agent-a", Capabilities: []string{"code-writing"}})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	_, err = engine.Registry.Register(ctx, v1.AgentRegistration{ID: "agent-b", Capabilities: []string{"code-writing"}})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	result, err := engine.Lifecycle.Enqueue(ctx, service.EnqueueRequest{
		Prompt: "work",
		From:   v1.TaskOrigin{Type: "user", ID: "u1"},
		To:     v1.TaskRouting{RequiredCapabilities: []string{"code-writing"}},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	taskID := result.Task.ID

	// Agent A picks it up and goes silent.
	got, err := engine.Coord.WaitForTask(ctx, "agent-a", []string{"code-writing"}, nil, time.Second)
	if err != nil || got == nil || got.Task == nil {
		t.Fatalf("expected delivery to agent-a, got %+v (%v)", got, err)
	}

	// With AckTimeout=0 the reservation is already expired; one tick
	// reverts it.
	time.Sleep(10 * time.Millisecond)
	engine.Scheduler.Tick(ctx)

	task, err := engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != v1.TaskStatusQueued {
		t.Fatalf("expected QUEUED after expiry, got %s", task.Status)
	}
	if task.PendingAckAgentID != "" || task.AckSentAt != nil {
		t.Errorf("reservation fields not cleared: %+v", task)
	}
	last := task.History[len(task.History)-1]
	if !strings.Contains(last.Message, "ACK timeout from agent-a") {
		t.Errorf("expected ack-timeout history entry, got %q", last.Message)
	}

	// Late ack from the silent agent is now a WrongState duplicate.
	if _, err := engine.Lifecycle.Ack(ctx, taskID, "agent-a"); err == nil {
		t.Error("late ack after expiry must fail")
	}

	// The next matching waiter receives the task.
	redelivered, err := engine.Coord.WaitForTask(ctx, "agent-b", []string{"code-writing"}, nil, time.Second)
	if err != nil || redelivered == nil || redelivered.Task == nil {
		t.Fatalf("expected redelivery to agent-b, got %+v (%v)", redelivered, err)
	}
	if redelivered.Task.ID != taskID {
		t.Errorf("redelivered wrong task: %s", redelivered.Task.ID)
	}
}

// Dependency unblocking is also a scheduler concern, as a backstop for
// completions that happened without the service noticing dependents.
func TestTick_UnblocksDependents(t *testing.T) {
	engine := newTestCore(t)
	ctx := context.Background()

	_, err := engine.Registry.Register(ctx, v1.AgentRegistration{ID: "agent-a", Capabilities: []string{"code-writing"}})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	t1, err := engine.Lifecycle.Enqueue(ctx, service.EnqueueRequest{
		Prompt: "first",
		From:   v1.TaskOrigin{Type: "user", ID: "u1"},
		To:     v1.TaskRouting{RequiredCapabilities: []string{"code-writing"}},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	t2, err := engine.Lifecycle.Enqueue(ctx, service.EnqueueRequest{
		Prompt:       "second",
		From:         v1.TaskOrigin{Type: "user", ID: "u1"},
		To:           v1.TaskRouting{RequiredCapabilities: []string{"code-writing"}},
		Dependencies: []string{t1.Task.ID},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if t2.Task.Status != v1.TaskStatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", t2.Task.Status)
	}

	// Flip T1 to COMPLETED directly in the repository, simulating a
	// completion path that skipped the dependent scan.
	now := time.Now().UTC()
	_, err = engine.Repo.Mutate(ctx, t1.Task.ID, func(task *v1.Task) error {
		task.Status = v1.TaskStatusCompleted
		task.CompletedAt = &now
		task.History = append(task.History, v1.HistoryEntry{Timestamp: now, Status: v1.TaskStatusCompleted})
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	engine.Scheduler.Tick(ctx)

	unblocked, _ := engine.Repo.GetTask(ctx, t2.Task.ID)
	if unblocked.Status != v1.TaskStatusQueued {
		t.Errorf("expected QUEUED after tick, got %s", unblocked.Status)
	}
}

func TestTick_TruncatesOldLogs(t *testing.T) {
	engine := newTestCore(t)
	ctx := context.Background()

	if err := engine.Repo.AppendLog(ctx, "task", "old entry", nil); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	// Retention is zero in this config: anything older than "now" goes.
	time.Sleep(10 * time.Millisecond)
	engine.Scheduler.Tick(ctx)

	entries, err := engine.Repo.ListLogs(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected logs truncated, got %d entries", len(entries))
	}
}

func TestStartStop(t *testing.T) {
	engine := newTestCore(t)
	ctx := context.Background()

	if err := engine.Scheduler.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := engine.Scheduler.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	if !engine.Scheduler.IsRunning() {
		t.Error("expected running")
	}
	if err := engine.Scheduler.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := engine.Scheduler.Stop(); err == nil {
		t.Error("second Stop should fail")
	}
}
