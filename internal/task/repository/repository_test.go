package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/db"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

func createTestRepo(t *testing.T) *Repository {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := New(pool)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	return repo
}

func newQueuedTask(id string) *v1.Task {
	return &v1.Task{
		ID:       id,
		Status:   v1.TaskStatusQueued,
		Prompt:   "write the thing",
		Priority: v1.PriorityNormal,
		From:     v1.TaskOrigin{Type: "user", ID: "u1"},
		To:       v1.TaskRouting{RequiredCapabilities: []string{"code-writing"}},
		History: []v1.HistoryEntry{{
			Timestamp: time.Now().UTC(),
			Status:    v1.TaskStatusQueued,
			Message:   "enqueued",
		}},
	}
}

func TestTaskRoundTrip(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	task := newQueuedTask("t1")
	task.Context = map[string]interface{}{"branch": "main"}
	task.Dependencies = []string{"t0"}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := repo.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Prompt != "write the thing" || got.Status != v1.TaskStatusQueued {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Context["branch"] != "main" {
		t.Errorf("context not preserved: %v", got.Context)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "t0" {
		t.Errorf("dependencies not preserved: %v", got.Dependencies)
	}
	if len(got.History) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(got.History))
	}
	if len(got.To.RequiredCapabilities) != 1 {
		t.Errorf("routing not preserved: %+v", got.To)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	repo := createTestRepo(t)
	_, err := repo.GetTask(context.Background(), "missing")
	if !apperrors.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestMutate_AtomicStatusCheck(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	task := newQueuedTask("t1")
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	now := time.Now().UTC()
	updated, err := repo.Mutate(ctx, "t1", func(task *v1.Task) error {
		if task.Status != v1.TaskStatusQueued {
			return apperrors.WrongState("not queued")
		}
		task.Status = v1.TaskStatusPendingAck
		task.PendingAckAgentID = "agent-a"
		task.AckSentAt = &now
		task.History = append(task.History, v1.HistoryEntry{Timestamp: now, Status: v1.TaskStatusPendingAck})
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if updated.Status != v1.TaskStatusPendingAck || updated.PendingAckAgentID != "agent-a" {
		t.Errorf("reservation not applied: %+v", updated)
	}

	// Second reservation attempt: the status check inside the transaction
	// rejects it and the row is untouched.
	_, err = repo.Mutate(ctx, "t1", func(task *v1.Task) error {
		if task.Status != v1.TaskStatusQueued {
			return apperrors.WrongState("not queued")
		}
		task.PendingAckAgentID = "agent-b"
		return nil
	})
	if !apperrors.IsWrongState(err) {
		t.Fatalf("expected WrongState, got %v", err)
	}
	got, _ := repo.GetTask(ctx, "t1")
	if got.PendingAckAgentID != "agent-a" {
		t.Errorf("failed mutation must not write: %+v", got)
	}
	if len(got.History) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(got.History))
	}
}

func TestListTasks_Filters(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	queued := newQueuedTask("t1")
	assigned := newQueuedTask("t2")
	assigned.Status = v1.TaskStatusAssigned
	assigned.AssignedTo = "agent-a"
	workspace := newQueuedTask("t3")
	workspace.To.WorkspaceID = "org/repo"
	for _, task := range []*v1.Task{queued, assigned, workspace} {
		if err := repo.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	byStatus, err := repo.ListByStatus(ctx, v1.TaskStatusQueued)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("expected 2 queued tasks, got %d", len(byStatus))
	}

	byAgent, _ := repo.ListTasks(ctx, TaskFilter{AgentID: "agent-a"})
	if len(byAgent) != 1 || byAgent[0].ID != "t2" {
		t.Errorf("agent filter wrong: %v", byAgent)
	}

	byWorkspace, _ := repo.ListTasks(ctx, TaskFilter{WorkspaceID: "org/repo"})
	if len(byWorkspace) != 1 || byWorkspace[0].ID != "t3" {
		t.Errorf("workspace filter wrong: %v", byWorkspace)
	}

	active, _ := repo.CountActiveByAgent(ctx, "agent-a")
	if active != 1 {
		t.Errorf("expected 1 active task for agent-a, got %d", active)
	}
}

func TestCompletedSet(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	done := newQueuedTask("t1")
	done.Status = v1.TaskStatusCompleted
	pending := newQueuedTask("t2")
	_ = repo.CreateTask(ctx, done)
	_ = repo.CreateTask(ctx, pending)

	completed, err := repo.CompletedSet(ctx, []string{"t1", "t2", "ghost"})
	if err != nil {
		t.Fatalf("CompletedSet failed: %v", err)
	}
	if !completed["t1"] || completed["t2"] || completed["ghost"] {
		t.Errorf("unexpected completed set: %v", completed)
	}

	existing, err := repo.ExistingSet(ctx, []string{"t1", "ghost"})
	if err != nil {
		t.Fatalf("ExistingSet failed: %v", err)
	}
	if !existing["t1"] || existing["ghost"] {
		t.Errorf("unexpected existing set: %v", existing)
	}
}

func TestTaskMessages(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	_ = repo.CreateTask(ctx, newQueuedTask("t1"))
	for _, content := range []string{"first", "second"} {
		if err := repo.AddMessage(ctx, &v1.TaskMessage{TaskID: "t1", Role: "agent", Content: content}); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	messages, err := repo.ListMessages(ctx, "t1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 2 || messages[0].Content != "first" {
		t.Errorf("unexpected messages: %v", messages)
	}
}

func TestSystemPromptPopOrder(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	// Broadcast row first, then an agent-specific one: the agent row is
	// consumed before the older broadcast.
	_ = repo.QueueSystemPrompt(ctx, &v1.SystemPrompt{AgentID: "*", PromptType: "notice", Message: "broadcast"})
	_ = repo.QueueSystemPrompt(ctx, &v1.SystemPrompt{AgentID: "agent-a", PromptType: "notice", Message: "direct"})

	first, err := repo.PopSystemPrompt(ctx, "agent-a")
	if err != nil {
		t.Fatalf("PopSystemPrompt failed: %v", err)
	}
	if first == nil || first.Message != "direct" {
		t.Fatalf("expected agent-specific prompt first, got %+v", first)
	}

	second, _ := repo.PopSystemPrompt(ctx, "agent-a")
	if second == nil || second.Message != "broadcast" {
		t.Fatalf("expected broadcast prompt second, got %+v", second)
	}

	// Consumed at most once.
	third, _ := repo.PopSystemPrompt(ctx, "agent-a")
	if third != nil {
		t.Errorf("expected empty queue, got %+v", third)
	}
}

func TestLogsTruncation(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	if err := repo.AppendLog(ctx, "task", "something happened", map[string]interface{}{"k": "v"}); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}

	entries, err := repo.ListLogs(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Category != "task" {
		t.Fatalf("unexpected entries: %v", entries)
	}

	// A cutoff in the past removes nothing; a future cutoff removes all.
	removed, _ := repo.TruncateLogsBefore(ctx, time.Now().Add(-time.Hour))
	if removed != 0 {
		t.Errorf("expected 0 removed, got %d", removed)
	}
	removed, _ = repo.TruncateLogsBefore(ctx, time.Now().Add(time.Hour))
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
}

func TestSecurityEventPromptTruncation(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	long := make([]byte, 700)
	for i := range long {
		long[i] = 'x'
	}
	event := &v1.SecurityEvent{
		Source: "cli",
		Prompt: string(long),
		Flags:  []string{"instruction-override"},
		Action: v1.SecurityBlocked,
	}
	if err := repo.RecordSecurityEvent(ctx, event); err != nil {
		t.Fatalf("RecordSecurityEvent failed: %v", err)
	}

	events, err := repo.ListSecurityEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if len(events[0].Prompt) != 500 {
		t.Errorf("expected prompt truncated to 500 chars, got %d", len(events[0].Prompt))
	}
	if events[0].Action != v1.SecurityBlocked {
		t.Errorf("unexpected action: %s", events[0].Action)
	}
}
