package sysprompt_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenSourceWTF/waaah/internal/common/config"
	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/core"
	"github.com/OpenSourceWTF/waaah/internal/sysprompt"
	"github.com/OpenSourceWTF/waaah/internal/task/service"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

func newTestCore(t *testing.T) *core.Core {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "waaah.db")
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

func registerWithCaps(t *testing.T, engine *core.Core, id string, caps ...string) {
	t.Helper()
	if _, err := engine.Registry.Register(context.Background(), v1.AgentRegistration{
		ID:           id,
		Capabilities: caps,
	}); err != nil {
		t.Fatalf("register %s failed: %v", id, err)
	}
}

// Broadcast with capability filter: only the code-writing agents are
// reached, and each receives the prompt ahead of any task.
func TestBroadcast_CapabilityFilter(t *testing.T) {
	engine := newTestCore(t)
	ctx := context.Background()

	registerWithCaps(t, engine, "a1", "code-writing")
	registerWithCaps(t, engine, "a2", "spec-writing")
	registerWithCaps(t, engine, "a3", "code-writing")

	// A matching task is queued too; the prompt still wins the channel.
	if _, err := engine.Lifecycle.Enqueue(ctx, service.EnqueueRequest{
		Prompt: "real work",
		From:   v1.TaskOrigin{Type: "user", ID: "u1"},
		To:     v1.TaskRouting{RequiredCapabilities: []string{"code-writing"}},
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	count, err := engine.Prompts.Broadcast(ctx, sysprompt.BroadcastRequest{
		PromptType:       "notice",
		Message:          "x",
		TargetCapability: "code-writing",
	})
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected targetCount 2, got %d", count)
	}

	for _, agentID := range []string{"a1", "a3"} {
		got, err := engine.Coord.WaitForTask(ctx, agentID, []string{"code-writing"}, nil, time.Second)
		if err != nil {
			t.Fatalf("wait for %s failed: %v", agentID, err)
		}
		if got == nil || got.SystemPrompt == nil {
			t.Fatalf("expected system prompt for %s before any task, got %+v", agentID, got)
		}
		if got.SystemPrompt.Message != "x" {
			t.Errorf("unexpected prompt for %s: %+v", agentID, got.SystemPrompt)
		}
	}

	// The spec-writing agent got nothing.
	got, err := engine.Coord.WaitForTask(ctx, "a2", []string{"spec-writing"}, nil, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for a2 failed: %v", err)
	}
	if got != nil {
		t.Errorf("a2 should receive neither prompt nor task, got %+v", got)
	}
}

func TestBroadcast_NoMatches(t *testing.T) {
	engine := newTestCore(t)
	registerWithCaps(t, engine, "a1", "code-writing")

	_, err := engine.Prompts.Broadcast(context.Background(), sysprompt.BroadcastRequest{
		PromptType:       "notice",
		Message:          "x",
		TargetCapability: "quantum-computing",
	})
	var appErr *apperrors.AppError
	if err == nil {
		t.Fatal("expected NoMatches")
	}
	if !errors.As(err, &appErr) || appErr.Code != apperrors.ErrCodeNoMatches {
		t.Errorf("expected NO_MATCHES, got %v", err)
	}
}

func TestBroadcast_SpecificTargetByAlias(t *testing.T) {
	engine := newTestCore(t)
	ctx := context.Background()

	if _, err := engine.Registry.Register(ctx, v1.AgentRegistration{
		ID:      "a1",
		Aliases: []string{"alpha"},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	count, err := engine.Prompts.Broadcast(ctx, sysprompt.BroadcastRequest{
		PromptType:    "notice",
		Message:       "direct",
		TargetAgentID: "alpha",
	})
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 target, got %d", count)
	}

	prompt, err := engine.Prompts.Pop(ctx, "a1")
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if prompt == nil || prompt.Message != "direct" {
		t.Errorf("expected the direct prompt, got %+v", prompt)
	}
}

func TestQueue_UnknownAgent(t *testing.T) {
	engine := newTestCore(t)
	err := engine.Prompts.Queue(context.Background(), "ghost", "notice", "x", nil, v1.PriorityNormal)
	if !apperrors.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}
