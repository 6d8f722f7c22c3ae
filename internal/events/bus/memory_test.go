package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/OpenSourceWTF/waaah/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryBus_SynchronousInOrderDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	ctx := context.Background()

	var received []string
	_, err := b.Subscribe("task", func(ctx context.Context, event *Event) error {
		received = append(received, event.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		event := NewEvent("task", "test", nil)
		event.ID = fmt.Sprintf("evt-%d", i)
		if err := b.Publish(ctx, "task", event); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	// Delivery is synchronous: all events observed before Publish returned.
	if len(received) != 5 {
		t.Fatalf("expected 5 events, got %d", len(received))
	}
	for i, id := range received {
		if want := fmt.Sprintf("evt-%d", i); id != want {
			t.Errorf("event %d: expected %s, got %s", i, want, id)
		}
	}
}

func TestMemoryBus_SubscriberIsolation(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	ctx := context.Background()

	delivered := 0
	_, _ = b.Subscribe("task", func(ctx context.Context, event *Event) error {
		panic("bad subscriber")
	})
	_, _ = b.Subscribe("task", func(ctx context.Context, event *Event) error {
		return fmt.Errorf("failing subscriber")
	})
	_, _ = b.Subscribe("task", func(ctx context.Context, event *Event) error {
		delivered++
		return nil
	})

	if err := b.Publish(ctx, "task", NewEvent("task", "test", nil)); err != nil {
		t.Fatalf("publish must not fail on subscriber errors: %v", err)
	}
	if delivered != 1 {
		t.Errorf("healthy subscriber should still receive the event, got %d deliveries", delivered)
	}
}

func TestMemoryBus_TopicSeparation(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	ctx := context.Background()

	taskEvents, completionEvents := 0, 0
	_, _ = b.Subscribe("task", func(ctx context.Context, event *Event) error {
		taskEvents++
		return nil
	})
	_, _ = b.Subscribe("completion", func(ctx context.Context, event *Event) error {
		completionEvents++
		return nil
	})

	_ = b.Publish(ctx, "task", NewEvent("task", "test", nil))
	_ = b.Publish(ctx, "task", NewEvent("task", "test", nil))
	_ = b.Publish(ctx, "completion", NewEvent("completion", "test", nil))

	if taskEvents != 2 || completionEvents != 1 {
		t.Errorf("expected 2 task / 1 completion, got %d / %d", taskEvents, completionEvents)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	ctx := context.Background()

	count := 0
	sub, _ := b.Subscribe("task", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})

	_ = b.Publish(ctx, "task", NewEvent("task", "test", nil))
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription should be invalid after unsubscribe")
	}
	_ = b.Publish(ctx, "task", NewEvent("task", "test", nil))

	if count != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", count)
	}
}

func TestMemoryBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()
	if b.IsConnected() {
		t.Error("closed bus should not report connected")
	}
	if err := b.Publish(context.Background(), "task", NewEvent("task", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}
