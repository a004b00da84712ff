package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gatehouse/gatehouse/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(1)

	var received *Event
	sub, err := bus.Subscribe(SubjectApprovalCurrent, func(ctx context.Context, e *Event) error {
		received = e
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("approval.current", "approval", map[string]interface{}{"id": "req-1"})
	if err := bus.Publish(context.Background(), SubjectApprovalCurrent, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitTimeout(t, &wg, time.Second)

	if received == nil || received.ID != event.ID {
		t.Errorf("Expected event %v, got %v", event, received)
	}
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)

	_, err := bus.Subscribe("terminal.>", func(ctx context.Context, e *Event) error {
		count.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = bus.Publish(ctx, SubjectTerminalCreated, NewEvent("created", "terminal", nil))
	_ = bus.Publish(ctx, SubjectTerminalClosed, NewEvent("closed", "terminal", nil))
	_ = bus.Publish(ctx, SubjectApprovalEmpty, NewEvent("empty", "approval", nil))

	waitTimeout(t, &wg, time.Second)

	// Give the non-matching publish a moment to (incorrectly) arrive
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 2 {
		t.Errorf("Expected 2 deliveries, got %d", got)
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(1)

	_, err := bus.Subscribe("approval.*", func(ctx context.Context, e *Event) error {
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = bus.Publish(context.Background(), SubjectApprovalResolved, NewEvent("resolved", "approval", nil))
	waitTimeout(t, &wg, time.Second)
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int32
	sub, err := bus.Subscribe(SubjectCallStarted, func(ctx context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !sub.IsValid() {
		t.Error("Expected subscription to be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	_ = bus.Publish(context.Background(), SubjectCallStarted, NewEvent("started", "tracker", nil))
	time.Sleep(50 * time.Millisecond)

	if got := count.Load(); got != 0 {
		t.Errorf("Expected 0 deliveries after unsubscribe, got %d", got)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}

	if err := bus.Publish(context.Background(), SubjectApprovalEmpty, NewEvent("empty", "approval", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe(SubjectApprovalEmpty, func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for handlers")
	}
}
