package notify

import (
	"context"
	"testing"

	"ReputeFlow-Escrow/internal/escrow"
)

func TestMemorySinkDeliversInOrder(t *testing.T) {
	sink := NewMemorySink(4)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		if err := sink.Publish(ctx, escrow.Event{Kind: escrow.EventProjectCreated, ProjectID: i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		got := <-sink.Events()
		if got.ProjectID != i {
			t.Fatalf("expected project %d, got %d", i, got.ProjectID)
		}
	}
}

func TestMemorySinkOverflowDropsOldest(t *testing.T) {
	sink := NewMemorySink(2)
	ctx := context.Background()

	// No consumer: the third publish must evict the oldest event and return
	// instead of blocking or spinning.
	for i := uint64(1); i <= 3; i++ {
		if err := sink.Publish(ctx, escrow.Event{Kind: escrow.EventProjectCreated, ProjectID: i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	first := <-sink.Events()
	second := <-sink.Events()
	if first.ProjectID != 2 || second.ProjectID != 3 {
		t.Fatalf("expected events 2 and 3 to survive, got %d and %d", first.ProjectID, second.ProjectID)
	}
	select {
	case extra := <-sink.Events():
		t.Fatalf("unexpected extra event %d", extra.ProjectID)
	default:
	}
}

func TestMemorySinkPublishAfterClose(t *testing.T) {
	sink := NewMemorySink(1)
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sink.Publish(context.Background(), escrow.Event{Kind: escrow.EventProjectCreated}); err == nil {
		t.Fatal("expected error after close")
	}
	// Close is idempotent.
	if err := sink.Close(); err != nil {
		t.Fatalf("repeat close: %v", err)
	}
}
