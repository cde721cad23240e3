package notify

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishWatch(t *testing.T) {
	b := NewInMemoryBus()
	ctx := context.Background()

	ch, err := b.Watch(ctx, "lock:released:CRQ1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Publish(ctx, "lock:released:CRQ1", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "x" {
			t.Fatalf("unexpected payload %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestInMemoryUnwatchStopsDelivery(t *testing.T) {
	b := NewInMemoryBus()
	ctx := context.Background()

	ch, err := b.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Unwatch(ctx, "k", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unwatch")
	}
	if err := b.Publish(ctx, "k", []byte("y")); err != nil {
		t.Fatalf("publish after unwatch: %v", err)
	}
}

func TestInMemoryWatchRespectsContext(t *testing.T) {
	b := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancel")
		}
	}
}

func TestInMemorySlowWatcherDoesNotBlockPublish(t *testing.T) {
	b := NewInMemoryBus()
	ctx := context.Background()

	if _, err := b.Watch(ctx, "k"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	done := make(chan struct{})
	go func() {
		// Channel buffer is 1; the second publish must drop, not block.
		_ = b.Publish(ctx, "k", []byte("1"))
		_ = b.Publish(ctx, "k", []byte("2"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow watcher")
	}
}
