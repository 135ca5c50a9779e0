package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEngineGate_AcquireRelease(t *testing.T) {
	g := NewEngineGate(2)

	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Expected first acquire to succeed, got %v", err)
	}
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Expected second acquire to succeed, got %v", err)
	}
	if g.InUse() != 2 {
		t.Errorf("Expected 2 slots in use, got %d", g.InUse())
	}

	// Gate is full, third acquire must time out
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := g.Acquire(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error on full gate, got %v", err)
	}

	g.Release()
	if err := g.Acquire(ctx); err != nil {
		t.Errorf("Expected acquire after release to succeed, got %v", err)
	}
}

func TestEngineGate_MinimumCapacity(t *testing.T) {
	g := NewEngineGate(0)
	if g.Capacity() != 1 {
		t.Errorf("Expected capacity 1 for zero config, got %d", g.Capacity())
	}

	g = NewEngineGate(-3)
	if g.Capacity() != 1 {
		t.Errorf("Expected capacity 1 for negative config, got %d", g.Capacity())
	}
}

func TestEngineGate_CanceledContext(t *testing.T) {
	g := NewEngineGate(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Expected acquire to succeed, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled on canceled acquire, got %v", err)
	}
	if g.InUse() != 1 {
		t.Errorf("Expected 1 slot in use after failed acquire, got %d", g.InUse())
	}
}
