package pipeline

import (
	"context"
)

// EngineGate bounds how many request pipelines may hold the inference
// engines at once. The LLM and TTS backends share a single GPU in the
// default deployment, so the gate admits one request end to end; when
// the engines run on isolated hardware the capacity is raised to the
// configured concurrency.
type EngineGate struct {
	slots chan struct{}
}

// NewEngineGate creates a gate admitting up to capacity concurrent
// pipelines. Capacity below 1 is treated as 1.
func NewEngineGate(capacity int) *EngineGate {
	if capacity < 1 {
		capacity = 1
	}
	return &EngineGate{
		slots: make(chan struct{}, capacity),
	}
}

// Acquire blocks until a slot is free or ctx is done. Callers that
// acquire a slot must release it exactly once.
func (g *EngineGate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (g *EngineGate) Release() {
	<-g.slots
}

// Capacity reports the maximum number of concurrent pipelines.
func (g *EngineGate) Capacity() int {
	return cap(g.slots)
}

// InUse reports how many slots are currently held.
func (g *EngineGate) InUse() int {
	return len(g.slots)
}
