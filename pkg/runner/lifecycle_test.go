package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingDrainer struct {
	drains atomic.Int32
}

func (d *countingDrainer) Drain() error {
	d.drains.Add(1)
	return nil
}

func TestRunDrainsOnCancel(t *testing.T) {
	d := &countingDrainer{}
	started := make(chan struct{})
	r := NewLifecycleRunner(d, Hooks{OnStart: func() { close(started) }}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner never stopped")
	}
	if d.drains.Load() != 1 {
		t.Fatalf("drained %d times, want 1", d.drains.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %d, want stopped", r.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	d := &countingDrainer{}
	r := NewLifecycleRunner(d, Hooks{}, time.Second)

	go func() { _ = r.Run(context.Background()) }()
	for r.State() != StateRunning {
		time.Sleep(time.Millisecond)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if d.drains.Load() != 1 {
		t.Fatalf("drained %d times, want 1", d.drains.Load())
	}
}
