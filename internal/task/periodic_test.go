package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitDone(t *testing.T, p *Periodic) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not exit", p.Name())
	}
}

func TestPeriodic_RunsImmediatelyAndRepeats(t *testing.T) {
	var n atomic.Int32
	p := Start(context.Background(), "counter", 5*time.Millisecond, func(ctx context.Context) bool {
		return n.Add(1) < 3
	})
	waitDone(t, p)
	if got := n.Load(); got != 3 {
		t.Errorf("ticks = %d, want 3", got)
	}
}

func TestPeriodic_StopCancelsContext(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	p := Start(context.Background(), "blocking", time.Hour, func(ctx context.Context) bool {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return true
	})
	<-started
	p.Stop()
	if !sawCancel.Load() {
		t.Error("body did not observe cancellation")
	}
	p.Stop() // second call is a no-op
}

func TestPeriodic_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Start(ctx, "parent", time.Millisecond, func(ctx context.Context) bool { return true })
	cancel()
	waitDone(t, p)
}

func TestPeriodic_RecoversPanic(t *testing.T) {
	var n atomic.Int32
	p := Start(context.Background(), "panicky", time.Millisecond, func(ctx context.Context) bool {
		if n.Add(1) == 1 {
			panic("boom")
		}
		return false
	})
	waitDone(t, p)
	if got := n.Load(); got != 2 {
		t.Errorf("ticks = %d, want 2", got)
	}
}
