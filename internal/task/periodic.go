// Package task runs cancellable periodic work on its own goroutine.
package task

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Func is one tick of periodic work. Returning false stops the task.
type Func func(ctx context.Context) bool

// Periodic is a running ticker-driven task. It stops when its parent
// context is cancelled, when Stop is called, or when the body returns false.
type Periodic struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start runs fn immediately and then every interval until stopped.
// A panicking tick is logged and the task keeps running.
func Start(parent context.Context, name string, interval time.Duration, fn Func) *Periodic {
	ctx, cancel := context.WithCancel(parent)
	p := &Periodic{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, interval, fn)
	return p
}

func (p *Periodic) run(ctx context.Context, interval time.Duration, fn Func) {
	defer close(p.done)
	defer p.cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.tick(ctx, fn) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Periodic) tick(ctx context.Context, fn Func) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("periodic task panicked",
				"task", p.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			cont = true
		}
	}()
	return fn(ctx)
}

// Name returns the label the task was started with.
func (p *Periodic) Name() string { return p.name }

// Stop cancels the task and waits for the current tick to finish. It must
// not be called from the task body; return false instead.
func (p *Periodic) Stop() {
	p.once.Do(p.cancel)
	<-p.done
}

// Cancel signals the task to stop without waiting.
func (p *Periodic) Cancel() {
	p.once.Do(p.cancel)
}

// Done is closed once the task has exited.
func (p *Periodic) Done() <-chan struct{} { return p.done }
