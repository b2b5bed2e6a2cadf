// Package utils contains helpers shared by the scheduler, the outputs and the configuration
// watcher.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers runs goroutines that all stop together. Output writers, socket accept loops,
// the generator and the configuration watcher each own one.
type StoppableWorkers interface {
	// AddWorkers starts one goroutine per function, unless the group is already stopped.
	AddWorkers(...func(context.Context))
	// Stop cancels the shared context and waits for every goroutine to return.
	Stop()
	// Context is done once Stop is called or the parent context is done.
	Context() context.Context
}

type workerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewStoppableWorkers starts funcs on a group that only Stop cancels.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	return NewStoppableWorkersWithContext(context.Background(), funcs...)
}

// NewStoppableWorkersWithContext starts funcs on a group that is also cancelled with parent.
func NewStoppableWorkersWithContext(parent context.Context, funcs ...func(context.Context)) StoppableWorkers {
	g := &workerGroup{}
	g.ctx, g.cancel = context.WithCancel(parent)
	g.AddWorkers(funcs...)
	return g
}

func (g *workerGroup) AddWorkers(funcs ...func(context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	for _, fn := range funcs {
		g.wg.Add(1)
		// A panic is logged by PanicCapturingGo and ends only that worker.
		goutils.PanicCapturingGo(func() {
			defer g.wg.Done()
			fn(g.ctx)
		})
	}
}

func (g *workerGroup) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
}

func (g *workerGroup) Context() context.Context {
	return g.ctx
}
