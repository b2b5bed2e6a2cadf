// Package mainloop runs pipelines of modules.
//
// A Scheduler owns a set of Mainloops, one per pipeline Definition. Each Mainloop runs on its own
// goroutine and repeatedly calls its definition's entry function, which dispatches the pipeline's
// modules in a fixed order. After every call the functions deferred with FreeAfterLoop run, so
// data produced early in a tick stays valid for every module of that same tick.
package mainloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/logging"
)

// RunningKey is the root attribute mirroring the scheduler's running flag. Setting it to false
// stops the scheduler.
const RunningKey = "running"

// Definition describes one pipeline.
type Definition struct {
	ID   int
	Name string
	// Entry dispatches the modules of the pipeline once. An error stops the pipeline.
	Entry func(ctx context.Context, ml *Mainloop) error
	// IdleWait, if positive, is how long a tick may wait for data to become available when no
	// module reported any.
	IdleWait time.Duration
}

// Scheduler runs pipelines until stopped.
type Scheduler struct {
	tree   *config.Tree
	logger logging.Logger

	running atomic.Bool

	mu        sync.Mutex
	mainloops []*Mainloop
}

// NewScheduler returns a scheduler reading its configuration from tree.
func NewScheduler(tree *config.Tree, logger logging.Logger) *Scheduler {
	return &Scheduler{tree: tree, logger: logger}
}

// Run starts one goroutine per definition and blocks until all of them finished, which happens
// after Stop is called, ctx is done or every pipeline failed. The returned error combines the
// errors of failed pipelines.
func (s *Scheduler) Run(ctx context.Context, defs ...Definition) error {
	if len(defs) == 0 {
		return errors.New("no pipeline to run")
	}
	mainloops := make([]*Mainloop, 0, len(defs))
	seen := make(map[int]struct{}, len(defs))
	for _, def := range defs {
		if def.Entry == nil {
			return errors.Errorf("pipeline %d-%s has no entry function", def.ID, def.Name)
		}
		if _, ok := seen[def.ID]; ok {
			return errors.Errorf("duplicate pipeline id %d", def.ID)
		}
		seen[def.ID] = struct{}{}
		mainloops = append(mainloops, newMainloop(s, def))
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler is already running")
	}

	root := s.tree.Root()
	if err := root.PutBool(RunningKey, true); err != nil {
		s.logger.Warnw("cannot publish running flag", "error", err)
	}
	root.AddAttributeListener(s, func(_ *config.Node, ev config.AttributeEvent, key string, typ config.AttributeType, value interface{}) {
		if key == RunningKey && typ == config.BoolType && (ev == config.AttributeRemoved || !value.(bool)) {
			s.Stop()
		}
	})
	defer root.RemoveAttributeListener(s)

	s.mu.Lock()
	s.mainloops = mainloops
	s.mu.Unlock()

	stopOnDone := make(chan struct{})
	defer close(stopOnDone)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopOnDone:
		}
	}()

	s.logger.Infow("starting pipelines", "count", len(mainloops))
	var group errgroup.Group
	errs := make([]error, len(mainloops))
	for i, ml := range mainloops {
		group.Go(func() error {
			errs[i] = ml.loop(ctx)
			return nil
		})
	}
	//nolint:errcheck
	group.Wait()
	s.running.Store(false)
	s.logger.Info("all pipelines stopped")
	return multierr.Combine(errs...)
}

// Stop clears the running flag. Pipelines finish their current tick, shut their modules down and
// return.
func (s *Scheduler) Stop() {
	if s.running.CompareAndSwap(true, false) {
		s.logger.Info("stopping pipelines")
		if err := s.tree.Root().PutBool(RunningKey, false); err != nil {
			s.logger.Warnw("cannot publish running flag", "error", err)
		}
		for _, ml := range s.Mainloops() {
			ml.notify()
		}
	}
}

// Running reports whether the scheduler is running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Mainloops returns the pipelines of the current or last Run.
func (s *Scheduler) Mainloops() []*Mainloop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Mainloop(nil), s.mainloops...)
}

// Mainloop returns the pipeline with the given id.
func (s *Scheduler) Mainloop(id int) (*Mainloop, bool) {
	for _, ml := range s.Mainloops() {
		if ml.ID == id {
			return ml, true
		}
	}
	return nil, false
}

func pipelineName(def Definition) string {
	return fmt.Sprintf("%d-%s", def.ID, def.Name)
}
