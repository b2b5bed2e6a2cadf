package mainloop

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/logging"
	"github.com/evflow/evflow/module"
)

// SourceInfoNode is the child node, relative to a module node, in which sources publish
// information about their data, e.g. the "dvsSizeX" and "dvsSizeY" geometry.
const SourceInfoNode = "sourceInfo/"

// Mainloop is the control block of one running pipeline. Modules reach it through FromContext.
type Mainloop struct {
	ID   int
	Name string
	Node *config.Node

	scheduler *Scheduler
	def       Definition
	logger    logging.Logger

	modulesMu sync.RWMutex
	modules   map[event.SourceID]*module.Instance

	// only touched by the pipeline goroutine.
	freeList []func()

	stopping      atomic.Bool
	ticks         atomic.Uint64
	dataAvailable atomic.Int64
	wake          chan struct{}
}

func newMainloop(s *Scheduler, def Definition) *Mainloop {
	return &Mainloop{
		ID:        def.ID,
		Name:      def.Name,
		Node:      s.tree.Node("/mainloop/" + strconv.Itoa(def.ID) + "/"),
		scheduler: s,
		def:       def,
		logger:    s.logger.Sublogger(pipelineName(def)),
		modules:   make(map[event.SourceID]*module.Instance),
		wake:      make(chan struct{}, 1),
	}
}

// Tick is what the entry function hands to the modules of one tick: the pipeline they run in and
// the container inputs fill and later modules read.
type Tick struct {
	Mainloop  *Mainloop
	Container *event.Container
}

// NewTick returns a tick of ml with an empty container.
func (ml *Mainloop) NewTick() *Tick {
	return &Tick{Mainloop: ml, Container: event.NewContainer()}
}

type ctxKey struct{}

// NewContext returns a context carrying ml.
func NewContext(ctx context.Context, ml *Mainloop) context.Context {
	return context.WithValue(ctx, ctxKey{}, ml)
}

// FromContext returns the mainloop of the pipeline the context was handed to.
func FromContext(ctx context.Context) (*Mainloop, bool) {
	ml, ok := ctx.Value(ctxKey{}).(*Mainloop)
	return ml, ok
}

// Logger returns the pipeline's logger.
func (ml *Mainloop) Logger() logging.Logger {
	return ml.logger
}

// Ticks returns how many ticks completed.
func (ml *Mainloop) Ticks() uint64 {
	return ml.ticks.Load()
}

func (ml *Mainloop) loop(ctx context.Context) error {
	ctx = NewContext(ctx, ml)
	ml.logger.Infow("pipeline started", "node", ml.Node.Path())

	var err error
	for ml.scheduler.Running() {
		ml.waitForData(ctx)
		if err = ml.tick(ctx); err != nil {
			ml.logger.Errorw("pipeline failed, stopping it", "error", err)
			err = errors.Wrapf(err, "pipeline %s", pipelineName(ml.def))
			break
		}
	}

	ml.shutdown(ctx)
	ml.logger.Info("pipeline stopped")
	return err
}

func (ml *Mainloop) tick(ctx context.Context) error {
	defer ml.drainFreeList()
	defer ml.ticks.Inc()
	return ml.def.Entry(ctx, ml)
}

// shutdown makes every module exit: their intent is forced off and the entry function runs once
// more so that each module is dispatched into its stopped state. Instances are destroyed after.
func (ml *Mainloop) shutdown(ctx context.Context) {
	ml.stopping.Store(true)
	for _, inst := range ml.Modules() {
		inst.RequestStop()
	}
	if err := ml.tick(ctx); err != nil {
		ml.logger.Warnw("error during final tick", "error", err)
	}
	for _, inst := range ml.Modules() {
		if err := inst.Destroy(); err != nil {
			ml.logger.Warnw("module not stopped at shutdown", "module", inst.Name, "error", err)
		}
	}
}

func (ml *Mainloop) waitForData(ctx context.Context) {
	if ml.def.IdleWait <= 0 || ml.dataAvailable.Load() > 0 {
		return
	}
	timer := time.NewTimer(ml.def.IdleWait)
	defer timer.Stop()
	select {
	case <-ml.wake:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (ml *Mainloop) notify() {
	select {
	case ml.wake <- struct{}{}:
	default:
	}
}

// FindModule returns the instance with the given id, creating it under this pipeline's node on
// first use. name and role are only compared against an existing instance for diagnostics.
func (ml *Mainloop) FindModule(id event.SourceID, name string, role module.Role) *module.Instance {
	ml.modulesMu.RLock()
	inst, ok := ml.modules[id]
	ml.modulesMu.RUnlock()
	if ok {
		if inst.Name != name || inst.Role != role {
			ml.logger.Warnw("module found with unexpected identity",
				"id", id, "name", inst.Name, "expectedName", name, "role", inst.Role, "expectedRole", role)
		}
		return inst
	}

	node := ml.Node.Child(fmt.Sprintf("%d-%s/", id, name))
	inst = module.NewInstance(id, name, role, node, ml.logger)
	if ml.stopping.Load() {
		inst.RequestStop()
	}
	ml.modulesMu.Lock()
	ml.modules[id] = inst
	ml.modulesMu.Unlock()
	ml.logger.Debugw("module created", "id", id, "name", name, "role", role)
	return inst
}

// Modules returns the instances of the pipeline sorted by id.
func (ml *Mainloop) Modules() []*module.Instance {
	ml.modulesMu.RLock()
	instances := lo.Values(ml.modules)
	ml.modulesMu.RUnlock()
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances
}

// FreeAfterLoopFunc defers fn until the current tick completed. Must be called from the pipeline
// goroutine.
func (ml *Mainloop) FreeAfterLoopFunc(fn func()) {
	ml.freeList = append(ml.freeList, fn)
}

// FreeAfterLoop defers free(v) until the current tick completed.
func FreeAfterLoop[T any](ml *Mainloop, free func(T), v T) {
	ml.FreeAfterLoopFunc(func() { free(v) })
}

func (ml *Mainloop) drainFreeList() {
	// A free function may defer more work; that work waits for the next tick.
	list := ml.freeList
	ml.freeList = nil
	for i, fn := range list {
		fn()
		list[i] = nil
	}
	if ml.freeList == nil {
		ml.freeList = list[:0]
	}
}

// SourceModule returns the instance registered under the source id.
func (ml *Mainloop) SourceModule(source event.SourceID) (*module.Instance, bool) {
	ml.modulesMu.RLock()
	defer ml.modulesMu.RUnlock()
	inst, ok := ml.modules[source]
	return inst, ok
}

// SourceNode returns the configuration node of the source module, or nil if there is none.
func (ml *Mainloop) SourceNode(source event.SourceID) *config.Node {
	inst, ok := ml.SourceModule(source)
	if !ok {
		ml.logger.Errorw("no module for source", "source", source)
		return nil
	}
	return inst.Node
}

// SourceInfo returns the information node of the source module, or nil if there is none.
func (ml *Mainloop) SourceInfo(source event.SourceID) *config.Node {
	node := ml.SourceNode(source)
	if node == nil {
		return nil
	}
	return node.Child(SourceInfoNode)
}

// SourceState returns the state of the source module, or nil if it does not exist or is stopped.
// Only safe to use from the pipeline goroutine.
func (ml *Mainloop) SourceState(source event.SourceID) interface{} {
	inst, ok := ml.SourceModule(source)
	if !ok {
		ml.logger.Errorw("no module for source", "source", source)
		return nil
	}
	return inst.RawState()
}

// ResetInputs requests a reset from source on every input module.
func (ml *Mainloop) ResetInputs(source event.SourceID) {
	ml.resetRole(module.RoleInput, source)
}

// ResetOutputs requests a reset from source on every output module.
func (ml *Mainloop) ResetOutputs(source event.SourceID) {
	ml.resetRole(module.RoleOutput, source)
}

// ResetProcessors requests a reset from source on every processor module.
func (ml *Mainloop) ResetProcessors(source event.SourceID) {
	ml.resetRole(module.RoleProcessor, source)
}

func (ml *Mainloop) resetRole(role module.Role, source event.SourceID) {
	matching := lo.Filter(ml.Modules(), func(inst *module.Instance, _ int) bool {
		return inst.Role == role
	})
	for _, inst := range matching {
		inst.RequestReset(source)
	}
}

// DataAvailableIncrease records that a source has one more unit of data ready. Safe to call from
// any goroutine.
func (ml *Mainloop) DataAvailableIncrease() {
	if ml.dataAvailable.Inc() == 1 {
		ml.notify()
	}
}

// DataAvailableDecrease records that a unit of data was consumed.
func (ml *Mainloop) DataAvailableDecrease() {
	for {
		v := ml.dataAvailable.Load()
		if v <= 0 || ml.dataAvailable.CompareAndSwap(v, v-1) {
			return
		}
	}
}

// DataAvailable returns the number of units of data waiting to be consumed.
func (ml *Mainloop) DataAvailable() int64 {
	return ml.dataAvailable.Load()
}
