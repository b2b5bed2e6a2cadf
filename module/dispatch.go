package module

import (
	"runtime/debug"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/event"
)

// Initializer is implemented by states that need setup when their instance starts. Returning an
// error keeps the instance stopped and clears its "enabled" attribute.
type Initializer interface {
	Init(inst *Instance) error
}

// Runner is implemented by states doing work every tick.
type Runner[A any] interface {
	Run(inst *Instance, args A)
}

// Configurer is implemented by states reacting to changes of their configuration node. The
// changes are those recorded since the previous Dispatch.
type Configurer interface {
	Config(inst *Instance, changes []config.Change)
}

// Exiter is implemented by states that release resources when their instance stops.
type Exiter interface {
	Exit(inst *Instance)
}

// Resetter is implemented by states that react to a timestamp reset of a source.
type Resetter interface {
	Reset(inst *Instance, source event.SourceID)
}

// Dispatch performs one lifecycle step of inst with a state of type T:
//
//   - stopped, should run: allocate a zeroed T and call Init. On success the instance is running
//     and takes its first steady-state step right away.
//   - running, should run: call Config with pending changes, then Run, then Reset if requested.
//   - running, should stop: call Exit and drop the state.
//   - stopped, should stop: nothing.
//
// Dispatch must not be called concurrently for the same instance. A panic in a callback is
// logged and disables the instance.
func Dispatch[T any, A any](inst *Instance, args A) {
	var stopping bool
	defer func() {
		if r := recover(); r != nil {
			inst.Logger.Errorw("module panicked, disabling it", "panic", r, "stack", string(debug.Stack()))
			if stopping || inst.Status() == StatusStopped {
				inst.state = nil
				inst.status.Store(int32(StatusStopped))
			}
			inst.disable()
		}
	}()

	switch inst.Status() {
	case StatusStopped:
		if !inst.runningIntent.Load() {
			return
		}
		if state, ok := start[T](inst); ok {
			run[A](inst, state, args)
		}
	case StatusRunning:
		state, ok := inst.state.(*T)
		if !ok {
			inst.Logger.Errorw("module state has unexpected type, stopping it", "state", inst.state)
			inst.state = nil
			inst.status.Store(int32(StatusStopped))
			return
		}
		if !inst.runningIntent.Load() {
			stopping = true
			stop(inst, state)
			return
		}
		run[A](inst, state, args)
	}
}

func start[T any](inst *Instance) (*T, bool) {
	state := new(T)
	inst.state = state
	// Init reads the current configuration, anything queued before is already reflected there.
	inst.takeChanges()
	inst.takeReset()

	if initializer, ok := any(state).(Initializer); ok {
		if err := initializer.Init(inst); err != nil {
			inst.Logger.Errorw("failed to initialize module", "error", err)
			inst.state = nil
			inst.disable()
			return nil, false
		}
	}
	inst.status.Store(int32(StatusRunning))
	inst.Logger.Debug("module started")
	return state, true
}

func run[A any, T any](inst *Instance, state *T, args A) {
	if changes := inst.takeChanges(); len(changes) > 0 {
		if configurer, ok := any(state).(Configurer); ok {
			configurer.Config(inst, changes)
		}
	}
	if runner, ok := any(state).(Runner[A]); ok {
		runner.Run(inst, args)
	}
	if source, ok := inst.takeReset(); ok {
		if resetter, ok := any(state).(Resetter); ok {
			resetter.Reset(inst, source)
		}
	}
}

func stop[T any](inst *Instance, state *T) {
	if exiter, ok := any(state).(Exiter); ok {
		exiter.Exit(inst)
	}
	inst.state = nil
	inst.status.Store(int32(StatusStopped))
	inst.Logger.Debug("module stopped")
}

// disable forces the running intent off. The "enabled" attribute is cleared as well so that
// enabling the module again is seen as a change.
func (inst *Instance) disable() {
	inst.runningIntent.Store(false)
	if err := inst.Node.PutBool(EnabledKey, false); err != nil {
		inst.Logger.Warnw("failed to clear enabled attribute", "error", err)
	}
}
