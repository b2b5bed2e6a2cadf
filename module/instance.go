// Package module implements the lifecycle every processing stage goes through.
//
// A stage is any type T whose pointer optionally implements Initializer, Runner, Configurer,
// Exiter and Resetter. Dispatch drives one Instance of such a stage: it allocates a zeroed T when
// the instance starts, calls the callbacks the state implements, and drops the state when the
// instance stops. All callbacks of an instance run on the goroutine calling Dispatch, so the state
// never needs locking. Configuration edits coming from other goroutines only ever touch atomics
// and a change queue that Dispatch drains.
package module

import (
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/logging"
)

// Attribute keys interpreted by the instance itself.
const (
	EnabledKey      = "enabled"
	RunAtStartupKey = "runAtStartup"
	LogLevelKey     = "logLevel"
)

// ErrModuleRunning is returned when destroying an instance that was not stopped first.
var ErrModuleRunning = errors.New("module is still running")

// Status is the observed run state of an instance.
type Status int32

// The instance statuses.
const (
	StatusStopped Status = iota
	StatusRunning
)

func (s Status) String() string {
	if s == StatusRunning {
		return "RUNNING"
	}
	return "STOPPED"
}

// Role describes what a module does in a pipeline. It is used for diagnostics and for resetting
// all modules of one kind.
type Role int

// The module roles.
const (
	RoleUnknown Role = iota
	RoleInput
	RoleOutput
	RoleProcessor
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "INPUT"
	case RoleOutput:
		return "OUTPUT"
	case RoleProcessor:
		return "PROCESSOR"
	case RoleUnknown:
	}
	return "UNKNOWN"
}

const resetRequested = uint32(1) << 31

// Instance is one module in a pipeline: its identity, its configuration node and its lifecycle
// bookkeeping. The state itself is only reachable through State while the instance runs.
type Instance struct {
	ID     event.SourceID
	Name   string
	Role   Role
	Node   *config.Node
	Logger logging.Logger
	// Clock is the time source handed to the state on Init. Replace it before the first Dispatch.
	Clock clock.Clock

	status        atomic.Int32
	runningIntent atomic.Bool
	// low 16 bits: source id, resetRequested bit: pending.
	reset atomic.Uint32

	state interface{}

	changesMu sync.Mutex
	changes   []config.Change
}

// NewInstance creates a stopped instance bound to node. The node's "enabled" attribute defaults
// to "runAtStartup", which itself defaults to true.
func NewInstance(id event.SourceID, name string, role Role, node *config.Node, logger logging.Logger) *Instance {
	inst := &Instance{
		ID:     id,
		Name:   name,
		Role:   role,
		Node:   node,
		Logger: logger.Sublogger(fmt.Sprintf("%d-%s", id, name)),
		Clock:  clock.New(),
	}

	inst.putDefault(node.PutBoolIfAbsent(RunAtStartupKey, true))
	inst.putDefault(node.PutBoolIfAbsent(EnabledKey, node.GetBool(RunAtStartupKey)))
	inst.putDefault(node.PutStringIfAbsent(LogLevelKey, strings.ToLower(inst.Logger.GetLevel().String())))

	inst.runningIntent.Store(node.GetBool(EnabledKey))
	inst.applyLogLevel(node.GetString(LogLevelKey))
	node.AddAttributeListener(inst, inst.onAttributeChange)
	logging.RegisterLogger(node.Path(), inst.Logger)
	// A registry override may have changed the level; keep the leaf showing the effective one.
	if effective := strings.ToLower(inst.Logger.GetLevel().String()); effective != node.GetString(LogLevelKey) {
		inst.putDefault(node.PutString(LogLevelKey, effective))
	}
	return inst
}

func (inst *Instance) putDefault(err error) {
	if err != nil {
		inst.Logger.Warnw("keeping existing attribute", "node", inst.Node.Path(), "error", err)
	}
}

func (inst *Instance) onAttributeChange(
	_ *config.Node, ev config.AttributeEvent, key string, typ config.AttributeType, value interface{},
) {
	switch key {
	case EnabledKey:
		if typ != config.BoolType {
			return
		}
		inst.runningIntent.Store(ev != config.AttributeRemoved && value.(bool))
	case LogLevelKey:
		if typ == config.StringType && ev != config.AttributeRemoved {
			inst.applyLogLevel(value.(string))
		}
	case RunAtStartupKey:
	default:
		inst.changesMu.Lock()
		inst.changes = append(inst.changes, config.Change{Node: inst.Node, Event: ev, Key: key, Type: typ, Value: value})
		inst.changesMu.Unlock()
	}
}

func (inst *Instance) applyLogLevel(levelStr string) {
	level, err := logging.LevelFromString(levelStr)
	if err != nil {
		inst.Logger.Warnw("ignoring invalid log level", "level", levelStr, "error", err)
		return
	}
	inst.Logger.SetLevel(level)
}

// takeChanges hands over the queued configuration changes.
func (inst *Instance) takeChanges() []config.Change {
	inst.changesMu.Lock()
	defer inst.changesMu.Unlock()
	changes := inst.changes
	inst.changes = nil
	return changes
}

// Status returns the observed status. Only Dispatch changes it.
func (inst *Instance) Status() Status {
	return Status(inst.status.Load())
}

// RunningIntent reports whether the instance is configured to run.
func (inst *Instance) RunningIntent() bool {
	return inst.runningIntent.Load()
}

// SetEnabled writes the "enabled" attribute, which in turn drives the running intent.
func (inst *Instance) SetEnabled(enabled bool) error {
	return inst.Node.PutBool(EnabledKey, enabled)
}

// RequestStop forces the running intent off without touching the "enabled" attribute, so a saved
// configuration still starts the module next time. Used at shutdown.
func (inst *Instance) RequestStop() {
	inst.runningIntent.Store(false)
}

// RequestReset asks the instance to run its Reset callback at the end of its next Dispatch. A
// later request replaces an earlier pending one.
func (inst *Instance) RequestReset(source event.SourceID) {
	inst.reset.Store(uint32(uint16(source)) | resetRequested)
}

func (inst *Instance) takeReset() (event.SourceID, bool) {
	v := inst.reset.Swap(0)
	if v&resetRequested == 0 {
		return 0, false
	}
	return event.SourceID(int16(uint16(v))), true
}

// State returns the state of a running instance, or nil if it is stopped or of another type.
func State[T any](inst *Instance) *T {
	state, _ := inst.state.(*T)
	return state
}

// RawState returns the state of a running instance without knowing its type.
func (inst *Instance) RawState() interface{} {
	return inst.state
}

// Destroy detaches the instance from its node. The instance must be stopped.
func (inst *Instance) Destroy() error {
	if inst.Status() != StatusStopped {
		return errors.Wrapf(ErrModuleRunning, "destroying %d-%s", inst.ID, inst.Name)
	}
	inst.Node.RemoveAttributeListener(inst)
	logging.DeregisterLogger(inst.Node.Path())
	return nil
}
