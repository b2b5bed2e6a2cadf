package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/input"
	"github.com/evflow/evflow/mainloop"
	"github.com/evflow/evflow/module"
	"github.com/evflow/evflow/output"
	"github.com/evflow/evflow/processor"
)

const (
	mainloopPath = "/mainloop/"
	loggerPath   = "/logger/"

	logFileKey  = "logFile"
	logLevelKey = "logLevel"

	defaultPipelineID = 1
	pipelineIdleWait  = 10 * time.Millisecond
)

// stage is one module of the pipelines the command runs, in dispatch order.
type stage struct {
	id           event.SourceID
	name         string
	role         module.Role
	runAtStartup bool
	defaults     func(node *config.Node) error
	dispatch     func(inst *module.Instance, tick *mainloop.Tick)
}

func dispatchInput[T any](inst *module.Instance, tick *mainloop.Tick) {
	module.Dispatch[T](inst, tick)
}

func dispatchOutput[T any](inst *module.Instance, tick *mainloop.Tick) {
	module.Dispatch[T](inst, tick.Container)
}

var stages = []stage{
	{id: 1, name: "FileInput", role: module.RoleInput, dispatch: dispatchInput[input.FileInput]},
	{id: 2, name: "Generator", role: module.RoleInput, runAtStartup: true, dispatch: dispatchInput[input.Generator]},
	{id: 3, name: "Statistics", role: module.RoleProcessor, runAtStartup: true, dispatch: dispatchInput[processor.Statistics]},
	{id: 4, name: "FileOutput", role: module.RoleOutput, defaults: output.SetConfigDefaults, dispatch: dispatchOutput[output.FileOutput]},
	{id: 5, name: "NetTCPServerOutput", role: module.RoleOutput, defaults: output.SetConfigDefaults, dispatch: dispatchOutput[output.NetTCPServerOutput]},
	{id: 6, name: "NetTCPOutput", role: module.RoleOutput, defaults: output.SetConfigDefaults, dispatch: dispatchOutput[output.NetTCPOutput]},
	{id: 7, name: "NetUDPOutput", role: module.RoleOutput, defaults: output.SetConfigDefaults, dispatch: dispatchOutput[output.NetUDPOutput]},
	{id: 8, name: "UnixSocketServerOutput", role: module.RoleOutput, defaults: output.SetConfigDefaults, dispatch: dispatchOutput[output.UnixSocketServerOutput]},
	{id: 9, name: "UnixSocketOutput", role: module.RoleOutput, defaults: output.SetConfigDefaults, dispatch: dispatchOutput[output.UnixSocketOutput]},
}

func stageNodeName(st stage) string {
	return fmt.Sprintf("%d-%s/", st.id, st.name)
}

// applyDefaults fills in what the configuration left out: the default pipeline if there is none,
// and for every pipeline the startup state of its modules.
func applyDefaults(tree *config.Tree) error {
	if len(pipelineIDs(tree)) == 0 {
		tree.Node(mainloopPath + strconv.Itoa(defaultPipelineID) + "/")
	}
	logger := tree.Node(loggerPath)
	errs := multierr.Combine(
		logger.PutStringIfAbsent(logFileKey, ""),
		logger.PutStringIfAbsent(logLevelKey, "info"),
	)
	for _, id := range pipelineIDs(tree) {
		pipeline := tree.Node(mainloopPath + strconv.Itoa(id) + "/")
		for _, st := range stages {
			node := pipeline.Child(stageNodeName(st))
			errs = multierr.Append(errs, node.PutBoolIfAbsent(module.RunAtStartupKey, st.runAtStartup))
			if st.defaults != nil {
				errs = multierr.Append(errs, st.defaults(node))
			}
		}
	}
	return errors.Wrap(errs, "applying defaults")
}

// defaultTree returns the configuration used when none is given.
func defaultTree() (*config.Tree, error) {
	tree := config.NewTree()
	return tree, applyDefaults(tree)
}

// pipelineIDs returns the ids of the pipelines configured under /mainloop/, sorted.
func pipelineIDs(tree *config.Tree) []int {
	if !tree.Exists(mainloopPath) {
		return nil
	}
	var ids []int
	for _, child := range tree.Node(mainloopPath).Children() {
		id, err := strconv.Atoi(strings.TrimSuffix(child.Name(), "/"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// definitions returns one pipeline definition per configured pipeline, all running the stages.
func definitions(tree *config.Tree) []mainloop.Definition {
	ids := pipelineIDs(tree)
	defs := make([]mainloop.Definition, 0, len(ids))
	for _, id := range ids {
		defs = append(defs, mainloop.Definition{
			ID:       id,
			Name:     "pipeline",
			Entry:    runStages,
			IdleWait: pipelineIdleWait,
		})
	}
	return defs
}

// runStages is the entry function of every pipeline: inputs fill a fresh container, the
// statistics look at it and every output gets a copy of it.
func runStages(_ context.Context, ml *mainloop.Mainloop) error {
	tick := ml.NewTick()
	for _, st := range stages {
		st.dispatch(ml.FindModule(st.id, st.name, st.role), tick)
	}
	mainloop.FreeAfterLoop(ml, releaseContainer, tick.Container)
	return nil
}

// releaseContainer drops the packets of a finished tick. Outputs keep their own copies.
func releaseContainer(c *event.Container) {
	for i := 0; i < c.Len(); i++ {
		c.Set(i, nil)
	}
}
