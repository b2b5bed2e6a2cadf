package input

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/event"
	"github.com/evflow/evflow/logging"
	"github.com/evflow/evflow/mainloop"
	"github.com/evflow/evflow/module"
	"github.com/evflow/evflow/output"
)

const (
	inputID event.SourceID = 1
	tapID event.SourceID = 2
)

// collected is what the tap processor saw during one pipeline run.
type collected struct {
	containers [][]*event.Packet
	resets     []event.SourceID
	geometry   Geometry
	hasGeo     bool
}

var seen *collected

type tap struct{}

func (p *tap) Run(_ *module.Instance, tick *mainloop.Tick) {
	seen.containers = append(seen.containers, tick.Container.Packets())
	if !seen.hasGeo {
		seen.geometry, seen.hasGeo = ReadGeometry(tick.Mainloop, inputID)
	}
}

func (p *tap) Reset(_ *module.Instance, source event.SourceID) {
	seen.resets = append(seen.resets, source)
}

// runPipeline dispatches the input of type T followed by the tap until done reports true or the
// input stopped.
func runPipeline[T any](t *testing.T, tree *config.Tree, name string, idleWait time.Duration, done func() bool) *mainloop.Scheduler {
	t.Helper()
	return runPipelineWith[T](t, tree, name, idleWait, nil, done)
}

// runPipelineWith is runPipeline calling before on the input ahead of every Dispatch.
func runPipelineWith[T any](
	t *testing.T, tree *config.Tree, name string, idleWait time.Duration,
	before func(in *module.Instance, ticks uint64), done func() bool,
) *mainloop.Scheduler {
	t.Helper()
	seen = &collected{}
	s := mainloop.NewScheduler(tree, logging.NewTestLogger(t))
	entry := func(ctx context.Context, ml *mainloop.Mainloop) error {
		tick := ml.NewTick()
		in := ml.FindModule(inputID, name, module.RoleInput)
		if before != nil {
			before(in, ml.Ticks())
		}
		module.Dispatch[T](in, tick)
		module.Dispatch[tap](ml.FindModule(tapID, "Tap", module.RoleProcessor), tick)
		if in.Status() == module.StatusStopped || done() {
			s.Stop()
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.Run(ctx, mainloop.Definition{ID: 1, Name: "test", Entry: entry, IdleWait: idleWait})
	test.That(t, err, test.ShouldBeNil)
	return s
}

func inputNode(tree *config.Tree, name string) *config.Node {
	return tree.Node("/mainloop/1/1-" + name + "/")
}

func writeRecording(t *testing.T, packets ...*event.Packet) string {
	t.Helper()
	data := output.StreamHeader{Version: output.StreamVersion, Format: output.FormatRaw, Source: 9}.AppendBinary(nil)
	for _, p := range packets {
		data = output.AppendPacket(data, p)
	}
	path := filepath.Join(t.TempDir(), "recording.aedat")
	test.That(t, os.WriteFile(path, data, 0o600), test.ShouldBeNil)
	return path
}

func polarityPacket(t *testing.T, timestamps ...int64) *event.Packet {
	t.Helper()
	p := event.NewPacket(event.Polarity, 9, event.PolaritySize, len(timestamps))
	for i, ts := range timestamps {
		test.That(t, p.Append(ts, true, event.PolarityData(uint16(i), 1, true)), test.ShouldBeNil)
	}
	return p
}

func firstTimestamps(packets []*event.Packet) []int64 {
	ts := make([]int64, 0, len(packets))
	for _, p := range packets {
		ts = append(ts, p.FirstTimestamp())
	}
	return ts
}

func TestFileInputReplay(t *testing.T) {
	path := writeRecording(t,
		polarityPacket(t, 0, 5),
		polarityPacket(t, 3),
		event.NewPacket(event.Polarity, 9, event.PolaritySize, 0),
		polarityPacket(t, 12, 13),
		polarityPacket(t, 25),
	)
	tree := config.NewTree()
	node := inputNode(tree, "FileInput")
	test.That(t, node.PutString(FilePathKey, path), test.ShouldBeNil)
	test.That(t, node.PutInt(SizeXKey, 346), test.ShouldBeNil)
	test.That(t, node.PutInt(SizeYKey, 260), test.ShouldBeNil)

	runPipeline[FileInput](t, tree, "FileInput", 0, func() bool { return false })

	test.That(t, node.GetInt(PacketIntervalKey), test.ShouldEqual, DefaultPacketInterval)
	test.That(t, node.GetBool(module.EnabledKey), test.ShouldBeFalse)
	test.That(t, seen.hasGeo, test.ShouldBeTrue)
	test.That(t, seen.geometry, test.ShouldResemble, Geometry{SizeX: 346, SizeY: 260})
	test.That(t, seen.resets, test.ShouldBeEmpty)

	// The default interval puts everything in the first tick.
	var all []*event.Packet
	for _, c := range seen.containers {
		all = append(all, c...)
	}
	test.That(t, firstTimestamps(all), test.ShouldResemble, []int64{0, 3, 12, 25})
	for _, p := range all {
		test.That(t, p.Source, test.ShouldEqual, inputID)
	}
}

func TestFileInputPacketInterval(t *testing.T) {
	path := writeRecording(t,
		polarityPacket(t, 0, 5),
		polarityPacket(t, 3),
		polarityPacket(t, 12, 13),
		polarityPacket(t, 25),
	)
	tree := config.NewTree()
	node := inputNode(tree, "FileInput")
	test.That(t, node.PutString(FilePathKey, path), test.ShouldBeNil)
	test.That(t, node.PutInt(PacketIntervalKey, 10), test.ShouldBeNil)

	runPipeline[FileInput](t, tree, "FileInput", 0, func() bool { return false })

	var slices [][]int64
	for _, c := range seen.containers {
		if len(c) > 0 {
			slices = append(slices, firstTimestamps(c))
		}
	}
	test.That(t, slices, test.ShouldResemble, [][]int64{{0, 3}, {12}, {25}})
}

func TestFileInputLoop(t *testing.T) {
	path := writeRecording(t, polarityPacket(t, 0), polarityPacket(t, 50))
	tree := config.NewTree()
	node := inputNode(tree, "FileInput")
	test.That(t, node.PutString(FilePathKey, path), test.ShouldBeNil)
	test.That(t, node.PutInt(PacketIntervalKey, 10), test.ShouldBeNil)
	test.That(t, node.PutBool(LoopKey, true), test.ShouldBeNil)

	runPipeline[FileInput](t, tree, "FileInput", 0, func() bool { return len(seen.resets) >= 2 })

	test.That(t, seen.resets, test.ShouldResemble, []event.SourceID{inputID, inputID})
	var replayed []int64
	for _, c := range seen.containers {
		replayed = append(replayed, firstTimestamps(c)...)
	}
	test.That(t, replayed, test.ShouldResemble, []int64{0, 50, 0, 50})
}

func TestFileInputErrors(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		inst := module.NewInstance(inputID, "FileInput", module.RoleInput,
			config.NewTree().Node("/mainloop/1/1-FileInput/"), logging.NewTestLogger(t))
		module.Dispatch[FileInput](inst, (*mainloop.Tick)(nil))
		test.That(t, inst.Status(), test.ShouldEqual, module.StatusStopped)
		test.That(t, inst.Node.GetBool(module.EnabledKey), test.ShouldBeFalse)
		test.That(t, inst.Node.GetString(FilePathKey), test.ShouldEqual, "")
	})

	t.Run("not a recording", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk")
		test.That(t, os.WriteFile(path, []byte("definitely not an event stream"), 0o600), test.ShouldBeNil)
		node := config.NewTree().Node("/mainloop/1/1-FileInput/")
		test.That(t, node.PutString(FilePathKey, path), test.ShouldBeNil)
		logger, logs := logging.NewObservedTestLogger(t)
		inst := module.NewInstance(inputID, "FileInput", module.RoleInput, node, logger)
		module.Dispatch[FileInput](inst, (*mainloop.Tick)(nil))
		test.That(t, inst.Status(), test.ShouldEqual, module.StatusStopped)
		failures := logs.FilterMessageSnippet("failed to initialize").All()
		test.That(t, failures, test.ShouldHaveLength, 1)
		test.That(t, failures[0].ContextMap()["error"], test.ShouldContainSubstring, output.ErrBadMagic.Error())
	})

	t.Run("bad geometry", func(t *testing.T) {
		node := config.NewTree().Node("/mainloop/1/1-FileInput/")
		test.That(t, node.PutString(FilePathKey, writeRecording(t)), test.ShouldBeNil)
		test.That(t, node.PutInt(SizeXKey, -1), test.ShouldBeNil)
		inst := module.NewInstance(inputID, "FileInput", module.RoleInput, node, logging.NewTestLogger(t))
		module.Dispatch[FileInput](inst, (*mainloop.Tick)(nil))
		test.That(t, inst.Status(), test.ShouldEqual, module.StatusStopped)
	})
}

func countPolarity(containers [][]*event.Packet) int {
	n := 0
	for _, c := range containers {
		for _, p := range c {
			if p.Type == event.Polarity {
				n += p.Len()
			}
		}
	}
	return n
}

func TestGenerator(t *testing.T) {
	tree := config.NewTree()
	node := inputNode(tree, "Generator")
	test.That(t, node.PutInt(EventsPerSecondKey, 20000), test.ShouldBeNil)
	test.That(t, node.PutInt(BatchIntervalKey, 1000), test.ShouldBeNil)
	test.That(t, node.PutInt(SizeXKey, 32), test.ShouldBeNil)
	test.That(t, node.PutInt(SizeYKey, 16), test.ShouldBeNil)

	s := runPipeline[Generator](t, tree, "Generator", 5*time.Millisecond, func() bool {
		return countPolarity(seen.containers) >= 200
	})
	ml, ok := s.Mainloop(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, ml.DataAvailable(), test.ShouldEqual, 0)

	test.That(t, seen.geometry, test.ShouldResemble, Geometry{SizeX: 32, SizeY: 16})
	test.That(t, len(seen.containers), test.ShouldBeGreaterThan, 0)
	first := seen.containers[0]
	test.That(t, len(first), test.ShouldBeGreaterThan, 0)
	test.That(t, first[0].Type, test.ShouldEqual, event.Special)
	test.That(t, first[0].FirstTimestamp(), test.ShouldEqual, 0)
	test.That(t, first[0].Event(0).Data, test.ShouldResemble, []byte{event.SpecialTimestampReset})

	var last int64
	specials := 0
	for _, c := range seen.containers {
		for _, p := range c {
			test.That(t, p.Source, test.ShouldEqual, inputID)
			if p.Type == event.Special {
				specials++
				continue
			}
			test.That(t, p.Len(), test.ShouldEqual, 20)
			for _, e := range p.Events() {
				test.That(t, e.Timestamp, test.ShouldBeGreaterThanOrEqualTo, last)
				last = e.Timestamp
				x, y, _, err := event.ParsePolarity(e.Data)
				test.That(t, err, test.ShouldBeNil)
				test.That(t, x, test.ShouldBeLessThan, 32)
				test.That(t, y, test.ShouldBeLessThan, 16)
			}
		}
	}
	test.That(t, specials, test.ShouldEqual, 1)
	test.That(t, countPolarity(seen.containers), test.ShouldBeGreaterThanOrEqualTo, 200)
}

func TestGeneratorMockClock(t *testing.T) {
	tree := config.NewTree()
	node := inputNode(tree, "Generator")
	test.That(t, node.PutInt(EventsPerSecondKey, 10000), test.ShouldBeNil)
	test.That(t, node.PutInt(BatchIntervalKey, 2000), test.ShouldBeNil)

	mock := clock.NewMock()
	runPipelineWith[Generator](t, tree, "Generator", time.Millisecond, func(in *module.Instance, ticks uint64) {
		if ticks == 0 {
			in.Clock = mock
			return
		}
		// One batch interval of simulated time per tick.
		mock.Add(2 * time.Millisecond)
	}, func() bool {
		return countPolarity(seen.containers) >= 100
	})

	// Timestamps follow the simulated time, batches end on a 2ms boundary.
	var batches int
	for _, c := range seen.containers {
		for _, p := range c {
			if p.Type != event.Polarity {
				continue
			}
			batches++
			test.That(t, p.Len(), test.ShouldEqual, 20)
			test.That(t, p.LastTimestamp()%2000, test.ShouldEqual, 0)
			test.That(t, p.FirstTimestamp()%100, test.ShouldEqual, 0)
		}
	}
	test.That(t, batches, test.ShouldBeGreaterThanOrEqualTo, 5)
}

func TestGeneratorInvalidConfig(t *testing.T) {
	node := config.NewTree().Node("/mainloop/1/1-Generator/")
	test.That(t, node.PutInt(EventsPerSecondKey, 0), test.ShouldBeNil)
	inst := module.NewInstance(inputID, "Generator", module.RoleInput, node, logging.NewTestLogger(t))
	module.Dispatch[Generator](inst, (*mainloop.Tick)(nil))
	test.That(t, inst.Status(), test.ShouldEqual, module.StatusStopped)
	test.That(t, node.GetInt(BatchIntervalKey), test.ShouldEqual, DefaultBatchInterval)
}
