package config

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

type change struct {
	event AttributeEvent
	key   string
	typ   AttributeType
	value interface{}
}

func recordChanges(node *Node, owner interface{}) *[]change {
	var changes []change
	node.AddAttributeListener(owner, func(_ *Node, event AttributeEvent, key string, typ AttributeType, value interface{}) {
		changes = append(changes, change{event, key, typ, value})
	})
	return &changes
}

func TestNodePaths(t *testing.T) {
	tree := NewTree()
	test.That(t, tree.Root().Path(), test.ShouldEqual, "/")

	out := tree.Node("/mainloop/1/7-FileOutput/")
	test.That(t, out.Path(), test.ShouldEqual, "/mainloop/1/7-FileOutput/")
	test.That(t, out.Name(), test.ShouldEqual, "7-FileOutput")
	test.That(t, out.Parent().Path(), test.ShouldEqual, "/mainloop/1/")

	// Get-or-create returns the same node.
	test.That(t, tree.Node("mainloop/1/7-FileOutput"), test.ShouldEqual, out)

	info := out.Child("sourceInfo/")
	test.That(t, info.Path(), test.ShouldEqual, "/mainloop/1/7-FileOutput/sourceInfo/")
	test.That(t, tree.Exists("/mainloop/1/7-FileOutput/sourceInfo/"), test.ShouldBeTrue)
	test.That(t, tree.Exists("/mainloop/2/"), test.ShouldBeFalse)

	_, ok := out.ChildIfExists("missing/")
	test.That(t, ok, test.ShouldBeFalse)

	tree.Node("/mainloop/1/3-Statistics/")
	names := []string{}
	for _, c := range tree.Node("/mainloop/1/").Children() {
		names = append(names, c.Name())
	}
	test.That(t, names, test.ShouldResemble, []string{"3-Statistics", "7-FileOutput"})
}

func TestTypedAttributes(t *testing.T) {
	node := NewTree().Node("/out/")

	test.That(t, node.PutBool("validOnly", true), test.ShouldBeNil)
	test.That(t, node.PutInt("bufferSize", 8192), test.ShouldBeNil)
	test.That(t, node.PutLong("lastTs", 1<<40), test.ShouldBeNil)
	test.That(t, node.PutFloat("rate", 0.5), test.ShouldBeNil)
	test.That(t, node.PutString("prefix", "evflow"), test.ShouldBeNil)

	test.That(t, node.GetBool("validOnly"), test.ShouldBeTrue)
	test.That(t, node.GetInt("bufferSize"), test.ShouldEqual, 8192)
	test.That(t, node.GetLong("lastTs"), test.ShouldEqual, 1<<40)
	test.That(t, node.GetFloat("rate"), test.ShouldEqual, 0.5)
	test.That(t, node.GetString("prefix"), test.ShouldEqual, "evflow")
	test.That(t, node.Keys(), test.ShouldResemble, []string{"bufferSize", "lastTs", "prefix", "rate", "validOnly"})

	// Missing or differently typed attributes read as the zero value.
	test.That(t, node.GetInt("missing"), test.ShouldEqual, 0)
	test.That(t, node.GetInt("validOnly"), test.ShouldEqual, 0)
	test.That(t, node.HasType("bufferSize", IntType), test.ShouldBeTrue)
	test.That(t, node.HasType("bufferSize", LongType), test.ShouldBeFalse)
	test.That(t, node.TypeOf("prefix"), test.ShouldEqual, StringType)

	err := node.Put("unsupported", []int{1})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTypeMismatchKeepsStaleValue(t *testing.T) {
	node := NewTree().Node("/out/")
	test.That(t, node.PutInt("bufferSize", 8192), test.ShouldBeNil)

	err := node.PutString("bufferSize", "big")
	test.That(t, errors.Is(err, ErrTypeMismatch), test.ShouldBeTrue)
	test.That(t, node.GetInt("bufferSize"), test.ShouldEqual, 8192)

	err = node.PutBoolIfAbsent("bufferSize", true)
	test.That(t, errors.Is(err, ErrTypeMismatch), test.ShouldBeTrue)
}

func TestPutIfAbsent(t *testing.T) {
	node := NewTree().Node("/mod/")
	changes := recordChanges(node, t)

	test.That(t, node.PutBoolIfAbsent("runAtStartup", true), test.ShouldBeNil)
	test.That(t, node.PutBoolIfAbsent("runAtStartup", false), test.ShouldBeNil)
	test.That(t, node.GetBool("runAtStartup"), test.ShouldBeTrue)
	test.That(t, *changes, test.ShouldResemble, []change{{AttributeAdded, "runAtStartup", BoolType, true}})
}

func TestListeners(t *testing.T) {
	node := NewTree().Node("/mod/")
	owner := &struct{ id int }{1}
	changes := recordChanges(node, owner)

	test.That(t, node.PutBool("enabled", false), test.ShouldBeNil)
	test.That(t, node.PutBool("enabled", true), test.ShouldBeNil)
	// Unchanged values do not notify.
	test.That(t, node.PutBool("enabled", true), test.ShouldBeNil)
	test.That(t, node.Remove("enabled"), test.ShouldBeTrue)
	test.That(t, node.Remove("enabled"), test.ShouldBeFalse)

	test.That(t, *changes, test.ShouldResemble, []change{
		{AttributeAdded, "enabled", BoolType, false},
		{AttributeModified, "enabled", BoolType, true},
		{AttributeRemoved, "enabled", BoolType, true},
	})

	node.RemoveAttributeListener(owner)
	test.That(t, node.PutBool("enabled", false), test.ShouldBeNil)
	test.That(t, len(*changes), test.ShouldEqual, 3)
}

func TestRemoveChildNotifies(t *testing.T) {
	tree := NewTree()
	node := tree.Node("/mainloop/1/4-Output/")
	test.That(t, node.PutInt("bufferSize", 64), test.ShouldBeNil)
	changes := recordChanges(node, t)

	test.That(t, tree.Node("/mainloop/1/").RemoveChild("4-Output"), test.ShouldBeTrue)
	test.That(t, tree.Exists("/mainloop/1/4-Output/"), test.ShouldBeFalse)
	test.That(t, *changes, test.ShouldResemble, []change{{AttributeRemoved, "bufferSize", IntType, int32(64)}})
}

func TestDecode(t *testing.T) {
	type outputConfig struct {
		ValidOnly      bool   `json:"validOnly"`
		BufferSize     int    `json:"bufferSize"`
		BufferInterval int64  `json:"bufferInterval"`
		Prefix         string `json:"prefix"`
	}

	node := NewTree().Node("/out/")
	test.That(t, node.PutBool("validOnly", true), test.ShouldBeNil)
	test.That(t, node.PutInt("bufferSize", 4096), test.ShouldBeNil)
	test.That(t, node.PutInt("bufferInterval", 10000), test.ShouldBeNil)
	test.That(t, node.PutString("prefix", "run"), test.ShouldBeNil)
	test.That(t, node.PutString("ignored", "x"), test.ShouldBeNil)

	var cfg outputConfig
	test.That(t, node.Decode(&cfg), test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, outputConfig{
		ValidOnly:      true,
		BufferSize:     4096,
		BufferInterval: 10000,
		Prefix:         "run",
	})
}
