// Package config contains the hierarchical configuration tree every module, pipeline and output
// reads its settings from.
//
// The tree is made of nodes addressed by slash separated paths ("/mainloop/1/7-FileOutput/").
// Each node holds typed attributes and a set of change listeners. Listeners are called
// synchronously from whichever goroutine changed the attribute, so they are expected to only
// record the change (an atomic store or a queue append) and return.
package config

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrTypeMismatch is returned when an attribute is written with a type other than the one it was
// created with. The stored value is left untouched.
var ErrTypeMismatch = errors.New("attribute type mismatch")

// AttributeType is the type of a node attribute.
type AttributeType int

// The supported attribute types.
const (
	UnknownType AttributeType = iota
	BoolType
	IntType
	LongType
	FloatType
	StringType
)

var attributeTypeNames = map[AttributeType]string{
	BoolType:   "bool",
	IntType:    "int",
	LongType:   "long",
	FloatType:  "float",
	StringType: "string",
}

func (t AttributeType) String() string {
	if name, ok := attributeTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// AttributeTypeFromString parses a type name as written by String.
func AttributeTypeFromString(name string) (AttributeType, error) {
	for t, n := range attributeTypeNames {
		if n == name {
			return t, nil
		}
	}
	return UnknownType, errors.Errorf("unknown attribute type %q", name)
}

// typeOf returns the attribute type of a Go value, normalizing it to the stored representation.
func typeOf(value interface{}) (AttributeType, interface{}, error) {
	switch v := value.(type) {
	case bool:
		return BoolType, v, nil
	case int32:
		return IntType, v, nil
	case int64:
		return LongType, v, nil
	case float64:
		return FloatType, v, nil
	case float32:
		return FloatType, float64(v), nil
	case string:
		return StringType, v, nil
	default:
		return UnknownType, nil, errors.Errorf("unsupported attribute value %v (%T)", value, value)
	}
}

// AttributeEvent is the kind of change a listener is notified about.
type AttributeEvent int

// The attribute change events.
const (
	AttributeAdded AttributeEvent = iota
	AttributeModified
	AttributeRemoved
)

func (e AttributeEvent) String() string {
	switch e {
	case AttributeAdded:
		return "ATTRIBUTE_ADDED"
	case AttributeModified:
		return "ATTRIBUTE_MODIFIED"
	case AttributeRemoved:
		return "ATTRIBUTE_REMOVED"
	default:
		return fmt.Sprintf("AttributeEvent(%d)", int(e))
	}
}

// AttributeListener is called after an attribute of a node changed. For AttributeRemoved, value
// holds the last stored value.
type AttributeListener func(node *Node, event AttributeEvent, key string, typ AttributeType, value interface{})

type attribute struct {
	typ   AttributeType
	value interface{}
}

type listenerEntry struct {
	owner interface{}
	fn    AttributeListener
}

// Change is a recorded attribute change, as delivered to an AttributeListener.
type Change struct {
	Node  *Node
	Event AttributeEvent
	Key   string
	Type  AttributeType
	Value interface{}
}
