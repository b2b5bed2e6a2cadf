package config

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Node is one element of the configuration tree. All methods are safe for concurrent use.
type Node struct {
	name   string
	path   string
	parent *Node

	mu         sync.RWMutex
	children   map[string]*Node
	attributes map[string]attribute
	listeners  []listenerEntry
}

func newNode(name string, parent *Node) *Node {
	path := "/"
	if parent != nil {
		path = parent.path + name + "/"
	}
	return &Node{
		name:       name,
		path:       path,
		parent:     parent,
		children:   make(map[string]*Node),
		attributes: make(map[string]attribute),
	}
}

// Name returns the last path component of the node, or "" for the root.
func (n *Node) Name() string {
	return n.name
}

// Path returns the absolute path of the node, always terminated by a slash.
func (n *Node) Path() string {
	return n.path
}

// Parent returns the parent node, or nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// Child returns the node at the given relative path ("sourceInfo/" or "a/b"), creating every
// missing node along the way.
func (n *Node) Child(relPath string) *Node {
	node := n
	for _, name := range splitPath(relPath) {
		node = node.child(name)
	}
	return node
}

// ChildIfExists returns the node at the given relative path if it exists.
func (n *Node) ChildIfExists(relPath string) (*Node, bool) {
	node := n
	for _, name := range splitPath(relPath) {
		node.mu.RLock()
		next, ok := node.children[name]
		node.mu.RUnlock()
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

func (n *Node) child(name string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.children[name]; ok {
		return c
	}
	c := newNode(name, n)
	n.children[name] = c
	return c
}

// Children returns the direct children of the node sorted by name.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	children := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })
	return children
}

// RemoveChild detaches the named child and its subtree. Listeners on the removed nodes are
// notified of the removal of every attribute.
func (n *Node) RemoveChild(name string) bool {
	n.mu.Lock()
	c, ok := n.children[name]
	delete(n.children, name)
	n.mu.Unlock()
	if ok {
		c.clearSubtree()
	}
	return ok
}

func (n *Node) clearSubtree() {
	for _, c := range n.Children() {
		c.clearSubtree()
	}
	for _, key := range n.Keys() {
		n.Remove(key)
	}
}

// Keys returns the attribute keys of the node sorted by name.
func (n *Node) Keys() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	keys := make([]string, 0, len(n.attributes))
	for k := range n.attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether an attribute exists, regardless of its type.
func (n *Node) Has(key string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.attributes[key]
	return ok
}

// HasType reports whether an attribute of the given type exists.
func (n *Node) HasType(key string, typ AttributeType) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	attr, ok := n.attributes[key]
	return ok && attr.typ == typ
}

// TypeOf returns the type of an attribute, or UnknownType if it does not exist.
func (n *Node) TypeOf(key string) AttributeType {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attributes[key].typ
}

// Put stores a value of any supported type. Changing the type of an existing attribute fails with
// ErrTypeMismatch. Listeners are only notified when the stored value actually changes.
func (n *Node) Put(key string, value interface{}) error {
	return n.put(key, value, false)
}

// PutIfAbsent stores a value only if no attribute with that key exists. An existing attribute of
// a different type is reported with ErrTypeMismatch.
func (n *Node) PutIfAbsent(key string, value interface{}) error {
	return n.put(key, value, true)
}

func (n *Node) put(key string, value interface{}, ifAbsent bool) error {
	typ, value, err := typeOf(value)
	if err != nil {
		return err
	}

	n.mu.Lock()
	old, exists := n.attributes[key]
	if exists && old.typ != typ {
		n.mu.Unlock()
		return errors.Wrapf(ErrTypeMismatch, "%s%s is %s, not %s", n.path, key, old.typ, typ)
	}
	if exists && (ifAbsent || old.value == value) {
		n.mu.Unlock()
		return nil
	}
	n.attributes[key] = attribute{typ: typ, value: value}
	listeners := n.listenersLocked()
	n.mu.Unlock()

	event := AttributeAdded
	if exists {
		event = AttributeModified
	}
	for _, l := range listeners {
		l.fn(n, event, key, typ, value)
	}
	return nil
}

// Remove deletes an attribute. Returns whether it existed.
func (n *Node) Remove(key string) bool {
	n.mu.Lock()
	old, exists := n.attributes[key]
	if !exists {
		n.mu.Unlock()
		return false
	}
	delete(n.attributes, key)
	listeners := n.listenersLocked()
	n.mu.Unlock()

	for _, l := range listeners {
		l.fn(n, AttributeRemoved, key, old.typ, old.value)
	}
	return true
}

func (n *Node) listenersLocked() []listenerEntry {
	listeners := make([]listenerEntry, len(n.listeners))
	copy(listeners, n.listeners)
	return listeners
}

// Get returns the raw value of an attribute.
func (n *Node) Get(key string) (interface{}, AttributeType, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	attr, ok := n.attributes[key]
	return attr.value, attr.typ, ok
}

func getTyped[T any](n *Node, key string, typ AttributeType) T {
	var zero T
	n.mu.RLock()
	defer n.mu.RUnlock()
	attr, ok := n.attributes[key]
	if !ok || attr.typ != typ {
		return zero
	}
	return attr.value.(T)
}

// PutBool stores a bool attribute.
func (n *Node) PutBool(key string, value bool) error { return n.Put(key, value) }

// PutInt stores an int attribute.
func (n *Node) PutInt(key string, value int32) error { return n.Put(key, value) }

// PutLong stores a long attribute.
func (n *Node) PutLong(key string, value int64) error { return n.Put(key, value) }

// PutFloat stores a float attribute.
func (n *Node) PutFloat(key string, value float64) error { return n.Put(key, value) }

// PutString stores a string attribute.
func (n *Node) PutString(key, value string) error { return n.Put(key, value) }

// PutBoolIfAbsent stores a bool attribute if it is not set yet.
func (n *Node) PutBoolIfAbsent(key string, value bool) error { return n.PutIfAbsent(key, value) }

// PutIntIfAbsent stores an int attribute if it is not set yet.
func (n *Node) PutIntIfAbsent(key string, value int32) error { return n.PutIfAbsent(key, value) }

// PutLongIfAbsent stores a long attribute if it is not set yet.
func (n *Node) PutLongIfAbsent(key string, value int64) error { return n.PutIfAbsent(key, value) }

// PutFloatIfAbsent stores a float attribute if it is not set yet.
func (n *Node) PutFloatIfAbsent(key string, value float64) error { return n.PutIfAbsent(key, value) }

// PutStringIfAbsent stores a string attribute if it is not set yet.
func (n *Node) PutStringIfAbsent(key, value string) error { return n.PutIfAbsent(key, value) }

// GetBool returns a bool attribute, or false if it is missing or of another type.
func (n *Node) GetBool(key string) bool { return getTyped[bool](n, key, BoolType) }

// GetInt returns an int attribute, or 0 if it is missing or of another type.
func (n *Node) GetInt(key string) int32 { return getTyped[int32](n, key, IntType) }

// GetLong returns a long attribute, or 0 if it is missing or of another type.
func (n *Node) GetLong(key string) int64 { return getTyped[int64](n, key, LongType) }

// GetFloat returns a float attribute, or 0 if it is missing or of another type.
func (n *Node) GetFloat(key string) float64 { return getTyped[float64](n, key, FloatType) }

// GetString returns a string attribute, or "" if it is missing or of another type.
func (n *Node) GetString(key string) string { return getTyped[string](n, key, StringType) }

// AddAttributeListener registers fn to be called on every attribute change of this node. owner
// identifies the listener for RemoveAttributeListener and must be comparable.
func (n *Node) AddAttributeListener(owner interface{}, fn AttributeListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, listenerEntry{owner: owner, fn: fn})
}

// RemoveAttributeListener removes every listener registered by owner.
func (n *Node) RemoveAttributeListener(owner interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.listeners[:0]
	for _, l := range n.listeners {
		if l.owner != owner {
			kept = append(kept, l)
		}
	}
	for i := len(kept); i < len(n.listeners); i++ {
		n.listeners[i] = listenerEntry{}
	}
	n.listeners = kept
}

// Attributes returns a snapshot of all attribute values keyed by name.
func (n *Node) Attributes() map[string]interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	attrs := make(map[string]interface{}, len(n.attributes))
	for k, v := range n.attributes {
		attrs[k] = v.value
	}
	return attrs
}

// Decode decodes the node's attributes into the struct pointed to by out, matching attribute
// keys against json struct tags.
func (n *Node) Decode(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "creating attribute decoder")
	}
	if err := decoder.Decode(n.Attributes()); err != nil {
		return errors.Wrapf(err, "decoding %s", n.path)
	}
	return nil
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	names := parts[:0]
	for _, p := range parts {
		if p != "" {
			names = append(names, p)
		}
	}
	return names
}
