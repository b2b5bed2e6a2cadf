package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Tree is a configuration tree rooted at "/".
type Tree struct {
	root *Node
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{root: newNode("", nil)}
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.root
}

// Node returns the node at an absolute path, creating it if needed.
func (t *Tree) Node(path string) *Node {
	return t.root.Child(path)
}

// Exists reports whether a node exists at the absolute path.
func (t *Tree) Exists(path string) bool {
	_, ok := t.root.ChildIfExists(path)
	return ok
}

type attributeJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type nodeJSON struct {
	Attributes map[string]attributeJSON `json:"attributes,omitempty"`
	Children   map[string]*nodeJSON     `json:"children,omitempty"`
}

func snapshot(n *Node) (*nodeJSON, error) {
	out := &nodeJSON{}
	for _, key := range n.Keys() {
		value, typ, ok := n.Get(key)
		if !ok {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s%s", n.path, key)
		}
		if out.Attributes == nil {
			out.Attributes = make(map[string]attributeJSON)
		}
		out.Attributes[key] = attributeJSON{Type: typ.String(), Value: raw}
	}
	for _, c := range n.Children() {
		child, err := snapshot(c)
		if err != nil {
			return nil, err
		}
		if out.Children == nil {
			out.Children = make(map[string]*nodeJSON)
		}
		out.Children[c.name] = child
	}
	return out, nil
}

// Save writes the whole tree as indented JSON.
func (t *Tree) Save(w io.Writer) error {
	snap, err := snapshot(t.root)
	if err != nil {
		return err
	}
	md, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(md, '\n'))
	return err
}

// SaveFile writes the tree to path, replacing any existing file.
func (t *Tree) SaveFile(path string) (err error) {
	var buf bytes.Buffer
	if err := t.Save(&buf); err != nil {
		return err
	}
	//nolint:gosec
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	_, err = f.Write(buf.Bytes())
	return err
}

// Load merges a JSON document written by Save into the tree. Existing attributes not present in
// the document are left alone, and listeners only fire for values that changed. Every attribute
// is attempted; the returned error combines all failures.
func (t *Tree) Load(r io.Reader) error {
	var snap nodeJSON
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return errors.Wrap(err, "decoding configuration")
	}
	return apply(t.root, &snap)
}

// LoadFile merges the JSON file at path into the tree.
func (t *Tree) LoadFile(path string) error {
	//nolint:gosec
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	return errors.Wrapf(t.Load(f), "loading %s", path)
}

func apply(n *Node, snap *nodeJSON) error {
	var errs error
	for key, attr := range snap.Attributes {
		value, err := decodeAttribute(attr)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "%s%s", n.path, key))
			continue
		}
		errs = multierr.Append(errs, n.Put(key, value))
	}
	for name, child := range snap.Children {
		if child == nil || strings.Contains(name, "/") {
			continue
		}
		errs = multierr.Append(errs, apply(n.child(name), child))
	}
	return errs
}

func decodeAttribute(attr attributeJSON) (interface{}, error) {
	typ, err := AttributeTypeFromString(attr.Type)
	if err != nil {
		return nil, err
	}
	switch typ {
	case BoolType:
		var v bool
		err = json.Unmarshal(attr.Value, &v)
		return v, err
	case IntType:
		var v int32
		err = json.Unmarshal(attr.Value, &v)
		return v, err
	case LongType:
		var v int64
		err = json.Unmarshal(attr.Value, &v)
		return v, err
	case FloatType:
		var v float64
		err = json.Unmarshal(attr.Value, &v)
		return v, err
	case StringType:
		var v string
		err = json.Unmarshal(attr.Value, &v)
		return v, err
	case UnknownType:
	}
	return nil, errors.Errorf("unsupported attribute type %s", typ)
}
