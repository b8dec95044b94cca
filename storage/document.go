// Package storage handles structured ad and config documents on disk and
// their optional mirrors in object storage.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is an ordered mapping loaded from YAML or JSON.
// Key order and YAML comments survive a load/save cycle.
type Document struct {
	root *yaml.Node // mapping node
	head string     // document head comment
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{root: &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}}
}

// ParseDocument parses YAML (and therefore JSON) content.
func ParseDocument(data []byte) (*Document, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return NewDocument(), nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.ShortTag() == "!!null" {
		return NewDocument(), nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse document: top level is not a mapping")
	}
	return &Document{root: root, head: doc.HeadComment}, nil
}

// FromValue encodes a Go value (struct or map) into a document.
func FromValue(v any) (*Document, error) {
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("encode document: value is not a mapping")
	}
	return &Document{root: &n}, nil
}

// LoadDocument reads a document from path.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// LoadDocumentIfExists is LoadDocument returning (nil, nil) for a missing file.
func LoadDocumentIfExists(path string) (*Document, error) {
	doc, err := LoadDocument(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return doc, err
}

// SetHeader sets a comment written above the document.
func (d *Document) SetHeader(comment string) {
	d.head = comment
}

// Root exposes the mapping node.
func (d *Document) Root() *yaml.Node {
	return d.root
}

// Keys returns the top-level keys in document order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.root.Content)/2)
	for i := 0; i+1 < len(d.root.Content); i += 2 {
		keys = append(keys, d.root.Content[i].Value)
	}
	return keys
}

// KeysAt returns the keys of the mapping at a dotted path in document order,
// or nil when there is no mapping.
func (d *Document) KeysAt(path string) []string {
	n := d.Get(path)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	keys := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		keys = append(keys, n.Content[i].Value)
	}
	return keys
}

// Get returns the node at a dotted path, or nil.
func (d *Document) Get(path string) *yaml.Node {
	n := d.root
	for _, key := range strings.Split(path, ".") {
		n = mappingValue(n, key)
		if n == nil {
			return nil
		}
	}
	return n
}

// String returns the scalar at path, or "" when absent, null, or not a scalar.
func (d *Document) String(path string) string {
	n := d.Get(path)
	if n == nil || n.Kind != yaml.ScalarNode || n.ShortTag() == "!!null" {
		return ""
	}
	return n.Value
}

// Set sets a top-level key, keeping its position when it already exists.
func (d *Document) Set(key string, value any) error {
	var n yaml.Node
	if err := n.Encode(value); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	for i := 0; i+1 < len(d.root.Content); i += 2 {
		if d.root.Content[i].Value == key {
			n.HeadComment = d.root.Content[i+1].HeadComment
			n.LineComment = d.root.Content[i+1].LineComment
			d.root.Content[i+1] = &n
			return nil
		}
	}
	d.root.Content = append(d.root.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, &n)
	return nil
}

// Delete removes a top-level key. It reports whether the key was present.
func (d *Document) Delete(key string) bool {
	for i := 0; i+1 < len(d.root.Content); i += 2 {
		if d.root.Content[i].Value == key {
			d.root.Content = append(d.root.Content[:i], d.root.Content[i+2:]...)
			return true
		}
	}
	return false
}

// Decode decodes the document into v.
func (d *Document) Decode(v any) error {
	if err := d.root.Decode(v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	return &Document{root: cloneNode(d.root), head: d.head}
}

// Marshal renders the document as YAML, or as indented JSON for asJSON.
func (d *Document) Marshal(asJSON bool) ([]byte, error) {
	if asJSON {
		return marshalJSON(d.root)
	}

	doc := &yaml.Node{Kind: yaml.DocumentNode, HeadComment: d.head, Content: []*yaml.Node{d.root}}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close yaml encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the document to path; .json files are written as JSON.
func (d *Document) Save(path string) error {
	data, err := d.Marshal(strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Content != nil {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = cloneNode(child)
		}
	}
	c.Alias = cloneNode(n.Alias)
	return &c
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}

func isEmptyString(n *yaml.Node) bool {
	return n != nil && n.Kind == yaml.ScalarNode && n.ShortTag() == "!!str" && n.Value == ""
}
