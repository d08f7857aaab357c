// Package registry implements a read-only, dotted-path view over a
// hierarchical configuration tree loaded once at startup from a single YAML
// document.
package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry is an immutable, concurrency-safe view over a config tree.
// It is built once before any consumer starts and never mutated afterward,
// so readers never need to lock it.
type Registry struct {
	tree           map[string]interface{}
	extensionOrder []string
}

// Load reads a YAML document from path and builds a Registry.
//
// The document is decoded twice on purpose: once into a plain
// map[string]interface{} tree for dotted-path Lookup, and once as a
// yaml.Node to recover the insertion order of the "extensions" mapping --
// Go maps do not preserve key order, but extensions must be registered in
// the order they were declared in the configuration file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Registry directly from YAML bytes; split out from Load so
// tests can exercise it without touching the filesystem.
func Parse(data []byte) (*Registry, error) {
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("registry: parse config: %w", err)
	}
	if tree == nil {
		tree = map[string]interface{}{}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: parse config structure: %w", err)
	}

	return &Registry{
		tree:           tree,
		extensionOrder: extensionKeyOrder(&doc),
	}, nil
}

// FromMap builds a Registry directly from an already-decoded tree, with no
// ordering guarantee for ExtensionNames beyond Go's map iteration. Tests and
// callers that don't care about declaration order can use this.
func FromMap(tree map[string]interface{}) *Registry {
	r := &Registry{tree: tree}
	if m, ok := tree["extensions"].(map[string]interface{}); ok {
		for k := range m {
			r.extensionOrder = append(r.extensionOrder, k)
		}
	}
	return r
}

// extensionKeyOrder walks the raw YAML AST looking for the top-level
// "extensions" mapping and returns its keys in document order.
func extensionKeyOrder(doc *yaml.Node) []string {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if key.Value != "extensions" || val.Kind != yaml.MappingNode {
			continue
		}
		names := make([]string, 0, len(val.Content)/2)
		for j := 0; j+1 < len(val.Content); j += 2 {
			names = append(names, val.Content[j].Value)
		}
		return names
	}
	return nil
}

// ExtensionNames returns the configured extension names in declaration order.
func (r *Registry) ExtensionNames() []string {
	return r.extensionOrder
}

// Lookup resolves a dotted path against the tree. A missing key at any level
// returns def. A path segment that would require indexing into a non-map
// value is a configuration error: Lookup panics, and the supervisor's
// top-level recover turns that into a fatal, non-zero exit.
func (r *Registry) Lookup(path string, def interface{}) interface{} {
	segments := strings.Split(path, ".")
	var cur interface{} = r.tree
	for i, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			panic(fmt.Sprintf("registry: %q is not a map while resolving %q", strings.Join(segments[:i], "."), path))
		}
		v, exists := m[seg]
		if !exists {
			return def
		}
		cur = v
	}
	return cur
}

// LookupString is Lookup narrowed to string, panicking on a present but
// non-string value (same wrong-type contract as Lookup).
func (r *Registry) LookupString(path, def string) string {
	v := r.Lookup(path, def)
	s, ok := v.(string)
	if !ok {
		panic(fmt.Sprintf("registry: %q is not a string", path))
	}
	return s
}

// LookupBool is Lookup narrowed to bool.
func (r *Registry) LookupBool(path string, def bool) bool {
	v := r.Lookup(path, def)
	b, ok := v.(bool)
	if !ok {
		panic(fmt.Sprintf("registry: %q is not a bool", path))
	}
	return b
}

// LookupInt is Lookup narrowed to int. YAML integers decode as int in
// gopkg.in/yaml.v3; a float64 (e.g. written as "30.0" in the document) is
// also accepted and truncated.
func (r *Registry) LookupInt(path string, def int) int {
	v := r.Lookup(path, def)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		panic(fmt.Sprintf("registry: %q is not a number", path))
	}
}
