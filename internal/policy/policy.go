// Package policy loads the ordered list of executable identifiers to block.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is an ordered, immutable list of executable identifiers: bare names
// or paths.
type Policy struct {
	entries []string
}

// New builds a Policy from identifiers, dropping blanks and duplicates while
// keeping first-seen order.
func New(ids ...string) Policy {
	seen := make(map[string]struct{}, len(ids))
	entries := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		entries = append(entries, id)
	}
	return Policy{entries: entries}
}

// Entries returns a copy of the identifiers.
func (p Policy) Entries() []string {
	out := make([]string, len(p.entries))
	copy(out, p.entries)
	return out
}

// Len returns the number of identifiers.
func (p Policy) Len() int { return len(p.entries) }

// Merge returns a policy holding p's entries followed by other's.
func (p Policy) Merge(other Policy) Policy {
	return New(append(p.Entries(), other.entries...)...)
}

// document is the mapping form of a policy file.
type document struct {
	Blocklist []string `yaml:"blocklist"`
}

// Parse decodes a policy document. Both a bare YAML sequence and a mapping
// with a "blocklist" key are accepted.
func Parse(data []byte) (Policy, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if node.Kind == 0 || len(node.Content) == 0 {
		return Policy{}, nil
	}

	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var ids []string
		if err := root.Decode(&ids); err != nil {
			return Policy{}, fmt.Errorf("decode policy list: %w", err)
		}
		return New(ids...), nil
	case yaml.MappingNode:
		if err := checkKeys(root); err != nil {
			return Policy{}, err
		}
		var doc document
		if err := root.Decode(&doc); err != nil {
			return Policy{}, fmt.Errorf("decode policy document: %w", err)
		}
		return New(doc.Blocklist...), nil
	default:
		return Policy{}, errors.New("policy must be a list or a mapping with a blocklist key")
	}
}

// checkKeys rejects mappings with unknown keys or without a blocklist key, so
// a misspelt key is not read as an empty policy.
func checkKeys(m *yaml.Node) error {
	found := false
	for i := 0; i+1 < len(m.Content); i += 2 {
		key := m.Content[i]
		if key.Value != "blocklist" {
			return fmt.Errorf("policy line %d: unknown key %q", key.Line, key.Value)
		}
		found = true
	}
	if !found {
		return errors.New("policy mapping has no blocklist key")
	}
	return nil
}

// Load reads and parses a policy file.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}
