// Package props implements the ordered key-value property store shared by
// experiments and runs. Properties are persisted as a plain text file with
// one "key = <json value>" line per property. Files are parsed and rewritten
// idempotently, so several build passes over the same path merge rather than
// truncate.
package props

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Properties is an insertion-order-preserving map of string keys to
// JSON-serializable values, optionally bound to a file path.
type Properties struct {
	path   string
	keys   []string
	values map[string]any
}

// New returns an empty, unbound property store.
func New() *Properties {
	return &Properties{values: make(map[string]any)}
}

// Load reads the properties file at path. A missing file is not an error:
// the result is an empty store bound to path, ready to be written.
func Load(path string) (*Properties, error) {
	p := New()
	p.path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading properties file %s: %w", path, err)
	}
	if err := p.parse(data); err != nil {
		return nil, fmt.Errorf("parsing properties file %s: %w", path, err)
	}
	return p, nil
}

func (p *Properties) parse(data []byte) error {
	for lineno, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, raw, found := strings.Cut(line, " = ")
		if !found {
			return fmt.Errorf("line %d: expected \"key = value\", got %q", lineno+1, line)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return fmt.Errorf("line %d: invalid value for key %q: %w", lineno+1, key, err)
		}
		p.Set(key, value)
	}
	return nil
}

// Path returns the file path the store is bound to, if any.
func (p *Properties) Path() string {
	return p.path
}

// Set adds or replaces a property. The first insertion of a key determines
// its position in the file.
func (p *Properties) Set(key string, value any) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value stored under key.
func (p *Properties) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (p *Properties) Keys() []string {
	keys := make([]string, len(p.keys))
	copy(keys, p.keys)
	return keys
}

// Len returns the number of stored properties.
func (p *Properties) Len() int {
	return len(p.keys)
}

// Update merges other into p. Keys already present keep their position and
// take the other store's value; new keys are appended in the other store's
// order.
func (p *Properties) Update(other *Properties) {
	for _, key := range other.keys {
		p.Set(key, other.values[key])
	}
}

// Write serializes the store to its bound path, creating parent directories
// as needed.
func (p *Properties) Write() error {
	if p.path == "" {
		return fmt.Errorf("properties store is not bound to a file")
	}
	data, err := p.serialize()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", p.path, err)
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("writing properties file %s: %w", p.path, err)
	}
	return nil
}

func (p *Properties) serialize() ([]byte, error) {
	var buf bytes.Buffer
	for _, key := range p.keys {
		raw, err := json.Marshal(p.values[key])
		if err != nil {
			return nil, fmt.Errorf("serializing property %q: %w", key, err)
		}
		fmt.Fprintf(&buf, "%s = %s\n", key, raw)
	}
	return buf.Bytes(), nil
}

// MarshalJSON renders the store as a JSON object with keys in insertion
// order. Used by the fetcher to nest a run's properties inside the combined
// properties file.
func (p *Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range p.keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(p.values[key])
		if err != nil {
			return nil, fmt.Errorf("serializing property %q: %w", key, err)
		}
		buf.Write(name)
		buf.WriteString(": ")
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
