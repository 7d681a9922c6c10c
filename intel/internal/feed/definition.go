// Package feed loads feed definition files and retrieves feed content.
package feed

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/journal"
)

// ErrDefinition is returned for feed files that cannot be turned into
// definitions.
var ErrDefinition = errors.New("invalid feed definition")

const (
	DefaultMethod   = "GET"
	DefaultParser   = "regex"
	DefaultInterval = "hourly"
)

// controlFields steer fetching and parsing. They never reach observables.
var controlFields = map[string]bool{
	"node":     true,
	"map":      true,
	"values":   true,
	"pattern":  true,
	"remote":   true,
	"parser":   true,
	"username": true,
	"password": true,
	"method":   true,
	"start":    true,
	"end":      true,
	"interval": true,
}

// Element is one per-element rule of an rss feed.
type Element struct {
	Name    string
	Pattern string
	Values  []string
}

// Definition describes one named feed inside a feed file.
type Definition struct {
	File string
	Name string

	Remote   string
	Method   string
	Parser   string
	Pattern  string
	Elements []Element
	Map      []string
	Node     string
	// Values binds extracted fields in order. An empty name drops that field.
	Values   []string
	Interval string
	Username string
	Password string
	Start    int
	End      int

	// Meta is the base template merged into every observable of the feed.
	Meta map[string]any
}

// JournalKey returns the dedup journal key for a run of d at now.
func (d *Definition) JournalKey(now time.Time) journal.Key {
	return journal.NewKey(d.File, d.Name, now)
}

// JournalPath returns the journal file of a run at now under cacheDir.
func (d *Definition) JournalPath(cacheDir string, now time.Time) string {
	return journal.FilePath(cacheDir, d.JournalKey(now))
}

// BaseMeta returns a copy of the feed template.
func (d *Definition) BaseMeta() map[string]any {
	out := make(map[string]any, len(d.Meta))
	for k, v := range d.Meta {
		out[k] = v
	}
	return out
}

type document struct {
	Parser   string               `yaml:"parser"`
	Defaults map[string]any       `yaml:"defaults"`
	Feeds    map[string]yaml.Node `yaml:"feeds"`
}

// IsFeedFile reports whether name looks like a feed definition file.
func IsFeedFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".yml") && !strings.HasPrefix(base, ".")
}

// LoadFile parses every feed of one definition file, sorted by name. A file
// without a feeds block yields no definitions.
func LoadFile(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed file %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDefinition, path, err)
	}

	names := make([]string, 0, len(doc.Feeds))
	for name := range doc.Feeds {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		node := doc.Feeds[name]
		raw := map[string]any{}
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %s: feed %s: %v", ErrDefinition, path, name, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		if _, ok := raw["parser"]; !ok && doc.Parser != "" {
			raw["parser"] = doc.Parser
		}
		for k, v := range doc.Defaults {
			if _, ok := raw[k]; !ok {
				raw[k] = v
			}
		}

		def, err := build(path, name, raw, mappingValue(&node, "pattern"))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadDir loads every feed file in dir. Files that fail to load are
// reported in the returned error while the rest are still returned.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read feed directory: %w", err)
	}

	var (
		defs []*Definition
		errs []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !IsFeedFile(entry.Name()) {
			continue
		}
		fileDefs, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, fileDefs...)
	}
	return defs, errors.Join(errs...)
}

func build(path, name string, raw map[string]any, pattern *yaml.Node) (*Definition, error) {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: feed %s: %s", ErrDefinition, path, name, fmt.Sprintf(format, args...))
	}

	def := &Definition{
		File:     path,
		Name:     name,
		Method:   DefaultMethod,
		Parser:   DefaultParser,
		Values:   []string{"observable"},
		Interval: DefaultInterval,
		Meta:     map[string]any{},
	}

	for k, v := range raw {
		if !controlFields[k] {
			def.Meta[k] = v
		}
	}

	def.Remote = scalar(raw["remote"])
	if def.Remote == "" {
		return nil, fail("remote is required")
	}
	if m := scalar(raw["method"]); m != "" {
		def.Method = strings.ToUpper(m)
	}
	if p := scalar(raw["parser"]); p != "" {
		def.Parser = strings.ToLower(p)
	}
	if iv := scalar(raw["interval"]); iv != "" {
		def.Interval = strings.ToLower(iv)
	}
	def.Node = scalar(raw["node"])
	def.Username = scalar(raw["username"])
	def.Password = scalar(raw["password"])

	if v, ok := raw["values"]; ok {
		def.Values = names(v)
	}
	if v, ok := raw["map"]; ok {
		def.Map = names(v)
	}

	var err error
	if def.Start, err = count(raw["start"]); err != nil {
		return nil, fail("start: %v", err)
	}
	if def.End, err = count(raw["end"]); err != nil {
		return nil, fail("end: %v", err)
	}

	switch p := raw["pattern"].(type) {
	case nil:
	case map[string]any:
		if def.Elements, err = elements(p, pattern); err != nil {
			return nil, fail("pattern: %v", err)
		}
		def.Values = def.Values[:0]
		for _, el := range def.Elements {
			def.Values = append(def.Values, el.Values...)
		}
	default:
		def.Pattern = scalar(p)
	}
	return def, nil
}

// elements reads an rss pattern block in document order when the node is
// available, otherwise sorted by element name.
func elements(block map[string]any, node *yaml.Node) ([]Element, error) {
	order := make([]string, 0, len(block))
	if node != nil && node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			order = append(order, node.Content[i].Value)
		}
	} else {
		for k := range block {
			order = append(order, k)
		}
		sort.Strings(order)
	}

	out := make([]Element, 0, len(order))
	for _, name := range order {
		rule, ok := block[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("element %s must be a mapping", name)
		}
		el := Element{Name: name, Pattern: scalar(rule["pattern"])}
		if el.Pattern == "" {
			return nil, fmt.Errorf("element %s has no pattern", name)
		}
		el.Values = names(rule["values"])
		out = append(out, el)
	}
	return out, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// names accepts a single name or a list. Null entries stay as empty names.
func names(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = scalar(item)
		}
		return out
	default:
		return []string{scalar(t)}
	}
}

func count(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return t, nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}
