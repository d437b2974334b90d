// Package annotate converts populated table rows into deduplicated,
// namespace-scoped map annotations on the hierarchy, and deletes them
// again.
package annotate

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/openimaging/bulkmeta/internal/remote"
)

// ColumnRule says how one table column becomes a key/value pair.
type ColumnRule struct {
	Name       string `yaml:"name"`
	ClientName string `yaml:"clientname"`
	Include    bool   `yaml:"include"`
	OmitEmpty  bool   `yaml:"omitempty"`
}

// Group scopes a set of column rules to their own namespace.
type Group struct {
	Namespace string       `yaml:"namespace"`
	Columns   []ColumnRule `yaml:"columns"`
}

// ColumnEntry is one element of the columns section: either a plain
// rule or a namespace group.
type ColumnEntry struct {
	ColumnRule `yaml:",inline"`
	Group      *Group `yaml:"group"`
}

// NamespaceKeys configures the primary keys of one namespace.
type NamespaceKeys struct {
	Namespace string   `yaml:"namespace"`
	Keys      []string `yaml:"keys"`
}

// Advanced carries the non-transform options.
type Advanced struct {
	PrimaryGroupKeys        []NamespaceKeys `yaml:"primary_group_keys"`
	WellToImages            bool            `yaml:"well_to_images"`
	IgnoreMissingPrimaryKey bool            `yaml:"ignore_missing_primary_key"`
}

// Config is the annotation configuration document. At least one of
// Defaults and Columns must be present.
type Config struct {
	Defaults *ColumnRule   `yaml:"defaults"`
	Columns  []ColumnEntry `yaml:"columns"`
	Advanced *Advanced     `yaml:"advanced"`
}

// ParseConfig reads and validates a configuration document.
func ParseConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read annotation config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse annotation config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a configuration document from a file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open annotation config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}

func (c *Config) validate() error {
	if c.Defaults == nil && len(c.Columns) == 0 {
		return fmt.Errorf("annotation config: defaults and columns were both empty")
	}
	if c.Advanced == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, pk := range c.Advanced.PrimaryGroupKeys {
		if pk.Namespace == "" {
			return fmt.Errorf("annotation config: primary_group_keys entry without namespace")
		}
		if len(pk.Keys) == 0 {
			return fmt.Errorf("annotation config: primary_group_keys for %q: keys must be a non-empty list", pk.Namespace)
		}
		if seen[pk.Namespace] {
			return fmt.Errorf("annotation config: duplicate namespace in primary_group_keys: %s", pk.Namespace)
		}
		seen[pk.Namespace] = true
	}
	return nil
}

// PrimaryKeys returns the configured primary-key names per namespace.
func (c *Config) PrimaryKeys() map[string][]string {
	out := make(map[string][]string)
	if c == nil || c.Advanced == nil {
		return out
	}
	for _, pk := range c.Advanced.PrimaryGroupKeys {
		out[pk.Namespace] = pk.Keys
	}
	return out
}

// GroupNamespaces lists the namespaces named by column groups.
func (c *Config) GroupNamespaces() []string {
	if c == nil {
		return nil
	}
	var nss []string
	for _, entry := range c.Columns {
		if entry.Group != nil && entry.Group.Namespace != "" {
			nss = append(nss, entry.Group.Namespace)
		}
	}
	return nss
}

func (c *Config) wellToImages() bool {
	return c != nil && c.Advanced != nil && c.Advanced.WellToImages
}

func (c *Config) ignoreMissingPrimaryKey() bool {
	return c != nil && c.Advanced != nil && c.Advanced.IgnoreMissingPrimaryKey
}

// Transformer turns one table row into the key/value pairs of one
// namespace. An empty NS means the default bulk-annotations namespace.
type Transformer struct {
	NS    string
	rules []boundRule
}

type boundRule struct {
	index     int
	key       string
	omitEmpty bool
}

// Transform produces the pairs for one row. Empty values are dropped
// for omitempty rules.
func (t Transformer) Transform(row []any) []remote.Pair {
	var pairs []remote.Pair
	for _, r := range t.rules {
		if r.index >= len(row) {
			continue
		}
		v := formatValue(row[r.index])
		if v == "" && r.omitEmpty {
			continue
		}
		pairs = append(pairs, remote.Pair{Key: r.key, Value: v})
	}
	return pairs
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Transformers binds the configuration to a concrete header list. With
// no configuration every column passes through unchanged into the
// default namespace.
func (c *Config) Transformers(headers []string) []Transformer {
	if c == nil || (c.Defaults == nil && len(c.Columns) == 0) {
		return []Transformer{passThrough(headers)}
	}

	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[strings.ToLower(h)] = i
	}
	bind := func(rules []ColumnRule) []boundRule {
		var bound []boundRule
		for _, r := range rules {
			i, ok := index[strings.ToLower(r.Name)]
			if !ok || !r.Include {
				continue
			}
			key := r.Name
			if r.ClientName != "" {
				key = r.ClientName
			}
			bound = append(bound, boundRule{index: i, key: key, omitEmpty: r.OmitEmpty})
		}
		return bound
	}

	named := make(map[string]bool)
	var plain []ColumnRule
	var groups []*Group
	for _, entry := range c.Columns {
		if entry.Group != nil {
			groups = append(groups, entry.Group)
			continue
		}
		plain = append(plain, entry.ColumnRule)
		named[strings.ToLower(entry.Name)] = true
	}

	// Headers not covered by an explicit rule fall back to defaults.
	if c.Defaults != nil {
		for _, h := range headers {
			if named[strings.ToLower(h)] {
				continue
			}
			d := *c.Defaults
			d.Name = h
			d.ClientName = ""
			plain = append(plain, d)
		}
	}

	out := []Transformer{{NS: "", rules: bind(plain)}}
	for _, g := range groups {
		out = append(out, Transformer{NS: g.Namespace, rules: bind(g.Columns)})
	}
	return out
}

func passThrough(headers []string) Transformer {
	rules := make([]boundRule, len(headers))
	for i, h := range headers {
		rules[i] = boundRule{index: i, key: h}
	}
	return Transformer{rules: rules}
}
