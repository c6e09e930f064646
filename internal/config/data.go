package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DataConfig holds the configured datasets in YAML order.
//
// Two layouts are accepted. The legacy single-dataset form places
// matrix_path and metadata_path directly under data and is registered as
// dataset "default". Otherwise every key under data names a dataset.
type DataConfig struct {
	DefaultDataset string                    `yaml:"-"`
	Datasets       map[string]*DatasetConfig `yaml:"-" validate:"dive"`

	order []string
}

// DatasetIDs returns all dataset IDs in config order.
func (d *DataConfig) DatasetIDs() []string {
	return d.order
}

// UnmarshalYAML implements yaml.Unmarshaler and preserves dataset order.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: data must be a mapping", node.Line)
	}

	d.Datasets = make(map[string]*DatasetConfig)
	d.order = nil
	d.DefaultDataset = ""

	if isLegacyData(node) {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.Datasets["default"] = &ds
		d.order = []string{"default"}
		d.DefaultDataset = "default"
		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key == "default_dataset" {
			d.DefaultDataset = node.Content[i+1].Value
			continue
		}
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("dataset %q: %w", key, err)
		}
		if _, dup := d.Datasets[key]; dup {
			return fmt.Errorf("line %d: duplicate dataset %q", node.Content[i].Line, key)
		}
		d.Datasets[key] = &ds
		d.order = append(d.order, key)
	}
	if d.DefaultDataset == "" && len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

func isLegacyData(node *yaml.Node) bool {
	for i := 0; i < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "matrix_path", "metadata_path":
			return true
		}
	}
	return false
}

// ColumnRef locates a column in a delimited table either by its header
// name or by zero-based position.
type ColumnRef struct {
	Name  string
	Index int
	set   bool
}

// ColumnIndex returns a reference to the column at position i.
func ColumnIndex(i int) ColumnRef { return ColumnRef{Index: i, set: true} }

// ColumnName returns a reference to the column with the given header name.
func ColumnName(name string) ColumnRef { return ColumnRef{Name: name, set: true} }

// IsSet reports whether the reference was configured.
func (c ColumnRef) IsSet() bool { return c.set }

// Resolve returns the position of the referenced column given a header row.
// Index references are returned as is; bounds are checked per data row.
func (c ColumnRef) Resolve(header []string) (int, error) {
	if !c.set {
		return 0, fmt.Errorf("column not configured")
	}
	if c.Name == "" {
		return c.Index, nil
	}
	for i, h := range header {
		if strings.TrimSpace(h) == c.Name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("column %q not found in header", c.Name)
}

func (c ColumnRef) String() string {
	if c.Name != "" {
		return strconv.Quote(c.Name)
	}
	return strconv.Itoa(c.Index)
}

// UnmarshalYAML implements yaml.Unmarshaler. Integer scalars are
// positions, anything else is a header name.
func (c *ColumnRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: column must be a name or an index", node.Line)
	}
	if node.Tag == "!!int" {
		var i int
		if err := node.Decode(&i); err != nil {
			return err
		}
		if i < 0 {
			return fmt.Errorf("line %d: negative column index %d", node.Line, i)
		}
		*c = ColumnIndex(i)
		return nil
	}
	if node.Value == "" {
		return fmt.Errorf("line %d: empty column name", node.Line)
	}
	*c = ColumnName(node.Value)
	return nil
}
