// Package semantic parses the YAML semantic model and compiles it into
// one view definition per declared table. Compilation is pure: the
// same model always produces byte-identical SQL.
package semantic

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model is the parsed semantic model document.
type Model struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Tables      []TableModel `yaml:"tables"`
}

// TableModel describes the semantic layer over one logical table.
type TableModel struct {
	Name          string         `yaml:"name"`
	View          string         `yaml:"view"` // default: SEMANTIC_<NAME>
	Description   string         `yaml:"description"`
	PreAggregated bool           `yaml:"pre_aggregated"`
	Dimensions    []Dimension    `yaml:"dimensions"`
	Measures      []Measure      `yaml:"measures"`
	Relationships []Relationship `yaml:"relationships"`
}

// Dimension is a grouping column with display metadata.
type Dimension struct {
	Column string `yaml:"column"`
	Label  string `yaml:"label"`
}

// Measure is a numeric column with its aggregation function.
type Measure struct {
	Column      string `yaml:"column"`
	Aggregation string `yaml:"aggregation"`
}

// Relationship declares a join key to another modeled table. It is
// recorded as metadata, never materialized as a join.
type Relationship struct {
	Column           string `yaml:"column"`
	ReferencesTable  string `yaml:"references_table"`
	ReferencesColumn string `yaml:"references_column"`
}

// ModelError reports a structural problem in the semantic model.
type ModelError struct {
	Table  string
	Reason string
}

func (e *ModelError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("semantic model: %s", e.Reason)
	}
	return fmt.Sprintf("semantic model table %s: %s", e.Table, e.Reason)
}

// ViewName returns the declared view name or the default derived from
// the table name.
func (t *TableModel) ViewName() string {
	if t.View != "" {
		return t.View
	}
	return "SEMANTIC_" + strings.ToUpper(t.Name)
}

// LoadModel reads and parses a semantic model file. Unknown YAML keys
// are rejected so a typo surfaces at parse time instead of silently
// dropping part of the model.
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading semantic model: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var m Model
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing semantic model: %w", err)
	}

	if len(m.Tables) == 0 {
		return nil, &ModelError{Reason: "no tables declared"}
	}
	seen := make(map[string]bool)
	for _, t := range m.Tables {
		if t.Name == "" {
			return nil, &ModelError{Reason: "table with empty name"}
		}
		if seen[t.Name] {
			return nil, &ModelError{Table: t.Name, Reason: "declared more than once"}
		}
		seen[t.Name] = true
		if len(t.Dimensions) == 0 && len(t.Measures) == 0 {
			return nil, &ModelError{Table: t.Name, Reason: "declares neither dimensions nor measures"}
		}
		for _, mea := range t.Measures {
			if mea.Aggregation == "" {
				return nil, &ModelError{Table: t.Name, Reason: fmt.Sprintf("measure %s has no aggregation", mea.Column)}
			}
		}
	}
	return &m, nil
}
