package semantic

import (
	"fmt"
	"strings"

	"github.com/semload/semload/internal/warehouse"
)

// ViewDefinition is one compiled view: the SELECT body to install under
// the view name, plus metadata for the downstream analytics layer.
type ViewDefinition struct {
	View           string
	Table          string
	SQL            string
	Relationships  []Relationship
	PreAggregated  bool
	IncompleteData bool // the underlying table had a failed or partial load
}

// Compile turns a model into view definitions. schemas maps each
// logical table to its target columns; incomplete marks tables whose
// load did not fully succeed, carried through as view metadata.
func Compile(model *Model, schemas map[string][]string, incomplete map[string]bool) ([]ViewDefinition, error) {
	views := make([]ViewDefinition, 0, len(model.Tables))
	for i := range model.Tables {
		t := &model.Tables[i]

		cols, ok := schemas[t.Name]
		if !ok {
			return nil, &ModelError{Table: t.Name, Reason: "references an unknown logical table"}
		}
		if err := checkColumns(t, cols); err != nil {
			return nil, err
		}
		if err := checkRelationships(t, model, schemas); err != nil {
			return nil, err
		}

		views = append(views, ViewDefinition{
			View:           t.ViewName(),
			Table:          t.Name,
			SQL:            buildSQL(t),
			Relationships:  append([]Relationship(nil), t.Relationships...),
			PreAggregated:  t.PreAggregated,
			IncompleteData: incomplete[t.Name],
		})
	}
	return views, nil
}

func hasColumn(cols []string, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

func checkColumns(t *TableModel, cols []string) error {
	for _, d := range t.Dimensions {
		if !hasColumn(cols, d.Column) {
			return &ModelError{Table: t.Name, Reason: fmt.Sprintf("dimension column %s is not in the table schema", d.Column)}
		}
	}
	for _, m := range t.Measures {
		if !hasColumn(cols, m.Column) {
			return &ModelError{Table: t.Name, Reason: fmt.Sprintf("measure column %s is not in the table schema", m.Column)}
		}
	}
	for _, r := range t.Relationships {
		if !hasColumn(cols, r.Column) {
			return &ModelError{Table: t.Name, Reason: fmt.Sprintf("relationship column %s is not in the table schema", r.Column)}
		}
	}
	return nil
}

func checkRelationships(t *TableModel, model *Model, schemas map[string][]string) error {
	for _, r := range t.Relationships {
		var target *TableModel
		for i := range model.Tables {
			if model.Tables[i].Name == r.ReferencesTable {
				target = &model.Tables[i]
				break
			}
		}
		if target == nil {
			return &ModelError{Table: t.Name, Reason: fmt.Sprintf("relationship references undeclared table %s", r.ReferencesTable)}
		}
		if !hasColumn(schemas[target.Name], r.ReferencesColumn) {
			return &ModelError{Table: t.Name, Reason: fmt.Sprintf("relationship references %s.%s, which is not in that table's schema", r.ReferencesTable, r.ReferencesColumn)}
		}
	}
	return nil
}

// quoteAlias renders a display label as a SQL alias. Labels that are
// plain identifiers pass through; anything else (spaces, punctuation)
// becomes a double-quoted delimited identifier with embedded quotes
// doubled, so free-form display metadata cannot break the view DDL.
func quoteAlias(label string) string {
	if warehouse.ValidateIdentifier(label) == nil {
		return label
	}
	return `"` + strings.ReplaceAll(label, `"`, `""`) + `"`
}

// buildSQL emits the SELECT body for one table model. Declared order is
// preserved: dimensions first, then measures. A pre-aggregated view
// wraps each measure in its aggregation and groups by the dimensions;
// otherwise measures pass through raw and aggregation is deferred to
// query time.
func buildSQL(t *TableModel) string {
	var b strings.Builder

	for _, r := range t.Relationships {
		fmt.Fprintf(&b, "-- relationship: %s -> %s.%s\n", r.Column, r.ReferencesTable, r.ReferencesColumn)
	}

	b.WriteString("SELECT\n")
	var exprs []string
	for _, d := range t.Dimensions {
		label := d.Label
		if label == "" {
			label = d.Column
		}
		exprs = append(exprs, fmt.Sprintf("    %s AS %s", d.Column, quoteAlias(label)))
	}
	for _, m := range t.Measures {
		if t.PreAggregated {
			exprs = append(exprs, fmt.Sprintf("    %s(%s) AS %s", strings.ToUpper(m.Aggregation), m.Column, m.Column))
		} else {
			exprs = append(exprs, fmt.Sprintf("    %s", m.Column))
		}
	}
	b.WriteString(strings.Join(exprs, ",\n"))
	fmt.Fprintf(&b, "\nFROM %s", t.Name)

	if t.PreAggregated && len(t.Dimensions) > 0 {
		var groups []string
		for _, d := range t.Dimensions {
			groups = append(groups, d.Column)
		}
		fmt.Fprintf(&b, "\nGROUP BY %s", strings.Join(groups, ", "))
	}

	return b.String()
}
