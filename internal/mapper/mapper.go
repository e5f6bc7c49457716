// Package mapper resolves a table's declared column mapping against the
// header row of its source files. Resolution happens once per table;
// the loader then projects every row through index lookups instead of
// name lookups.
package mapper

import (
	"fmt"
	"sort"
	"strings"

	"github.com/semload/semload/internal/config"
)

// ColumnRef ties a source column index to its target column.
type ColumnRef struct {
	SrcIdx int
	Target string
}

// DefaultRef supplies a literal value for a target column with no
// source column.
type DefaultRef struct {
	Target string
	Value  string
}

// Resolved is the per-table projection plan. Targets and Types are
// aligned: mapped columns first in source index order, then defaulted
// columns sorted by target name.
type Resolved struct {
	Columns  []ColumnRef
	Defaults []DefaultRef
	Targets  []string
	Types    []string
}

// ColumnMappingError lists every mapped source column absent from the
// file header, so one fix pass covers all of them.
type ColumnMappingError struct {
	Table   string
	Missing []string
}

func (e *ColumnMappingError) Error() string {
	return fmt.Sprintf("table %s: source columns not in file header: %s",
		e.Table, strings.Join(e.Missing, ", "))
}

// normalize strips a UTF-8 BOM and surrounding space and lowercases.
func normalize(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	return strings.ToLower(strings.TrimSpace(s))
}

// Resolve matches the table's declared mapping against header. Header
// comparison is case-insensitive.
func Resolve(table *config.TableConfig, header []string) (*Resolved, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[normalize(h)] = i
	}

	srcs := make([]string, 0, len(table.Columns))
	for src := range table.Columns {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)

	var missing []string
	var cols []ColumnRef
	for _, src := range srcs {
		i, ok := index[normalize(src)]
		if !ok {
			missing = append(missing, src)
			continue
		}
		cols = append(cols, ColumnRef{SrcIdx: i, Target: table.Columns[src]})
	}
	if len(missing) > 0 {
		return nil, &ColumnMappingError{Table: table.Name, Missing: missing}
	}

	sort.Slice(cols, func(i, j int) bool { return cols[i].SrcIdx < cols[j].SrcIdx })

	defs := make([]DefaultRef, 0, len(table.Defaults))
	for tgt, val := range table.Defaults {
		defs = append(defs, DefaultRef{Target: tgt, Value: val})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Target < defs[j].Target })

	r := &Resolved{Columns: cols, Defaults: defs}
	for _, c := range cols {
		r.Targets = append(r.Targets, c.Target)
		r.Types = append(r.Types, table.ColumnType(c.Target))
	}
	for _, d := range defs {
		r.Targets = append(r.Targets, d.Target)
		r.Types = append(r.Types, table.ColumnType(d.Target))
	}
	return r, nil
}
