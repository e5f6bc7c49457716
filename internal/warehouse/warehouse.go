// Package warehouse defines the narrow capability interface the pipeline
// needs from a warehouse, plus shared identifier helpers. Each backend
// (PostgreSQL, MSSQL, in-memory) implements Warehouse in its own package.
package warehouse

import (
	"context"
	"fmt"
)

// Column declares one target table column for create-if-absent DDL.
type Column struct {
	Name string
	Type string
}

// Warehouse is the full set of operations the pipeline performs against
// a warehouse. Implementations must keep every call independent: a failed
// InsertBatch rolls back only that batch, never prior committed batches.
type Warehouse interface {
	// CreateTableIfAbsent creates the table when it does not exist yet.
	CreateTableIfAbsent(ctx context.Context, table string, cols []Column) error

	// TruncateTable removes all rows from the table.
	TruncateTable(ctx context.Context, table string) error

	// InsertBatch appends one batch of rows as a single operation.
	InsertBatch(ctx context.Context, table string, cols []string, rows [][]any) error

	// CountRows returns the exact row count of the table.
	CountRows(ctx context.Context, table string) (int64, error)

	// CountDuplicates returns the number of surplus rows whose dedup key
	// appears more than once (total rows minus distinct keys).
	CountDuplicates(ctx context.Context, table string, key []string) (int64, error)

	// CreateOrReplaceView installs a view from its SELECT body.
	CreateOrReplaceView(ctx context.Context, name, query string) error

	// Ping tests connectivity.
	Ping(ctx context.Context) error

	// Type returns the backend name ("postgres", "mssql", "mem").
	Type() string

	// Close releases all connections.
	Close()
}

// ValidateIdentifier checks that a table, column, or view name is safe to
// interpolate into SQL. Identifiers start with a letter or underscore and
// contain only letters, digits, and underscores.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("identifier too long: %d characters (max 128)", len(name))
	}
	for i, r := range name {
		if isIdentStart(r) {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return fmt.Errorf("identifier contains invalid character %q at position %d: %q", r, i, name)
	}
	return nil
}

func isIdentStart(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}
