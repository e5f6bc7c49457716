// Package mem provides an in-memory warehouse. It backs dry runs and
// tests where no real database is reachable.
package mem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/semload/semload/internal/warehouse"
)

type table struct {
	cols []warehouse.Column
	rows [][]any
}

// Warehouse keeps all tables and views in process memory.
type Warehouse struct {
	mu     sync.Mutex
	tables map[string]*table
	views  map[string]string
}

func New() *Warehouse {
	return &Warehouse{
		tables: make(map[string]*table),
		views:  make(map[string]string),
	}
}

func (w *Warehouse) Close()                         {}
func (w *Warehouse) Ping(ctx context.Context) error { return nil }
func (w *Warehouse) Type() string                   { return "mem" }

func (w *Warehouse) CreateTableIfAbsent(ctx context.Context, name string, cols []warehouse.Column) error {
	if err := warehouse.ValidateIdentifier(name); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tables[name]; !ok {
		w.tables[name] = &table{cols: cols}
	}
	return nil
}

func (w *Warehouse) TruncateTable(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	if !ok {
		return fmt.Errorf("table %s does not exist", name)
	}
	t.rows = nil
	return nil
}

func (w *Warehouse) InsertBatch(ctx context.Context, name string, cols []string, rows [][]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	if !ok {
		return fmt.Errorf("table %s does not exist", name)
	}
	for _, row := range rows {
		if len(row) != len(cols) {
			return fmt.Errorf("row has %d values, want %d", len(row), len(cols))
		}
	}
	// Reorder values into declared column order so reads are stable.
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i] = -1
		for j, tc := range t.cols {
			if strings.EqualFold(tc.Name, c) {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return fmt.Errorf("table %s has no column %s", name, c)
		}
	}
	for _, row := range rows {
		full := make([]any, len(t.cols))
		for i, v := range row {
			full[idx[i]] = v
		}
		t.rows = append(t.rows, full)
	}
	return nil
}

func (w *Warehouse) CountRows(ctx context.Context, name string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	if !ok {
		return 0, fmt.Errorf("table %s does not exist", name)
	}
	return int64(len(t.rows)), nil
}

func (w *Warehouse) CountDuplicates(ctx context.Context, name string, key []string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	if !ok {
		return 0, fmt.Errorf("table %s does not exist", name)
	}
	idx := make([]int, len(key))
	for i, k := range key {
		idx[i] = -1
		for j, c := range t.cols {
			if strings.EqualFold(c.Name, k) {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return 0, fmt.Errorf("table %s has no column %s", name, k)
		}
	}
	seen := make(map[string]int64)
	for _, row := range t.rows {
		parts := make([]string, len(idx))
		for i, j := range idx {
			parts[i] = fmt.Sprintf("%v", row[j])
		}
		seen[strings.Join(parts, "\x1f")]++
	}
	var dups int64
	for _, n := range seen {
		if n > 1 {
			dups += n - 1
		}
	}
	return dups, nil
}

func (w *Warehouse) CreateOrReplaceView(ctx context.Context, name, query string) error {
	if err := warehouse.ValidateIdentifier(name); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.views[name] = query
	return nil
}

// Rows returns a copy of a table's rows in declared column order.
// Test helper.
func (w *Warehouse) Rows(name string) [][]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	if !ok {
		return nil
	}
	out := make([][]any, len(t.rows))
	for i, r := range t.rows {
		out[i] = append([]any(nil), r...)
	}
	return out
}

// Columns returns a table's declared columns. Test helper.
func (w *Warehouse) Columns(name string) []warehouse.Column {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[name]
	if !ok {
		return nil
	}
	return append([]warehouse.Column(nil), t.cols...)
}

// View returns a view's SELECT body and whether it exists. Test helper.
func (w *Warehouse) View(name string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.views[name]
	return q, ok
}
