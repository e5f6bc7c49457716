// Package loader streams classified source files into their warehouse
// tables. Files load in part order, rows go in fixed-size batches, and
// each batch insert gets its own timeout and bounded retry. A failed
// file is recorded and skipped; the rest of the table still loads.
package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/semload/semload/internal/catalog"
	"github.com/semload/semload/internal/config"
	"github.com/semload/semload/internal/logging"
	"github.com/semload/semload/internal/mapper"
	"github.com/semload/semload/internal/progress"
	"github.com/semload/semload/internal/warehouse"
)

// Options tunes the loader. Zero values fall back to the config
// defaults at construction.
type Options struct {
	BatchSize  int
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
}

// FileResult records the outcome of one source file.
type FileResult struct {
	Path         string
	Part         int
	RowsRead     int64
	RowsInserted int64
	Malformed    int64
	Err          error
}

// LoadResult aggregates a table's files.
type LoadResult struct {
	Table         string
	SourceRows    int64 // discovery count, pre-mapping
	RowsInserted  int64
	MalformedRows int64
	Elapsed       time.Duration
	Files         []FileResult
	Failed        bool // at least one file failed after retries
}

// Loader moves rows from source files into one warehouse.
type Loader struct {
	wh   warehouse.Warehouse
	opts Options
	prog *progress.Tracker
}

func New(wh warehouse.Warehouse, opts Options, prog *progress.Tracker) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10000
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Loader{wh: wh, opts: opts, prog: prog}
}

// LoadTable loads every file of one table, in part order. The resolved
// mapping must come from the header of the table's first file.
func (l *Loader) LoadTable(ctx context.Context, table *config.TableConfig, files []catalog.SourceFile, resolved *mapper.Resolved) *LoadResult {
	start := time.Now()
	result := &LoadResult{
		Table:      table.Name,
		SourceRows: catalog.SourceRows(files),
	}

	for _, f := range files {
		fr := l.loadFile(ctx, table, f, resolved)
		result.RowsInserted += fr.RowsInserted
		result.MalformedRows += fr.Malformed
		if fr.Err != nil {
			result.Failed = true
			logging.Error("Table %s: file %s failed: %v", table.Name, f.Path, fr.Err)
		}
		result.Files = append(result.Files, fr)

		if ctx.Err() != nil {
			result.Failed = true
			break
		}
	}

	result.Elapsed = time.Since(start)
	logging.Info("Loaded table %s: %d/%d rows in %s (%d malformed)",
		table.Name, result.RowsInserted, result.SourceRows,
		result.Elapsed.Round(time.Millisecond), result.MalformedRows)
	return result
}

func (l *Loader) loadFile(ctx context.Context, table *config.TableConfig, file catalog.SourceFile, resolved *mapper.Resolved) FileResult {
	fr := FileResult{Path: file.Path, Part: file.Part}

	f, err := os.Open(file.Path)
	if err != nil {
		fr.Err = err
		return fr
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		fr.Err = fmt.Errorf("reading header: %w", err)
		return fr
	}
	width := len(header)

	// The projection plan was resolved against the first part's header.
	// A later part with a narrower header would index past its records.
	for _, c := range resolved.Columns {
		if c.SrcIdx >= width {
			fr.Err = fmt.Errorf("header has %d columns, mapping for %s needs column %d",
				width, c.Target, c.SrcIdx+1)
			return fr
		}
	}

	batch := make([][]any, 0, l.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.insertBatch(ctx, table.Name, resolved.Targets, batch); err != nil {
			return err
		}
		fr.RowsInserted += int64(len(batch))
		if l.prog != nil {
			l.prog.Add(int64(len(batch)))
		}
		batch = batch[:0]
		return nil
	}

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// csv surfaces quoting problems as per-record errors;
			// count them as malformed and keep going.
			fr.Malformed++
			continue
		}
		fr.RowsRead++

		if len(record) != width {
			fr.Malformed++
			continue
		}

		batch = append(batch, projectRow(record, resolved))
		if len(batch) >= l.opts.BatchSize {
			if err := flush(); err != nil {
				fr.Err = err
				return fr
			}
		}
	}

	if err := flush(); err != nil {
		fr.Err = err
	}
	return fr
}

// projectRow applies the resolved mapping and coerces each value to the
// declared column type. Unparseable or empty values become NULL rather
// than aborting the row; the warehouse column types are the contract.
func projectRow(record []string, resolved *mapper.Resolved) []any {
	row := make([]any, 0, len(resolved.Targets))
	for i, c := range resolved.Columns {
		row = append(row, coerce(record[c.SrcIdx], resolved.Types[i]))
	}
	base := len(resolved.Columns)
	for i, d := range resolved.Defaults {
		row = append(row, coerce(d.Value, resolved.Types[base+i]))
	}
	return row
}

func coerce(value, colType string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	t := strings.ToUpper(colType)
	switch {
	case strings.Contains(t, "INT"):
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"),
		strings.Contains(t, "FLOAT"), strings.Contains(t, "DOUBLE"), strings.Contains(t, "REAL"):
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil
		}
		return f
	case strings.Contains(t, "BOOL"):
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil
		}
		return b
	default:
		return value
	}
}

// insertBatch submits one batch with bounded retries. Each attempt runs
// under its own timeout so a hung warehouse call surfaces as a
// retryable error instead of blocking the run.
func (l *Loader) insertBatch(ctx context.Context, table string, cols []string, rows [][]any) error {
	var err error

retryLoop:
	for attempt := 0; attempt <= l.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := l.opts.Backoff << (attempt - 1)
			logging.Warn("Retry %d/%d for %s after %v (error: %v)", attempt, l.opts.MaxRetries, table, backoff, err)
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break retryLoop
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
		err = l.wh.InsertBatch(attemptCtx, table, cols, rows)
		cancel()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransientLoadError{Table: table, Attempts: l.opts.MaxRetries + 1, Err: err}
}

// TransientLoadError marks a batch that failed after every retry.
type TransientLoadError struct {
	Table    string
	Attempts int
	Err      error
}

func (e *TransientLoadError) Error() string {
	return fmt.Sprintf("table %s: batch insert failed after %d attempts: %v", e.Table, e.Attempts, e.Err)
}

func (e *TransientLoadError) Unwrap() error { return e.Err }
