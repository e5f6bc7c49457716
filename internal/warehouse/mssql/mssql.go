// Package mssql implements the warehouse interface on SQL Server using
// database/sql with the go-mssqldb driver. Batches go in through the
// TDS bulk copy protocol (CopyIn) inside a per-batch transaction.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/semload/semload/internal/config"
	"github.com/semload/semload/internal/logging"
	"github.com/semload/semload/internal/warehouse"
)

// Warehouse is a SQL Server-backed warehouse.
type Warehouse struct {
	db     *sql.DB
	schema string
	batch  int
}

// New connects to SQL Server and verifies the connection.
func New(cfg *config.WarehouseConfig, batchSize int) (*Warehouse, error) {
	dsn := buildDSN(cfg)

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Debug("Connected to MSSQL warehouse: %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)

	return &Warehouse{db: db, schema: cfg.Schema, batch: batchSize}, nil
}

// buildDSN assembles a sqlserver:// URL, escaping credentials.
func buildDSN(cfg *config.WarehouseConfig) string {
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port,
		url.QueryEscape(cfg.Database))
}

// Close releases the connection pool.
func (w *Warehouse) Close() {
	w.db.Close()
}

// Ping tests the connection.
func (w *Warehouse) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// Type returns "mssql".
func (w *Warehouse) Type() string {
	return "mssql"
}

// qualify returns the schema-qualified, bracketed table name.
func (w *Warehouse) qualify(table string) string {
	return fmt.Sprintf("[%s].[%s]", w.schema, table)
}

// CreateTableIfAbsent creates the table when missing.
func (w *Warehouse) CreateTableIfAbsent(ctx context.Context, table string, cols []warehouse.Column) error {
	if err := warehouse.ValidateIdentifier(table); err != nil {
		return err
	}

	defs := make([]string, len(cols))
	for i, c := range cols {
		if err := warehouse.ValidateIdentifier(c.Name); err != nil {
			return err
		}
		defs[i] = fmt.Sprintf("[%s] %s", c.Name, c.Type)
	}

	ddl := fmt.Sprintf(`
		IF OBJECT_ID(N'%s', N'U') IS NULL
		CREATE TABLE %s (
		    %s
		)`, w.qualify(table), w.qualify(table), strings.Join(defs, ",\n\t\t    "))

	if _, err := w.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	return nil
}

// TruncateTable removes all rows.
func (w *Warehouse) TruncateTable(ctx context.Context, table string) error {
	_, err := w.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", w.qualify(table)))
	return err
}

// InsertBatch appends rows with a bulk copy inside its own transaction.
// Rollback on failure discards only this batch.
func (w *Warehouse) InsertBatch(ctx context.Context, table string, cols []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(w.qualify(table), mssql.BulkOptions{
		RowsPerBatch: w.batch,
	}, cols...))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return err
		}
	}

	// Final Exec with no args flushes the bulk copy.
	if _, err := stmt.ExecContext(ctx); err != nil {
		return err
	}

	return tx.Commit()
}

// CountRows returns the exact row count.
func (w *Warehouse) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	err := w.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", w.qualify(table))).Scan(&count)
	return count, err
}

// CountDuplicates counts surplus rows sharing a dedup key.
func (w *Warehouse) CountDuplicates(ctx context.Context, table string, key []string) (int64, error) {
	quoted := make([]string, len(key))
	for i, k := range key {
		if err := warehouse.ValidateIdentifier(k); err != nil {
			return 0, err
		}
		quoted[i] = fmt.Sprintf("[%s]", k)
	}
	keyList := strings.Join(quoted, ", ")

	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(cnt - 1), 0) FROM (
			SELECT COUNT_BIG(*) AS cnt FROM %s GROUP BY %s HAVING COUNT_BIG(*) > 1
		) dup
	`, w.qualify(table), keyList)

	var count int64
	err := w.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// CreateOrReplaceView installs a view over its SELECT body.
func (w *Warehouse) CreateOrReplaceView(ctx context.Context, name, query string) error {
	if err := warehouse.ValidateIdentifier(name); err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE OR ALTER VIEW %s AS\n%s", w.qualify(name), query)
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating view %s: %w", name, err)
	}
	return nil
}
