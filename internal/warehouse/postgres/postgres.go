// Package postgres implements the warehouse interface on PostgreSQL
// using a pgx connection pool. Batches go in through the COPY protocol.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/semload/semload/internal/config"
	"github.com/semload/semload/internal/logging"
	"github.com/semload/semload/internal/warehouse"
)

// Warehouse is a PostgreSQL-backed warehouse.
type Warehouse struct {
	pool   *pgxpool.Pool
	schema string
}

// New connects to PostgreSQL and verifies the connection.
func New(cfg *config.WarehouseConfig) (*Warehouse, error) {
	dsn := buildDSN(cfg)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Debug("Connected to PostgreSQL warehouse: %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)

	return &Warehouse{pool: pool, schema: cfg.Schema}, nil
}

// buildDSN assembles a postgres:// URL, escaping credentials.
func buildDSN(cfg *config.WarehouseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port,
		url.QueryEscape(cfg.Database),
		cfg.SSLMode)
}

// Close releases the pool.
func (w *Warehouse) Close() {
	w.pool.Close()
}

// Ping tests the connection.
func (w *Warehouse) Ping(ctx context.Context) error {
	return w.pool.Ping(ctx)
}

// Type returns "postgres".
func (w *Warehouse) Type() string {
	return "postgres"
}

// qualify returns the schema-qualified, quoted table name.
func (w *Warehouse) qualify(table string) string {
	return fmt.Sprintf("%q.%q", w.schema, table)
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
		defs[i] = fmt.Sprintf("%q %s", c.Name, c.Type)
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		w.qualify(table), strings.Join(defs, ",\n    "))

	if _, err := w.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	return nil
}

// TruncateTable removes all rows.
func (w *Warehouse) TruncateTable(ctx context.Context, table string) error {
	_, err := w.pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", w.qualify(table)))
	return err
}

// InsertBatch appends rows through the COPY protocol. COPY runs in its
// own implicit transaction, so a failure discards only this batch.
func (w *Warehouse) InsertBatch(ctx context.Context, table string, cols []string, rows [][]any) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Conn().CopyFrom(
		ctx,
		pgx.Identifier{w.schema, table},
		cols,
		pgx.CopyFromRows(rows),
	)
	return err
}

// CountRows returns the exact row count.
func (w *Warehouse) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	err := w.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", w.qualify(table))).Scan(&count)
	return count, err
}

// CountDuplicates counts surplus rows sharing a dedup key.
func (w *Warehouse) CountDuplicates(ctx context.Context, table string, key []string) (int64, error) {
	quoted := make([]string, len(key))
	for i, k := range key {
		if err := warehouse.ValidateIdentifier(k); err != nil {
			return 0, err
		}
		quoted[i] = fmt.Sprintf("%q", k)
	}
	keyList := strings.Join(quoted, ", ")

	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(cnt - 1), 0) FROM (
			SELECT COUNT(*) AS cnt FROM %s GROUP BY %s HAVING COUNT(*) > 1
		) dup
	`, w.qualify(table), keyList)

	var count int64
	err := w.pool.QueryRow(ctx, query).Scan(&count)
	return count, err
}

// CreateOrReplaceView installs a view over its SELECT body.
func (w *Warehouse) CreateOrReplaceView(ctx context.Context, name, query string) error {
	if err := warehouse.ValidateIdentifier(name); err != nil {
		return err
	}
	sql := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS\n%s", w.qualify(name), query)
	if _, err := w.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("creating view %s: %w", name, err)
	}
	return nil
}
