// Package config loads and validates the pipeline configuration file.
// All settings live in one YAML document; the loaded Config is passed
// explicitly into each component constructor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a pipeline run.
type Config struct {
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Source    SourceConfig    `yaml:"source"`
	Load      LoadConfig      `yaml:"load"`
	Semantic  SemanticConfig  `yaml:"semantic"`
	Tables    []TableConfig   `yaml:"tables"`
	State     StateConfig     `yaml:"state"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WarehouseConfig holds warehouse connection settings.
type WarehouseConfig struct {
	Type     string `yaml:"type"` // "postgres", "mssql", or "mem" (default: postgres)
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`
	SSLMode  string `yaml:"ssl_mode"` // postgres: disable, require, verify-ca, verify-full
	MaxConns int    `yaml:"max_conns"`
}

// SourceConfig points at the directory holding the split source files.
type SourceConfig struct {
	Dir string `yaml:"dir"`
}

// LoadConfig tunes the batch loader.
type LoadConfig struct {
	BatchSize    int    `yaml:"batch_size"`    // rows per insert (default: 10000)
	MaxRetries   int    `yaml:"max_retries"`   // transient insert retries (default: 3)
	RetryBackoff string `yaml:"retry_backoff"` // base backoff, doubled per attempt (default: 1s)
	QueryTimeout string `yaml:"query_timeout"` // per warehouse round-trip (default: 30s)
	Truncate     bool   `yaml:"truncate"`      // truncate target tables before loading
}

// SemanticConfig locates the semantic model document.
type SemanticConfig struct {
	Model string `yaml:"model"` // path to the YAML semantic model, empty disables view compilation
}

// StateConfig locates the local run-history database.
type StateConfig struct {
	Path string `yaml:"path"` // default: semload.db
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ColumnDef declares one target table column.
type ColumnDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// TableConfig declares one logical table: where its files come from,
// how source columns map onto the target schema, and how duplicates
// are detected during verification.
type TableConfig struct {
	Name     string            `yaml:"name"`
	Pattern  string            `yaml:"pattern"`  // glob-like, {part} marks the part index
	Required bool              `yaml:"required"` // zero matching files is an error
	Columns  map[string]string `yaml:"columns"`  // source column -> target column
	Defaults map[string]string `yaml:"defaults"` // target column -> literal default
	DedupKey []string          `yaml:"dedup_key"`
	Schema   []ColumnDef       `yaml:"schema"` // target table columns, in DDL order
}

// TargetColumns returns the declared target column names in schema order.
func (t *TableConfig) TargetColumns() []string {
	cols := make([]string, len(t.Schema))
	for i, c := range t.Schema {
		cols[i] = c.Name
	}
	return cols
}

// ColumnType returns the declared type for a target column, or "" if the
// column is not part of the schema.
func (t *TableConfig) ColumnType(name string) string {
	for _, c := range t.Schema {
		if strings.EqualFold(c.Name, name) {
			return c.Type
		}
	}
	return ""
}

// Load reads, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return &cfg, nil
}

// applyDefaults fills unset fields with usable defaults.
func (c *Config) applyDefaults() {
	if c.Warehouse.Type == "" {
		c.Warehouse.Type = "postgres"
	}
	if c.Warehouse.Port == 0 {
		switch c.Warehouse.Type {
		case "mssql":
			c.Warehouse.Port = 1433
		default:
			c.Warehouse.Port = 5432
		}
	}
	if c.Warehouse.Schema == "" {
		switch c.Warehouse.Type {
		case "mssql":
			c.Warehouse.Schema = "dbo"
		default:
			c.Warehouse.Schema = "public"
		}
	}
	if c.Warehouse.SSLMode == "" {
		c.Warehouse.SSLMode = "require"
	}
	if c.Warehouse.MaxConns <= 0 {
		c.Warehouse.MaxConns = 4
	}

	if c.Load.BatchSize <= 0 {
		c.Load.BatchSize = 10000
	}
	if c.Load.MaxRetries <= 0 {
		c.Load.MaxRetries = 3
	}
	if c.Load.RetryBackoff == "" {
		c.Load.RetryBackoff = "1s"
	}
	if c.Load.QueryTimeout == "" {
		c.Load.QueryTimeout = "30s"
	}

	if c.State.Path == "" {
		c.State.Path = "semload.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration and returns every problem found,
// so a user can fix all of them in one pass.
func (c *Config) Validate() []string {
	var errs []string

	switch c.Warehouse.Type {
	case "postgres", "mssql", "mem":
	default:
		errs = append(errs, fmt.Sprintf("warehouse.type %q is not supported (postgres, mssql, mem)", c.Warehouse.Type))
	}
	if c.Warehouse.Type != "mem" {
		if c.Warehouse.Host == "" {
			errs = append(errs, "warehouse.host is required")
		}
		if c.Warehouse.Database == "" {
			errs = append(errs, "warehouse.database is required")
		}
	}

	if c.Source.Dir == "" {
		errs = append(errs, "source.dir is required")
	}

	if _, err := time.ParseDuration(c.Load.RetryBackoff); err != nil {
		errs = append(errs, fmt.Sprintf("load.retry_backoff: %v", err))
	}
	if _, err := time.ParseDuration(c.Load.QueryTimeout); err != nil {
		errs = append(errs, fmt.Sprintf("load.query_timeout: %v", err))
	}

	if len(c.Tables) == 0 {
		errs = append(errs, "at least one table must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Tables {
		errs = append(errs, c.Tables[i].validate(seen)...)
	}

	return errs
}

// validate checks one table entry. The declared column mapping must be
// total over the target schema: every schema column needs exactly one
// mapped source column or an explicit default.
func (t *TableConfig) validate(seen map[string]bool) []string {
	var errs []string

	if t.Name == "" {
		errs = append(errs, "table with empty name")
		return errs
	}
	if seen[t.Name] {
		errs = append(errs, fmt.Sprintf("table %s: declared more than once", t.Name))
	}
	seen[t.Name] = true

	if t.Pattern == "" {
		errs = append(errs, fmt.Sprintf("table %s: pattern is required", t.Name))
	}
	if len(t.Schema) == 0 {
		errs = append(errs, fmt.Sprintf("table %s: schema is required", t.Name))
	}

	// Each target column gets at most one source column.
	targets := make(map[string]string)
	for src, tgt := range t.Columns {
		if prev, dup := targets[tgt]; dup {
			a, b := prev, src
			if a > b {
				a, b = b, a
			}
			errs = append(errs, fmt.Sprintf("table %s: target column %s mapped from both %s and %s", t.Name, tgt, a, b))
		}
		targets[tgt] = src
	}

	// Mapping totality over the declared schema.
	for _, col := range t.Schema {
		_, mapped := targets[col.Name]
		_, defaulted := t.Defaults[col.Name]
		if !mapped && !defaulted {
			errs = append(errs, fmt.Sprintf("table %s: target column %s has no source column and no default", t.Name, col.Name))
		}
		if mapped && defaulted {
			errs = append(errs, fmt.Sprintf("table %s: target column %s has both a source column and a default", t.Name, col.Name))
		}
	}

	// Mapped and defaulted targets must exist in the schema.
	for tgt := range targets {
		if t.ColumnType(tgt) == "" {
			errs = append(errs, fmt.Sprintf("table %s: mapped target column %s is not in the schema", t.Name, tgt))
		}
	}
	for tgt := range t.Defaults {
		if t.ColumnType(tgt) == "" {
			errs = append(errs, fmt.Sprintf("table %s: defaulted column %s is not in the schema", t.Name, tgt))
		}
	}

	// Dedup key columns must exist in the schema.
	for _, k := range t.DedupKey {
		if t.ColumnType(k) == "" {
			errs = append(errs, fmt.Sprintf("table %s: dedup key column %s is not in the schema", t.Name, k))
		}
	}

	return errs
}

// RetryBackoffDuration returns the parsed retry backoff base.
func (c *LoadConfig) RetryBackoffDuration() time.Duration {
	d, err := time.ParseDuration(c.RetryBackoff)
	if err != nil {
		return time.Second
	}
	return d
}

// QueryTimeoutDuration returns the parsed warehouse round-trip timeout.
func (c *LoadConfig) QueryTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.QueryTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Table returns the configuration for a named table, or nil.
func (c *Config) Table(name string) *TableConfig {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i]
		}
	}
	return nil
}
