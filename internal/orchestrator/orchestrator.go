// Package orchestrator drives the pipeline: catalog, mapping, load,
// verification, and view compilation, in that order. Per-table
// failures are captured into the run report; the run always finishes
// with a complete set of reports.
package orchestrator

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/semload/semload/internal/catalog"
	"github.com/semload/semload/internal/config"
	"github.com/semload/semload/internal/loader"
	"github.com/semload/semload/internal/logging"
	"github.com/semload/semload/internal/mapper"
	"github.com/semload/semload/internal/progress"
	"github.com/semload/semload/internal/semantic"
	"github.com/semload/semload/internal/state"
	"github.com/semload/semload/internal/verify"
	"github.com/semload/semload/internal/warehouse"
	"github.com/semload/semload/internal/warehouse/mem"
	"github.com/semload/semload/internal/warehouse/mssql"
	"github.com/semload/semload/internal/warehouse/postgres"
)

// TableReport is one table's outcome across all stages.
type TableReport struct {
	Name       string
	CatalogErr error // discovery or mapping failure, table never loaded
	Load       *loader.LoadResult
	Integrity  *verify.Report
}

// RunReport is the complete outcome of one pipeline run.
type RunReport struct {
	RunID   string
	Tables  []TableReport
	Views   []semantic.ViewDefinition
	ViewErr error
	Success bool
}

// Options narrows a run.
type Options struct {
	Tables     []string // empty means all configured tables
	SkipVerify bool
	SkipViews  bool
	ShowBar    bool // render the terminal progress bar
}

// Orchestrator owns the warehouse connection for the duration of a run.
type Orchestrator struct {
	cfg *config.Config
	wh  warehouse.Warehouse
}

// New connects to the configured warehouse.
func New(cfg *config.Config) (*Orchestrator, error) {
	wh, err := openWarehouse(cfg)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, wh: wh}, nil
}

// NewWithWarehouse wires an existing warehouse, typically an in-memory
// one in tests.
func NewWithWarehouse(cfg *config.Config, wh warehouse.Warehouse) *Orchestrator {
	return &Orchestrator{cfg: cfg, wh: wh}
}

func openWarehouse(cfg *config.Config) (warehouse.Warehouse, error) {
	switch cfg.Warehouse.Type {
	case "postgres":
		return postgres.New(&cfg.Warehouse)
	case "mssql":
		return mssql.New(&cfg.Warehouse, cfg.Load.BatchSize)
	case "mem":
		return mem.New(), nil
	default:
		return nil, fmt.Errorf("unsupported warehouse type: %s", cfg.Warehouse.Type)
	}
}

// Close releases the warehouse connection.
func (o *Orchestrator) Close() {
	o.wh.Close()
}

// Run executes the pipeline. The returned report is complete even when
// individual tables failed; err is non-nil only for run-level problems
// such as an unreadable source directory.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*RunReport, error) {
	tables := o.selectTables(opts.Tables)
	if len(tables) == 0 {
		return nil, fmt.Errorf("no configured tables selected")
	}

	store, err := state.Open(o.cfg.State.Path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	runID, err := store.CreateRun(o.cfg.Source.Dir)
	if err != nil {
		return nil, err
	}
	report := &RunReport{RunID: runID}
	logging.Info("Starting run %s (%d tables)", runID, len(tables))

	scan, err := catalog.Scan(o.cfg.Source.Dir, tables)
	if err != nil {
		if cerr := store.CompleteRun(runID, "failed"); cerr != nil {
			logging.Warn("Recording run completion failed: %v", cerr)
		}
		return nil, err
	}

	var prog *progress.Tracker
	if opts.ShowBar {
		prog = progress.New()
		var total int64
		for _, t := range tables {
			total += catalog.SourceRows(scan.Files[t.Name])
		}
		prog.SetTotal(total)
	}

	l := loader.New(o.wh, loader.Options{
		BatchSize:  o.cfg.Load.BatchSize,
		MaxRetries: o.cfg.Load.MaxRetries,
		Backoff:    o.cfg.Load.RetryBackoffDuration(),
		Timeout:    o.cfg.Load.QueryTimeoutDuration(),
	}, prog)
	v := verify.New(o.wh, o.cfg.Load.QueryTimeoutDuration())

	for i := range tables {
		table := &tables[i]
		tr := o.runTable(ctx, table, scan, l, v, opts.SkipVerify)
		report.Tables = append(report.Tables, tr)
		saveTableResult(store, runID, tr)

		if ctx.Err() != nil {
			break
		}
	}

	if prog != nil {
		prog.Finish()
	}

	if !opts.SkipViews && o.cfg.Semantic.Model != "" {
		report.Views, report.ViewErr = o.compileAndInstallViews(ctx, report)
	}

	report.Success = runSucceeded(ctx, report)
	status := "success"
	if !report.Success {
		status = "failed"
	}
	if err := store.CompleteRun(runID, status); err != nil {
		logging.Warn("Recording run completion failed: %v", err)
	}
	logging.Info("Run %s finished: %s", runID, status)
	return report, nil
}

func (o *Orchestrator) selectTables(names []string) []config.TableConfig {
	if len(names) == 0 {
		return o.cfg.Tables
	}
	var out []config.TableConfig
	for _, n := range names {
		if t := o.cfg.Table(n); t != nil {
			out = append(out, *t)
		} else {
			logging.Warn("Ignoring unknown table %s", n)
		}
	}
	return out
}

func (o *Orchestrator) runTable(ctx context.Context, table *config.TableConfig, scan *catalog.Result, l *loader.Loader, v *verify.Verifier, skipVerify bool) TableReport {
	tr := TableReport{Name: table.Name}

	if err, ok := scan.Errors[table.Name]; ok {
		tr.CatalogErr = err
		logging.Error("Table %s skipped: %v", table.Name, err)
		return tr
	}
	files := scan.Files[table.Name]
	if len(files) == 0 {
		logging.Info("Table %s: no source files, nothing to load", table.Name)
		return tr
	}

	header, err := readHeader(files[0].Path)
	if err != nil {
		tr.CatalogErr = fmt.Errorf("reading header of %s: %w", files[0].Path, err)
		return tr
	}
	resolved, err := mapper.Resolve(table, header)
	if err != nil {
		// Loading through a broken mapping would silently put wrong
		// data in the warehouse; the table is skipped before any insert.
		tr.CatalogErr = err
		logging.Error("Table %s skipped: %v", table.Name, err)
		return tr
	}

	if err := o.prepareTable(ctx, table); err != nil {
		tr.CatalogErr = err
		return tr
	}

	tr.Load = l.LoadTable(ctx, table, files, resolved)

	if !skipVerify {
		rep, err := v.Table(ctx, table, tr.Load)
		if err != nil {
			logging.Error("Table %s verification failed: %v", table.Name, err)
			rep = &verify.Report{
				Table:      table.Name,
				SourceRows: tr.Load.SourceRows,
				Verdict:    verify.VerdictFail,
				Detail:     err.Error(),
			}
		}
		tr.Integrity = rep
	}
	return tr
}

func (o *Orchestrator) prepareTable(ctx context.Context, table *config.TableConfig) error {
	cols := make([]warehouse.Column, len(table.Schema))
	for i, c := range table.Schema {
		cols[i] = warehouse.Column{Name: c.Name, Type: c.Type}
	}
	if err := o.wh.CreateTableIfAbsent(ctx, table.Name, cols); err != nil {
		return fmt.Errorf("preparing table %s: %w", table.Name, err)
	}
	if o.cfg.Load.Truncate {
		if err := o.wh.TruncateTable(ctx, table.Name); err != nil {
			return fmt.Errorf("truncating table %s: %w", table.Name, err)
		}
		logging.Info("Truncated table %s", table.Name)
	}
	return nil
}

// compileAndInstallViews compiles the semantic model and installs each
// view. Tables whose load did not fully succeed still get a view,
// flagged as built on incomplete data.
func (o *Orchestrator) compileAndInstallViews(ctx context.Context, report *RunReport) ([]semantic.ViewDefinition, error) {
	model, err := semantic.LoadModel(o.cfg.Semantic.Model)
	if err != nil {
		return nil, err
	}

	schemas := make(map[string][]string, len(o.cfg.Tables))
	for i := range o.cfg.Tables {
		schemas[o.cfg.Tables[i].Name] = o.cfg.Tables[i].TargetColumns()
	}
	incomplete := make(map[string]bool)
	for _, tr := range report.Tables {
		if tr.CatalogErr != nil || (tr.Load != nil && tr.Load.Failed) {
			incomplete[tr.Name] = true
		}
	}

	views, err := semantic.Compile(model, schemas, incomplete)
	if err != nil {
		return nil, err
	}

	for _, view := range views {
		if err := o.wh.CreateOrReplaceView(ctx, view.View, view.SQL); err != nil {
			return views, err
		}
		if view.IncompleteData {
			logging.Warn("View %s is built on incomplete data", view.View)
		} else {
			logging.Info("Created view %s over %s", view.View, view.Table)
		}
	}
	return views, nil
}

// InstallViews compiles and installs the semantic views without running
// a load. Backs the standalone views command.
func (o *Orchestrator) InstallViews(ctx context.Context) ([]semantic.ViewDefinition, error) {
	report := &RunReport{}
	return o.compileAndInstallViews(ctx, report)
}

// VerifyTables runs integrity checks against already-loaded tables.
// Source counts come from a fresh directory scan.
func (o *Orchestrator) VerifyTables(ctx context.Context, names []string) ([]*verify.Report, error) {
	tables := o.selectTables(names)
	if len(tables) == 0 {
		return nil, fmt.Errorf("no configured tables selected")
	}

	scan, err := catalog.Scan(o.cfg.Source.Dir, tables)
	if err != nil {
		return nil, err
	}

	v := verify.New(o.wh, o.cfg.Load.QueryTimeoutDuration())
	var reports []*verify.Report
	for i := range tables {
		table := &tables[i]
		if err, ok := scan.Errors[table.Name]; ok {
			logging.Error("Table %s: %v", table.Name, err)
			continue
		}
		load := &loader.LoadResult{
			Table:      table.Name,
			SourceRows: catalog.SourceRows(scan.Files[table.Name]),
		}
		rep, err := v.Table(ctx, table, load)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func saveTableResult(store *state.Store, runID string, tr TableReport) {
	r := state.TableResult{RunID: runID, Table: tr.Name}
	if tr.CatalogErr != nil {
		r.Verdict = "SKIPPED"
		r.Error = tr.CatalogErr.Error()
	}
	if tr.Load != nil {
		r.SourceRows = tr.Load.SourceRows
		r.RowsInserted = tr.Load.RowsInserted
		r.MalformedRows = tr.Load.MalformedRows
		r.ElapsedMS = tr.Load.Elapsed.Milliseconds()
	}
	if tr.Integrity != nil {
		r.WarehouseRows = tr.Integrity.WarehouseRows
		r.DuplicateRows = tr.Integrity.DuplicateRows
		r.Verdict = string(tr.Integrity.Verdict)
		r.Error = tr.Integrity.Detail
	}
	if err := store.SaveTableResult(r); err != nil {
		logging.Warn("Recording result for table %s failed: %v", tr.Name, err)
	}
}

func runSucceeded(ctx context.Context, report *RunReport) bool {
	if ctx.Err() != nil || report.ViewErr != nil {
		return false
	}
	for _, tr := range report.Tables {
		if tr.CatalogErr != nil {
			return false
		}
		if tr.Load != nil && tr.Load.Failed {
			return false
		}
		if tr.Integrity != nil && tr.Integrity.Verdict == verify.VerdictFail {
			return false
		}
	}
	return true
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return csv.NewReader(f).Read()
}
