package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/semload/semload/internal/catalog"
	"github.com/semload/semload/internal/config"
	"github.com/semload/semload/internal/mapper"
	"github.com/semload/semload/internal/verify"
	"github.com/semload/semload/internal/warehouse/mem"
)

const modelDoc = `
tables:
  - name: ANON_VIEWS
    dimensions:
      - column: USER_ID
        label: User
    measures:
      - column: COMPANY_ID
        aggregation: count
`

func testConfig(t *testing.T, sourceDir string) *config.Config {
	t.Helper()
	modelPath := filepath.Join(t.TempDir(), "model.yaml")
	if err := os.WriteFile(modelPath, []byte(modelDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Warehouse: config.WarehouseConfig{Type: "mem"},
		Source:    config.SourceConfig{Dir: sourceDir},
		Load: config.LoadConfig{
			BatchSize: 2, MaxRetries: 1,
			RetryBackoff: "1ms", QueryTimeout: "5s",
		},
		Semantic: config.SemanticConfig{Model: modelPath},
		State:    config.StateConfig{Path: filepath.Join(t.TempDir(), "history.db")},
		Tables: []config.TableConfig{
			{
				Name:     "ANON_VIEWS",
				Pattern:  "views_{part}.csv",
				Required: true,
				Columns: map[string]string{
					"user_id":    "USER_ID",
					"company_id": "COMPANY_ID",
				},
				DedupKey: []string{"USER_ID", "COMPANY_ID"},
				Schema: []config.ColumnDef{
					{Name: "USER_ID", Type: "BIGINT"},
					{Name: "COMPANY_ID", Type: "BIGINT"},
				},
			},
			{
				Name:    "ANON_USER_DAY_FACT",
				Pattern: "user_day_fact.csv",
				Columns: map[string]string{"user_id": "USER_ID", "day": "DAY"},
				Schema: []config.ColumnDef{
					{Name: "USER_ID", Type: "BIGINT"},
					{Name: "DAY", Type: "DATE"},
				},
			},
		},
	}
}

func writeSource(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "views_1.csv", "user_id,company_id\n1,10\n2,20\n3,30\n")
	writeSource(t, dir, "views_2.csv", "user_id,company_id\n4,40\n5,50\n")
	writeSource(t, dir, "user_day_fact.csv", "user_id,day\n1,2024-01-01\n")

	cfg := testConfig(t, dir)
	wh := mem.New()
	o := NewWithWarehouse(cfg, wh)

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Success {
		t.Fatalf("run failed: %+v", report.Tables)
	}
	if report.RunID == "" {
		t.Error("empty run ID")
	}

	views := findTable(t, report, "ANON_VIEWS")
	if views.Load.RowsInserted != 5 {
		t.Errorf("ANON_VIEWS rows inserted = %d, want 5", views.Load.RowsInserted)
	}
	if views.Integrity.Verdict != verify.VerdictPass {
		t.Errorf("ANON_VIEWS verdict = %s, want PASS", views.Integrity.Verdict)
	}

	if len(report.Views) != 1 {
		t.Fatalf("got %d views, want 1", len(report.Views))
	}
	if report.Views[0].View != "SEMANTIC_ANON_VIEWS" {
		t.Errorf("view = %s", report.Views[0].View)
	}
	if _, ok := wh.View("SEMANTIC_ANON_VIEWS"); !ok {
		t.Error("view not installed in warehouse")
	}
}

func TestRunMissingRequiredTableDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	// No views_*.csv files; the required ANON_VIEWS table must fail
	// while ANON_USER_DAY_FACT still loads.
	writeSource(t, dir, "user_day_fact.csv", "user_id,day\n1,2024-01-01\n2,2024-01-02\n")

	cfg := testConfig(t, dir)
	o := NewWithWarehouse(cfg, mem.New())

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Success {
		t.Error("run must not be fully successful")
	}

	views := findTable(t, report, "ANON_VIEWS")
	var missing *catalog.MissingFileError
	if !errors.As(views.CatalogErr, &missing) {
		t.Errorf("ANON_VIEWS error = %v, want MissingFileError", views.CatalogErr)
	}
	if views.Load != nil {
		t.Error("ANON_VIEWS must have no load result")
	}

	fact := findTable(t, report, "ANON_USER_DAY_FACT")
	if fact.Load == nil || fact.Load.RowsInserted != 2 {
		t.Errorf("ANON_USER_DAY_FACT load = %+v", fact.Load)
	}
	if fact.Integrity.Verdict != verify.VerdictPass {
		t.Errorf("ANON_USER_DAY_FACT verdict = %s", fact.Integrity.Verdict)
	}

	// The incomplete table's view is still compiled, flagged.
	if len(report.Views) != 1 {
		t.Fatalf("got %d views, want 1", len(report.Views))
	}
	if !report.Views[0].IncompleteData {
		t.Error("view over skipped table should be flagged incomplete")
	}
}

func TestRunColumnMappingErrorSkipsTableBeforeInsert(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "views_1.csv", "wrong,header\n1,10\n")
	writeSource(t, dir, "user_day_fact.csv", "user_id,day\n1,2024-01-01\n")

	cfg := testConfig(t, dir)
	wh := mem.New()
	o := NewWithWarehouse(cfg, wh)

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Success {
		t.Error("run must not be fully successful")
	}

	views := findTable(t, report, "ANON_VIEWS")
	var mapErr *mapper.ColumnMappingError
	if !errors.As(views.CatalogErr, &mapErr) {
		t.Fatalf("error = %v, want ColumnMappingError", views.CatalogErr)
	}
	if len(mapErr.Missing) != 2 {
		t.Errorf("missing columns = %v, want both", mapErr.Missing)
	}
	// Nothing was inserted for the broken table.
	if rows := wh.Rows("ANON_VIEWS"); len(rows) != 0 {
		t.Errorf("ANON_VIEWS has %d rows, want 0", len(rows))
	}
}

func TestRunTableFilter(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "views_1.csv", "user_id,company_id\n1,10\n")
	writeSource(t, dir, "user_day_fact.csv", "user_id,day\n1,2024-01-01\n")

	cfg := testConfig(t, dir)
	o := NewWithWarehouse(cfg, mem.New())

	report, err := o.Run(context.Background(), Options{Tables: []string{"ANON_USER_DAY_FACT"}, SkipViews: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Tables) != 1 || report.Tables[0].Name != "ANON_USER_DAY_FACT" {
		t.Fatalf("tables = %+v", report.Tables)
	}
}

func TestRunTruncateBeforeLoad(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "views_1.csv", "user_id,company_id\n1,10\n")
	writeSource(t, dir, "user_day_fact.csv", "user_id,day\n1,2024-01-01\n")

	cfg := testConfig(t, dir)
	cfg.Load.Truncate = true
	wh := mem.New()
	o := NewWithWarehouse(cfg, wh)

	// Two runs against the same warehouse: without truncation rows
	// would double and verification would fail.
	for i := 0; i < 2; i++ {
		report, err := o.Run(context.Background(), Options{SkipViews: true})
		if err != nil {
			t.Fatal(err)
		}
		if !report.Success {
			t.Fatalf("run %d failed: %+v", i, report.Tables)
		}
	}
	if rows := wh.Rows("ANON_VIEWS"); len(rows) != 1 {
		t.Errorf("ANON_VIEWS rows = %d, want 1", len(rows))
	}
}

func TestInstallViewsStandalone(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	wh := mem.New()
	o := NewWithWarehouse(cfg, wh)

	views, err := o.InstallViews(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	if _, ok := wh.View("SEMANTIC_ANON_VIEWS"); !ok {
		t.Error("view not installed")
	}
}

func findTable(t *testing.T, report *RunReport, name string) TableReport {
	t.Helper()
	for _, tr := range report.Tables {
		if tr.Name == name {
			return tr
		}
	}
	t.Fatalf("table %s not in report", name)
	return TableReport{}
}
