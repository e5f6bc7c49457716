package semantic

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleModel = `
name: analytics
tables:
  - name: ANON_VIEWS
    description: Page views
    dimensions:
      - column: USER_ID
        label: User
      - column: COMPANY_ID
        label: Company
    measures:
      - column: VIEW_COUNT
        aggregation: sum
    relationships:
      - column: COMPANY_ID
        references_table: ANON_COMPANY_DAY_FACT
        references_column: COMPANY_ID
  - name: ANON_COMPANY_DAY_FACT
    view: SEMANTIC_COMPANY_DAILY
    pre_aggregated: true
    dimensions:
      - column: COMPANY_ID
        label: Company
      - column: DAY
    measures:
      - column: ACTIVE_USERS
        aggregation: sum
`

var sampleSchemas = map[string][]string{
	"ANON_VIEWS":            {"USER_ID", "COMPANY_ID", "VIEW_COUNT"},
	"ANON_COMPANY_DAY_FACT": {"COMPANY_ID", "DAY", "ACTIVE_USERS"},
}

func loadSample(t *testing.T, doc string) *Model {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadModel(path)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestLoadModel(t *testing.T) {
	m := loadSample(t, sampleModel)
	if len(m.Tables) != 2 {
		t.Fatalf("got %d tables, want 2", len(m.Tables))
	}
	if got := m.Tables[0].ViewName(); got != "SEMANTIC_ANON_VIEWS" {
		t.Errorf("default view name = %s, want SEMANTIC_ANON_VIEWS", got)
	}
	if got := m.Tables[1].ViewName(); got != "SEMANTIC_COMPANY_DAILY" {
		t.Errorf("declared view name = %s, want SEMANTIC_COMPANY_DAILY", got)
	}
}

func TestLoadModelRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	doc := "tables:\n  - name: T\n    dimenions:\n      - column: A\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModel(path); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestLoadModelValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no tables", "name: empty\n"},
		{"empty table name", "tables:\n  - dimensions:\n      - column: A\n"},
		{"duplicate table", "tables:\n  - name: T\n    dimensions:\n      - column: A\n  - name: T\n    dimensions:\n      - column: A\n"},
		{"no columns", "tables:\n  - name: T\n"},
		{"measure without aggregation", "tables:\n  - name: T\n    measures:\n      - column: A\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.yaml")
			if err := os.WriteFile(path, []byte(tt.doc), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadModel(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCompile(t *testing.T) {
	m := loadSample(t, sampleModel)
	views, err := Compile(m, sampleSchemas, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d views, want 2", len(views))
	}

	raw := views[0]
	if raw.View != "SEMANTIC_ANON_VIEWS" || raw.Table != "ANON_VIEWS" {
		t.Errorf("view identity = %s over %s", raw.View, raw.Table)
	}
	if len(raw.Relationships) != 1 {
		t.Fatalf("got %d relationships, want 1", len(raw.Relationships))
	}
	// Raw view: measure passes through, no GROUP BY.
	if strings.Contains(raw.SQL, "SUM(") {
		t.Errorf("raw view must not aggregate:\n%s", raw.SQL)
	}
	if strings.Contains(raw.SQL, "GROUP BY") {
		t.Errorf("raw view must not group:\n%s", raw.SQL)
	}
	if !strings.Contains(raw.SQL, "USER_ID AS User") {
		t.Errorf("missing dimension alias:\n%s", raw.SQL)
	}
	if !strings.Contains(raw.SQL, "-- relationship: COMPANY_ID -> ANON_COMPANY_DAY_FACT.COMPANY_ID") {
		t.Errorf("missing relationship comment:\n%s", raw.SQL)
	}

	agg := views[1]
	if !agg.PreAggregated {
		t.Error("second view should be pre-aggregated")
	}
	if !strings.Contains(agg.SQL, "SUM(ACTIVE_USERS) AS ACTIVE_USERS") {
		t.Errorf("missing aggregated measure:\n%s", agg.SQL)
	}
	if !strings.Contains(agg.SQL, "GROUP BY COMPANY_ID, DAY") {
		t.Errorf("missing GROUP BY:\n%s", agg.SQL)
	}
	// Unlabeled dimension keeps its column name.
	if !strings.Contains(agg.SQL, "DAY AS DAY") {
		t.Errorf("unlabeled dimension:\n%s", agg.SQL)
	}
}

func TestCompileQuotesFreeFormLabels(t *testing.T) {
	m := loadSample(t, sampleModel)
	m.Tables[0].Dimensions[0].Label = "User Name"
	m.Tables[0].Dimensions[1].Label = `Company "HQ"`

	views, err := Compile(m, sampleSchemas, nil)
	if err != nil {
		t.Fatal(err)
	}
	sql := views[0].SQL
	if !strings.Contains(sql, `USER_ID AS "User Name"`) {
		t.Errorf("spaced label not delimited:\n%s", sql)
	}
	if !strings.Contains(sql, `COMPANY_ID AS "Company ""HQ"""`) {
		t.Errorf("embedded quotes not doubled:\n%s", sql)
	}
	// Plain identifiers stay unquoted.
	if strings.Contains(sql, `"VIEW_COUNT"`) {
		t.Errorf("plain column needlessly quoted:\n%s", sql)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	m := loadSample(t, sampleModel)
	first, err := Compile(m, sampleSchemas, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Compile(m, sampleSchemas, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i].SQL != second[i].SQL {
			t.Errorf("view %s SQL differs between runs", first[i].View)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Model)
		schemas map[string][]string
	}{
		{
			name:    "unknown logical table",
			mutate:  func(m *Model) {},
			schemas: map[string][]string{"ANON_COMPANY_DAY_FACT": {"COMPANY_ID", "DAY", "ACTIVE_USERS"}},
		},
		{
			name:    "dimension column not in schema",
			mutate:  func(m *Model) { m.Tables[0].Dimensions[0].Column = "NOPE" },
			schemas: sampleSchemas,
		},
		{
			name:    "measure column not in schema",
			mutate:  func(m *Model) { m.Tables[0].Measures[0].Column = "NOPE" },
			schemas: sampleSchemas,
		},
		{
			name:    "relationship to undeclared table",
			mutate:  func(m *Model) { m.Tables[0].Relationships[0].ReferencesTable = "GHOST" },
			schemas: sampleSchemas,
		},
		{
			name:    "relationship to missing column",
			mutate:  func(m *Model) { m.Tables[0].Relationships[0].ReferencesColumn = "NOPE" },
			schemas: sampleSchemas,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := loadSample(t, sampleModel)
			tt.mutate(m)
			_, err := Compile(m, tt.schemas, nil)
			var modelErr *ModelError
			if !errors.As(err, &modelErr) {
				t.Fatalf("err = %v, want ModelError", err)
			}
		})
	}
}

func TestCompileFlagsIncompleteData(t *testing.T) {
	m := loadSample(t, sampleModel)
	views, err := Compile(m, sampleSchemas, map[string]bool{"ANON_VIEWS": true})
	if err != nil {
		t.Fatal(err)
	}
	if !views[0].IncompleteData {
		t.Error("ANON_VIEWS view should be flagged as incomplete")
	}
	if views[1].IncompleteData {
		t.Error("ANON_COMPANY_DAY_FACT view should not be flagged")
	}
}
