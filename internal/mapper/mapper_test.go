package mapper

import (
	"errors"
	"reflect"
	"testing"

	"github.com/semload/semload/internal/config"
)

func viewsTable() *config.TableConfig {
	return &config.TableConfig{
		Name: "ANON_VIEWS",
		Columns: map[string]string{
			"user_id":    "USER_ID",
			"company_id": "COMPANY_ID",
			"viewed_at":  "VIEWED_AT",
		},
		Defaults: map[string]string{
			"SOURCE": "export",
		},
		Schema: []config.ColumnDef{
			{Name: "USER_ID", Type: "BIGINT"},
			{Name: "COMPANY_ID", Type: "BIGINT"},
			{Name: "VIEWED_AT", Type: "TIMESTAMP"},
			{Name: "SOURCE", Type: "TEXT"},
		},
	}
}

func TestResolve(t *testing.T) {
	r, err := Resolve(viewsTable(), []string{"viewed_at", "user_id", "company_id", "extra"})
	if err != nil {
		t.Fatal(err)
	}

	// Mapped columns come back in source index order.
	want := []ColumnRef{
		{SrcIdx: 0, Target: "VIEWED_AT"},
		{SrcIdx: 1, Target: "USER_ID"},
		{SrcIdx: 2, Target: "COMPANY_ID"},
	}
	if !reflect.DeepEqual(r.Columns, want) {
		t.Errorf("Columns = %+v, want %+v", r.Columns, want)
	}
	if !reflect.DeepEqual(r.Defaults, []DefaultRef{{Target: "SOURCE", Value: "export"}}) {
		t.Errorf("Defaults = %+v", r.Defaults)
	}
	wantTargets := []string{"VIEWED_AT", "USER_ID", "COMPANY_ID", "SOURCE"}
	if !reflect.DeepEqual(r.Targets, wantTargets) {
		t.Errorf("Targets = %v, want %v", r.Targets, wantTargets)
	}
	wantTypes := []string{"TIMESTAMP", "BIGINT", "BIGINT", "TEXT"}
	if !reflect.DeepEqual(r.Types, wantTypes) {
		t.Errorf("Types = %v, want %v", r.Types, wantTypes)
	}
}

func TestResolveHeaderNormalization(t *testing.T) {
	// BOM on the first column, varied case and padding elsewhere.
	header := []string{"\uFEFFUser_ID", " COMPANY_id ", "Viewed_At"}
	r, err := Resolve(viewsTable(), header)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Columns) != 3 {
		t.Errorf("resolved %d columns, want 3", len(r.Columns))
	}
}

func TestResolveReportsAllMissingColumns(t *testing.T) {
	_, err := Resolve(viewsTable(), []string{"user_id"})
	var mapErr *ColumnMappingError
	if !errors.As(err, &mapErr) {
		t.Fatalf("err = %v, want ColumnMappingError", err)
	}
	want := []string{"company_id", "viewed_at"}
	if !reflect.DeepEqual(mapErr.Missing, want) {
		t.Errorf("Missing = %v, want %v", mapErr.Missing, want)
	}
	if mapErr.Table != "ANON_VIEWS" {
		t.Errorf("Table = %s, want ANON_VIEWS", mapErr.Table)
	}
}

func TestResolveUnmappedSourceColumnsDropped(t *testing.T) {
	r, err := Resolve(viewsTable(), []string{"user_id", "company_id", "viewed_at", "internal_flag", "debug"})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Columns) != 3 {
		t.Errorf("resolved %d columns, want 3 (extras dropped)", len(r.Columns))
	}
}
