// Package verify re-counts warehouse rows after a load and compares
// them against the source-side counts taken at discovery. It never
// mutates the warehouse; a mismatch is reported for investigation, not
// repaired by re-loading.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/semload/semload/internal/config"
	"github.com/semload/semload/internal/loader"
	"github.com/semload/semload/internal/logging"
	"github.com/semload/semload/internal/warehouse"
)

// Verdict classifies one table's integrity check.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictWarn Verdict = "WARN"
	VerdictFail Verdict = "FAIL"
)

// Report is the integrity result for one table.
type Report struct {
	Table         string
	SourceRows    int64
	WarehouseRows int64
	DuplicateRows int64
	Verdict       Verdict
	Detail        string
}

// Verifier runs read-only integrity checks against one warehouse.
type Verifier struct {
	wh      warehouse.Warehouse
	timeout time.Duration
}

func New(wh warehouse.Warehouse, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Verifier{wh: wh, timeout: timeout}
}

// Table checks one table. The verdict is PASS only when the warehouse
// count equals the discovery-time source count and no file failed;
// duplicates alone downgrade PASS to WARN.
func (v *Verifier) Table(ctx context.Context, table *config.TableConfig, load *loader.LoadResult) (*Report, error) {
	rep := &Report{Table: table.Name, SourceRows: load.SourceRows}

	queryCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	count, err := v.wh.CountRows(queryCtx, table.Name)
	if err != nil {
		return nil, fmt.Errorf("counting rows in %s: %w", table.Name, err)
	}
	rep.WarehouseRows = count

	if len(table.DedupKey) > 0 {
		dups, err := v.wh.CountDuplicates(queryCtx, table.Name, table.DedupKey)
		if err != nil {
			return nil, fmt.Errorf("counting duplicates in %s: %w", table.Name, err)
		}
		rep.DuplicateRows = dups
	}

	switch {
	case load.Failed:
		rep.Verdict = VerdictFail
		rep.Detail = "one or more source files failed to load"
	case rep.WarehouseRows != rep.SourceRows:
		rep.Verdict = VerdictFail
		rep.Detail = fmt.Sprintf("warehouse has %d rows, source has %d", rep.WarehouseRows, rep.SourceRows)
	case rep.DuplicateRows > 0:
		rep.Verdict = VerdictWarn
		rep.Detail = fmt.Sprintf("%d duplicate row(s) by key %v", rep.DuplicateRows, table.DedupKey)
	default:
		rep.Verdict = VerdictPass
	}

	logging.Info("Verified table %s: %s (source=%d warehouse=%d duplicates=%d)",
		table.Name, rep.Verdict, rep.SourceRows, rep.WarehouseRows, rep.DuplicateRows)
	return rep, nil
}
