// Package catalog discovers source files for each configured logical
// table. A table's pattern is glob-like: '*' and '?' match within the
// file name and '{part}' captures the numeric part index used to order
// multi-part files. Matching is case-insensitive on the base name.
//
// Discovery also counts data rows per file (header excluded). The
// counts feed integrity verification after the load, so they have to
// come from the files themselves rather than from the loader.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/semload/semload/internal/config"
	"github.com/semload/semload/internal/logging"
)

// SourceFile is one discovered file belonging to a logical table.
type SourceFile struct {
	Path  string
	Table string
	Part  int   // part index from the filename, -1 for single-file tables
	Rows  int64 // data rows, header excluded
}

// Result maps each table to its ordered source files. Tables whose
// discovery failed carry an entry in Errors instead; other tables are
// unaffected.
type Result struct {
	Files  map[string][]SourceFile
	Errors map[string]error
}

// MissingFileError reports a required table with no matching files.
type MissingFileError struct {
	Table string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("no source files match required table %s", e.Table)
}

// AmbiguousMatchError reports a file claimed by more than one table
// pattern. Loading it anywhere would be a guess.
type AmbiguousMatchError struct {
	File   string
	Tables []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("file %s matches multiple tables: %s", e.File, strings.Join(e.Tables, ", "))
}

type pattern struct {
	table string
	re    *regexp.Regexp
}

// compilePattern translates a glob-like table pattern into a regexp.
// '{part}' becomes a capture group over digits.
func compilePattern(p string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for i := 0; i < len(p); i++ {
		switch {
		case strings.HasPrefix(p[i:], "{part}"):
			b.WriteString(`(\d+)`)
			i += len("{part}") - 1
		case p[i] == '*':
			b.WriteString(".*")
		case p[i] == '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(p[i])))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Scan walks dir and classifies every regular file against the table
// patterns. An unreadable directory aborts the run; everything else is
// recorded per table in the Result.
func Scan(dir string, tables []config.TableConfig) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading source directory: %w", err)
	}

	patterns := make([]pattern, 0, len(tables))
	for _, t := range tables {
		re, err := compilePattern(t.Pattern)
		if err != nil {
			return nil, fmt.Errorf("table %s: invalid pattern %q: %w", t.Name, t.Pattern, err)
		}
		patterns = append(patterns, pattern{table: t.Name, re: re})
	}

	res := &Result{
		Files:  make(map[string][]SourceFile),
		Errors: make(map[string]error),
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var matched []int
		for i, p := range patterns {
			if p.re.MatchString(name) {
				matched = append(matched, i)
			}
		}
		switch {
		case len(matched) == 0:
			logging.Debug("Skipping unclassified file: %s", name)
			continue
		case len(matched) > 1:
			names := make([]string, len(matched))
			for i, m := range matched {
				names[i] = patterns[m].table
			}
			ambErr := &AmbiguousMatchError{File: name, Tables: names}
			for _, t := range names {
				res.Errors[t] = ambErr
			}
			continue
		}

		p := patterns[matched[0]]
		part := -1
		if sub := p.re.FindStringSubmatch(name); len(sub) > 1 {
			if n, err := strconv.Atoi(sub[1]); err == nil {
				part = n
			}
		}

		path := filepath.Join(dir, name)
		rows, err := countRows(path)
		if err != nil {
			res.Errors[p.table] = fmt.Errorf("counting rows in %s: %w", name, err)
			continue
		}

		res.Files[p.table] = append(res.Files[p.table], SourceFile{
			Path:  path,
			Table: p.table,
			Part:  part,
			Rows:  rows,
		})
	}

	// Order multi-part files by their embedded part index. Directory
	// listing order is not stable across platforms.
	for table, files := range res.Files {
		sort.Slice(files, func(i, j int) bool {
			if files[i].Part != files[j].Part {
				return files[i].Part < files[j].Part
			}
			return files[i].Path < files[j].Path
		})
		res.Files[table] = files
	}

	for _, t := range tables {
		if _, hasErr := res.Errors[t.Name]; hasErr {
			delete(res.Files, t.Name)
			continue
		}
		if len(res.Files[t.Name]) == 0 && t.Required {
			res.Errors[t.Name] = &MissingFileError{Table: t.Name}
		}
	}

	for table, files := range res.Files {
		var total int64
		for _, f := range files {
			total += f.Rows
		}
		logging.Info("Cataloged table %s: %d file(s), %d source rows", table, len(files), total)
	}

	return res, nil
}

// countRows counts data rows in a CSV file, excluding the header.
func countRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	r.FieldsPerRecord = -1

	var rows int64
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A bad-quoted record is still a data row; the loader skips
			// it as malformed, and verification reports the shortfall.
			rows++
			continue
		}
		rows++
	}
	if rows > 0 {
		rows-- // header
	}
	return rows, nil
}

// SourceRows sums the discovered row counts of a table's files.
func SourceRows(files []SourceFile) int64 {
	var total int64
	for _, f := range files {
		total += f.Rows
	}
	return total
}
