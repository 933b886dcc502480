// Package etl loads CSV files into the analytics database.
package etl

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// LoadDir loads every *.csv in dir into a table named after the file.
// Existing tables of the same name are replaced. Returns rows loaded per
// table.
func LoadDir(ctx context.Context, db *sql.DB, dir string, logger *zap.Logger) (map[string]int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("etl: bad directory pattern: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("etl: no CSV files found in %s", dir)
	}
	sort.Strings(matches)

	counts := make(map[string]int, len(matches))
	for _, path := range matches {
		table := TableName(filepath.Base(path))
		logger.Info("loading csv", zap.String("file", filepath.Base(path)), zap.String("table", table))

		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("etl: open %s: %w", path, err)
		}
		n, err := LoadCSV(ctx, db, table, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("etl: load %s: %w", path, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// LoadCSV creates (or replaces) table from the CSV header row and
// bulk-inserts all records within a single transaction. Column types are
// sniffed from the first data row. Returns the number of rows inserted.
func LoadCSV(ctx context.Context, db *sql.DB, table string, r io.Reader) (int, error) {
	table = TableName(table)
	if table == "" {
		return 0, fmt.Errorf("etl: empty table name")
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("etl: read header: %w", err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		c := columnName(h)
		if c == "" {
			c = fmt.Sprintf("column_%d", i+1)
		}
		cols[i] = c
	}

	records, err := readRecords(cr, len(cols))
	if err != nil {
		return 0, err
	}

	types := sniffTypes(cols, records)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("etl: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", table)); err != nil {
		return 0, fmt.Errorf("etl: drop %s: %w", table, err)
	}

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = fmt.Sprintf("%q %s", c, types[i])
	}
	create := fmt.Sprintf("CREATE TABLE %q (%s)", table, strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("etl: create %s: %w", table, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := fmt.Sprintf("INSERT INTO %q VALUES (%s)", table, placeholders)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, fmt.Errorf("etl: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		args := make([]any, len(cols))
		for i := range cols {
			args[i] = coerce(rec[i], types[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("etl: insert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("etl: commit: %w", err)
	}
	return len(records), nil
}

// readRecords drains the reader, padding or truncating ragged rows to the
// header width.
func readRecords(cr *csv.Reader, width int) ([][]string, error) {
	var records [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("etl: read record: %w", err)
		}
		if len(rec) < width {
			padded := make([]string, width)
			copy(padded, rec)
			rec = padded
		} else if len(rec) > width {
			rec = rec[:width]
		}
		records = append(records, rec)
	}
}

// TableName sanitizes a file or table name to an identifier-safe form.
func TableName(name string) string {
	name = strings.TrimSuffix(name, ".csv")
	return identifier(name)
}

func columnName(name string) string {
	return identifier(strings.TrimSpace(name))
}

func identifier(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.':
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// sniffTypes infers INTEGER/REAL/TEXT per column from the first non-empty
// value in each column.
func sniffTypes(cols []string, records [][]string) []string {
	types := make([]string, len(cols))
	for i := range cols {
		types[i] = "TEXT"
		for _, rec := range records {
			v := strings.TrimSpace(rec[i])
			if v == "" {
				continue
			}
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				types[i] = "INTEGER"
			} else if _, err := strconv.ParseFloat(v, 64); err == nil {
				types[i] = "REAL"
			}
			break
		}
	}
	return types
}

// coerce converts a CSV field to the sniffed column type, falling back to
// the raw string when it does not parse. Empty fields insert NULL.
func coerce(v, typ string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	switch typ {
	case "INTEGER":
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case "REAL":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
