// Package catalog holds the immutable schema snapshot of the relational
// store. It is introspected once at process start and shared read-only by
// the planner and executor; generated SQL is validated against it before it
// ever reaches the database.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Column is one declared column of a table.
type Column struct {
	Name string
	Type string
}

// ForeignKey records a column referencing another table's column.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

// Table is the schema of one table: ordered columns plus foreign keys.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
}

// Catalog is the full schema snapshot. Immutable after construction and
// therefore safe for unsynchronized concurrent reads.
type Catalog struct {
	tables []Table

	// lowercase lookup indexes built at construction
	tableNames map[string]string          // lower(name) -> declared name
	columns    map[string]map[string]bool // lower(table) -> lower(column)
}

// New builds a catalog from a fixed table list.
func New(tables []Table) *Catalog {
	c := &Catalog{
		tables:     tables,
		tableNames: make(map[string]string, len(tables)),
		columns:    make(map[string]map[string]bool, len(tables)),
	}
	for _, t := range tables {
		key := strings.ToLower(t.Name)
		c.tableNames[key] = t.Name
		cols := make(map[string]bool, len(t.Columns))
		for _, col := range t.Columns {
			cols[strings.ToLower(col.Name)] = true
		}
		c.columns[key] = cols
	}
	return c
}

// Introspect reads the schema snapshot from a SQLite database: one pass over
// sqlite_master plus the table_info and foreign_key_list pragmas per table.
func Introspect(ctx context.Context, db *sql.DB) (*Catalog, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		t := Table{Name: name}

		colRows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, name))
		if err != nil {
			return nil, fmt.Errorf("table_info for %s: %w", name, err)
		}
		for colRows.Next() {
			var (
				cid        int
				colName    string
				colType    string
				notNull    int
				defaultVal sql.NullString
				pk         int
			)
			if err := colRows.Scan(&cid, &colName, &colType, &notNull, &defaultVal, &pk); err != nil {
				colRows.Close()
				return nil, fmt.Errorf("scanning column of %s: %w", name, err)
			}
			t.Columns = append(t.Columns, Column{Name: colName, Type: colType})
		}
		if err := colRows.Close(); err != nil {
			return nil, err
		}

		fkRows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, name))
		if err != nil {
			return nil, fmt.Errorf("foreign_key_list for %s: %w", name, err)
		}
		for fkRows.Next() {
			var (
				id, seq                      int
				refTable, from               string
				to                           sql.NullString // null when referencing an implicit primary key
				onUpdate, onDelete, matchStr string
			)
			if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &matchStr); err != nil {
				fkRows.Close()
				return nil, fmt.Errorf("scanning foreign key of %s: %w", name, err)
			}
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{Column: from, RefTable: refTable, RefColumn: to.String})
		}
		if err := fkRows.Close(); err != nil {
			return nil, err
		}

		tables = append(tables, t)
	}

	return New(tables), nil
}

// Tables returns the schema snapshot in declaration order.
func (c *Catalog) Tables() []Table { return c.tables }

// HasTable reports whether the named table exists (case-insensitive).
func (c *Catalog) HasTable(name string) bool {
	_, ok := c.tableNames[strings.ToLower(name)]
	return ok
}

// HasColumn reports whether the column exists on the named table.
func (c *Catalog) HasColumn(table, column string) bool {
	cols, ok := c.columns[strings.ToLower(table)]
	return ok && cols[strings.ToLower(column)]
}

// PromptText renders the schema block embedded in planner prompts: every
// table with its typed columns, followed by the known join paths.
func (c *Catalog) PromptText() string {
	var b strings.Builder
	for _, t := range c.tables {
		fmt.Fprintf(&b, "TABLE %s (\n", t.Name)
		for _, col := range t.Columns {
			typ := col.Type
			if typ == "" {
				typ = "TEXT"
			}
			fmt.Fprintf(&b, "  %s %s,\n", col.Name, typ)
		}
		b.WriteString(")\n")
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(&b, "  JOIN: %s.%s -> %s.%s\n", t.Name, fk.Column, fk.RefTable, fk.RefColumn)
		}
	}
	return b.String()
}

// ViolationError reports schema references that do not exist in the catalog.
// A plan raising it must never reach the executor.
type ViolationError struct {
	Tables  []string // unknown tables
	Columns []string // unknown columns, possibly Table.Column qualified
}

func (e *ViolationError) Error() string {
	var parts []string
	if len(e.Tables) > 0 {
		parts = append(parts, fmt.Sprintf("unknown tables: %s", strings.Join(e.Tables, ", ")))
	}
	if len(e.Columns) > 0 {
		parts = append(parts, fmt.Sprintf("unknown columns: %s", strings.Join(e.Columns, ", ")))
	}
	return "schema violation: " + strings.Join(parts, "; ")
}

// Validate checks a plan's referenced tables and columns against the
// snapshot. Columns may be bare names (looked up on the referenced tables)
// or qualified as Table.Column. Entries that are not identifiers, such as
// aggregate expressions or aliases, are skipped rather than rejected.
func (c *Catalog) Validate(tables, columns []string) error {
	viol := &ViolationError{}

	seen := map[string]bool{}
	for _, t := range tables {
		t = strings.TrimSpace(t)
		if t == "" || !isIdentifier(t) {
			continue
		}
		if !c.HasTable(t) {
			key := strings.ToLower(t)
			if !seen[key] {
				viol.Tables = append(viol.Tables, t)
				seen[key] = true
			}
		}
	}

	for _, col := range columns {
		col = strings.TrimSpace(col)
		if col == "" {
			continue
		}
		if table, name, ok := strings.Cut(col, "."); ok {
			if !isIdentifier(table) || !isIdentifier(name) {
				continue
			}
			// Qualified by an unknown table: already reported above if the
			// table was in the plan's table list; report the column against
			// its claimed table regardless.
			if !c.HasColumn(table, name) {
				viol.Columns = append(viol.Columns, col)
			}
			continue
		}
		if !isIdentifier(col) {
			continue
		}
		if !c.columnOnAny(col, tables) {
			viol.Columns = append(viol.Columns, col)
		}
	}

	if len(viol.Tables) > 0 || len(viol.Columns) > 0 {
		sort.Strings(viol.Tables)
		sort.Strings(viol.Columns)
		return viol
	}
	return nil
}

// columnOnAny reports whether a bare column exists on any of the plan's
// tables, falling back to the whole catalog when no valid table was named.
func (c *Catalog) columnOnAny(column string, tables []string) bool {
	matchedAny := false
	for _, t := range tables {
		if !c.HasTable(t) {
			continue
		}
		matchedAny = true
		if c.HasColumn(t, column) {
			return true
		}
	}
	if matchedAny {
		return false
	}
	for name := range c.columns {
		if c.HasColumn(name, column) {
			return true
		}
	}
	return false
}

// isIdentifier reports whether s looks like a plain SQL identifier. Plan
// metric lists often carry expressions ("SUM(Amount)") or display names
// ("total sales"); those are not column references.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
