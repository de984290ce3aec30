// Package warehouse is the analytical target of a sync: table inspection,
// batched loads, staging tables and the set-based incremental merge.
//
// Implementations:
//
//	Postgres - database/sql over pgx (default) or lib/pq
//	Memory   - in-process tables for tests and dry runs
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TableRef names a table inside a schema.
type TableRef struct {
	Schema string
	Table  string
}

func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

// Column is a column to create or load.
type Column struct {
	Name string
	Type string
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// LoadMode selects how LoadRows treats existing data.
type LoadMode int

const (
	// Append adds rows, creating the table when it does not exist.
	Append LoadMode = iota
	// Overwrite replaces the table (structure and rows) with the batch.
	Overwrite
)

func (m LoadMode) String() string {
	if m == Overwrite {
		return "overwrite"
	}
	return "append"
}

// MergeResult counts what a merge touched.
type MergeResult struct {
	Updated  int64
	Inserted int64
}

// ResultSet is a fully materialised query result.
type ResultSet struct {
	Columns []string
	// Types holds the database type name of each column when the driver
	// reports one, e.g. "DATE" or "TIMESTAMPTZ".
	Types []string
	Rows  [][]any
}

// ColumnType returns the upper-cased type name of column i, or "" if unknown.
func (rs *ResultSet) ColumnType(i int) string {
	if i < 0 || i >= len(rs.Types) {
		return ""
	}
	return strings.ToUpper(rs.Types[i])
}

// Warehouse is the set of operations the sync engine needs from a target.
type Warehouse interface {
	CreateSchemaIfAbsent(ctx context.Context, schema string) error
	TableExists(ctx context.Context, table TableRef) (bool, error)
	Columns(ctx context.Context, table TableRef) ([]string, error)
	// MaxTimestamp returns MAX(column), or nil for an empty table.
	MaxTimestamp(ctx context.Context, table TableRef, column string) (*time.Time, error)
	LoadRows(ctx context.Context, table TableRef, cols []Column, rows [][]any, mode LoadMode) (int64, error)
	CreateTable(ctx context.Context, table TableRef, cols []Column) error
	DropTable(ctx context.Context, table TableRef) error
	// Merge applies staging onto target atomically: rows whose match column
	// exists in target are updated, the rest inserted.
	Merge(ctx context.Context, staging, target TableRef, matchColumn string, columns []string) (MergeResult, error)
	Query(ctx context.Context, query string) (*ResultSet, error)
	Close() error
}

func validateLoad(cols []Column, rows [][]any) error {
	if len(cols) == 0 {
		return fmt.Errorf("load requires at least one column")
	}
	for i, row := range rows {
		if len(row) != len(cols) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(cols))
		}
	}
	return nil
}

func containsFold(list []string, name string) bool {
	for _, s := range list {
		if equalFold(s, name) {
			return true
		}
	}
	return false
}
