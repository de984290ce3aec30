package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nucleus/sync-core/internal/core"
)

// Memory is an in-process Warehouse. Table and column names are matched
// case-insensitively.
type Memory struct {
	mu      sync.Mutex
	schemas map[string]bool
	tables  map[string]*memTable
	queries map[string]*ResultSet

	// FailLoadAfter makes the Nth and later LoadRows calls fail (1-based).
	FailLoadAfter int
	// FailMerge makes Merge fail without touching the target.
	FailMerge bool

	loads int
}

var _ Warehouse = (*Memory)(nil)

type memTable struct {
	cols []Column
	rows [][]any
}

// NewMemory creates an empty in-memory warehouse.
func NewMemory() *Memory {
	return &Memory{
		schemas: map[string]bool{},
		tables:  map[string]*memTable{},
		queries: map[string]*ResultSet{},
	}
}

func key(t TableRef) string {
	return strings.ToLower(t.String())
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// CreateSchemaIfAbsent records the schema.
func (m *Memory) CreateSchemaIfAbsent(_ context.Context, schema string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[strings.ToLower(schema)] = true
	return nil
}

// HasSchema reports whether the schema was created.
func (m *Memory) HasSchema(schema string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schemas[strings.ToLower(schema)]
}

// TableExists reports whether the table exists.
func (m *Memory) TableExists(_ context.Context, table TableRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[key(table)]
	return ok, nil
}

// Columns returns the table's column names.
func (m *Memory) Columns(_ context.Context, table TableRef) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[key(table)]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return ColumnNames(t.cols), nil
}

// MaxTimestamp returns the largest time.Time in column.
func (m *Memory) MaxTimestamp(_ context.Context, table TableRef, column string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[key(table)]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	idx := t.index(column)
	if idx < 0 {
		return nil, fmt.Errorf("column %s not in %s", column, table)
	}
	var max *time.Time
	for _, row := range t.rows {
		v, ok := row[idx].(time.Time)
		if !ok {
			continue
		}
		if max == nil || v.After(*max) {
			vv := v
			max = &vv
		}
	}
	return max, nil
}

// LoadRows writes rows according to mode.
func (m *Memory) LoadRows(_ context.Context, table TableRef, cols []Column, rows [][]any, mode LoadMode) (int64, error) {
	if err := validateLoad(cols, rows); err != nil {
		return 0, core.Wrap(core.CodeLoadFailed, false, fmt.Errorf("load %s: %w", table, err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads++
	if m.FailLoadAfter > 0 && m.loads >= m.FailLoadAfter {
		return 0, core.Errorf(core.CodeLoadFailed, "load %s: injected failure", table)
	}

	t, ok := m.tables[key(table)]
	if mode == Overwrite || !ok {
		t = &memTable{cols: append([]Column(nil), cols...)}
		m.tables[key(table)] = t
	}

	positions := make([]int, len(cols))
	for i, c := range cols {
		positions[i] = t.index(c.Name)
		if positions[i] < 0 {
			return 0, core.Errorf(core.CodeLoadFailed, "load %s: column %s does not exist", table, c.Name)
		}
	}
	for _, row := range rows {
		out := make([]any, len(t.cols))
		for i, v := range row {
			out[positions[i]] = v
		}
		t.rows = append(t.rows, out)
	}
	return int64(len(rows)), nil
}

// CreateTable creates an empty table.
func (m *Memory) CreateTable(_ context.Context, table TableRef, cols []Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[key(table)]; ok {
		return core.Errorf(core.CodeLoadFailed, "create %s: already exists", table)
	}
	m.tables[key(table)] = &memTable{cols: append([]Column(nil), cols...)}
	return nil
}

// DropTable removes the table.
func (m *Memory) DropTable(_ context.Context, table TableRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, key(table))
	return nil
}

// Merge updates matching rows and inserts the rest, all or nothing.
func (m *Memory) Merge(_ context.Context, staging, target TableRef, matchColumn string, columns []string) (MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailMerge {
		return MergeResult{}, core.Errorf(core.CodeMergeFailed, "merge into %s: injected failure", target)
	}
	src, ok := m.tables[key(staging)]
	if !ok {
		return MergeResult{}, core.Errorf(core.CodeMergeFailed, "merge: staging %s does not exist", staging)
	}
	dst, ok := m.tables[key(target)]
	if !ok {
		return MergeResult{}, core.Errorf(core.CodeMergeFailed, "merge: target %s does not exist", target)
	}
	if !containsFold(columns, matchColumn) {
		return MergeResult{}, core.Errorf(core.CodeMergeFailed, "merge into %s: match column %s not among staged columns", target, matchColumn)
	}

	srcMatch, dstMatch := src.index(matchColumn), dst.index(matchColumn)
	if srcMatch < 0 || dstMatch < 0 {
		return MergeResult{}, core.Errorf(core.CodeMergeFailed, "merge into %s: match column %s missing", target, matchColumn)
	}
	type pos struct{ src, dst int }
	mapping := make([]pos, 0, len(columns))
	for _, c := range columns {
		s, d := src.index(c), dst.index(c)
		if s < 0 || d < 0 {
			return MergeResult{}, core.Errorf(core.CodeMergeFailed, "merge into %s: column %s missing", target, c)
		}
		mapping = append(mapping, pos{s, d})
	}

	byKey := make(map[any][]int)
	for i, row := range dst.rows {
		k := row[dstMatch]
		byKey[k] = append(byKey[k], i)
	}

	// Work on a copy so the target is untouched on failure.
	rows := make([][]any, len(dst.rows))
	for i, r := range dst.rows {
		rows[i] = append([]any(nil), r...)
	}
	var result MergeResult
	for _, srow := range src.rows {
		k := srow[srcMatch]
		if idxs, ok := byKey[k]; ok && k != nil {
			for _, i := range idxs {
				for _, p := range mapping {
					rows[i][p.dst] = srow[p.src]
				}
				result.Updated++
			}
			continue
		}
		out := make([]any, len(dst.cols))
		for _, p := range mapping {
			out[p.dst] = srow[p.src]
		}
		rows = append(rows, out)
		byKey[k] = append(byKey[k], len(rows)-1)
		result.Inserted++
	}
	dst.rows = rows
	return result, nil
}

// RegisterQuery makes Query return rs for the exact query text.
func (m *Memory) RegisterQuery(query string, rs *ResultSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[strings.TrimSpace(query)] = rs
}

var selectStar = regexp.MustCompile(`(?i)^\s*select\s+\*\s+from\s+([\w.]+)\s*;?\s*$`)

// Query serves registered queries and plain SELECT * table scans.
func (m *Memory) Query(_ context.Context, query string) (*ResultSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rs, ok := m.queries[strings.TrimSpace(query)]; ok {
		return rs, nil
	}
	match := selectStar.FindStringSubmatch(query)
	if match == nil {
		return nil, fmt.Errorf("query not supported by memory warehouse: %s", query)
	}
	t, ok := m.tables[strings.ToLower(match[1])]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", match[1])
	}
	rs := &ResultSet{Columns: ColumnNames(t.cols)}
	for _, c := range t.cols {
		rs.Types = append(rs.Types, c.Type)
	}
	for _, r := range t.rows {
		rs.Rows = append(rs.Rows, append([]any(nil), r...))
	}
	return rs, nil
}

// Rows returns a copy of the table's rows.
func (m *Memory) Rows(table TableRef) [][]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[key(table)]
	if !ok {
		return nil
	}
	out := make([][]any, len(t.rows))
	for i, r := range t.rows {
		out[i] = append([]any(nil), r...)
	}
	return out
}

// Tables lists the existing tables.
func (m *Memory) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tables))
	for k := range m.tables {
		out = append(out, k)
	}
	return out
}

func (t *memTable) index(column string) int {
	for i, c := range t.cols {
		if strings.EqualFold(c.Name, column) {
			return i
		}
	}
	return -1
}
