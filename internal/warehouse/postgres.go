package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nucleus/sync-core/internal/core"
)

// maxBindParams is the PostgreSQL wire protocol's bind parameter limit.
const maxBindParams = 65535

// Config configures a Postgres warehouse connection.
type Config struct {
	// Driver is "pgx" (default) or "postgres" for lib/pq.
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// BatchSize is the number of rows per INSERT statement (default 1000).
	BatchSize int
}

// Postgres implements Warehouse on a PostgreSQL-compatible database.
type Postgres struct {
	DB         *sql.DB
	DriverName string
	BatchSize  int
	logger     *zap.Logger
}

var _ Warehouse = (*Postgres)(nil)

// Open connects to the warehouse described by cfg.
func Open(cfg Config, logger *zap.Logger) (*Postgres, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "pgx"
	}
	if driver != "pgx" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported warehouse driver %q", driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse dsn is required")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	return NewPostgres(db, driver, cfg.BatchSize, logger), nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB, driver string, batchSize int, logger *zap.Logger) *Postgres {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{DB: db, DriverName: driver, BatchSize: batchSize, logger: logger}
}

// Close releases database resources.
func (p *Postgres) Close() error {
	if p.DB != nil {
		return p.DB.Close()
	}
	return nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.DB.PingContext(ctx)
}

// =============================================================================
// INSPECTION
// =============================================================================

// CreateSchemaIfAbsent creates the schema when missing.
func (p *Postgres) CreateSchemaIfAbsent(ctx context.Context, schema string) error {
	if schema == "" {
		return nil
	}
	if _, err := p.DB.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema)); err != nil {
		return classify(core.CodeLoadFailed, fmt.Errorf("create schema %s: %w", schema, err))
	}
	return nil
}

// TableExists reports whether the table exists.
func (p *Postgres) TableExists(ctx context.Context, table TableRef) (bool, error) {
	var exists bool
	err := p.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schemaOrPublic(table.Schema), table.Table,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

// Columns returns the table's column names in ordinal order.
func (p *Postgres) Columns(ctx context.Context, table TableRef) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`,
		schemaOrPublic(table.Schema), table.Table,
	)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// MaxTimestamp returns MAX(column) of the table.
func (p *Postgres) MaxTimestamp(ctx context.Context, table TableRef, column string) (*time.Time, error) {
	var max sql.NullTime
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", quoteIdent(column), quoteTable(table))
	if err := p.DB.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return nil, fmt.Errorf("max %s of %s: %w", column, table, err)
	}
	if !max.Valid {
		return nil, nil
	}
	t := max.Time.UTC()
	return &t, nil
}

// =============================================================================
// LOADING
// =============================================================================

// LoadRows writes rows in one transaction. Overwrite drops and recreates the
// table first; Append creates it only when missing.
func (p *Postgres) LoadRows(ctx context.Context, table TableRef, cols []Column, rows [][]any, mode LoadMode) (int64, error) {
	if err := validateLoad(cols, rows); err != nil {
		return 0, core.Wrap(core.CodeLoadFailed, false, fmt.Errorf("load %s: %w", table, err))
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(core.CodeLoadFailed, fmt.Errorf("begin load %s: %w", table, err))
	}
	defer tx.Rollback()

	if mode == Overwrite {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteTable(table)); err != nil {
			return 0, classify(core.CodeLoadFailed, fmt.Errorf("drop %s: %w", table, err))
		}
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(table, cols, mode == Append)); err != nil {
		return 0, classify(core.CodeLoadFailed, fmt.Errorf("create %s: %w", table, err))
	}

	loaded, err := p.insertBatches(ctx, tx, table, cols, rows)
	if err != nil {
		return 0, classify(core.CodeLoadFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(core.CodeLoadFailed, fmt.Errorf("commit load %s: %w", table, err))
	}

	p.logger.Debug("rows loaded",
		zap.String("table", table.String()),
		zap.String("mode", mode.String()),
		zap.Int64("rows", loaded))
	return loaded, nil
}

func (p *Postgres) insertBatches(ctx context.Context, tx *sql.Tx, table TableRef, cols []Column, rows [][]any) (int64, error) {
	batch := p.BatchSize
	if limit := maxBindParams / len(cols); batch > limit {
		batch = limit
	}

	var loaded int64
	for start := 0; start < len(rows); start += batch {
		end := start + batch
		if end > len(rows) {
			end = len(rows)
		}
		query, args := insertSQL(table, cols, rows[start:end])
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return loaded, fmt.Errorf("insert into %s rows %d-%d: %w", table, start, end-1, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = int64(end - start)
		}
		loaded += n
	}
	return loaded, nil
}

// CreateTable creates a table with the given columns.
func (p *Postgres) CreateTable(ctx context.Context, table TableRef, cols []Column) error {
	if len(cols) == 0 {
		return core.Errorf(core.CodeLoadFailed, "create %s: no columns", table)
	}
	if _, err := p.DB.ExecContext(ctx, createTableSQL(table, cols, false)); err != nil {
		return classify(core.CodeLoadFailed, fmt.Errorf("create %s: %w", table, err))
	}
	return nil
}

// DropTable drops the table if it exists.
func (p *Postgres) DropTable(ctx context.Context, table TableRef) error {
	if _, err := p.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteTable(table)); err != nil {
		return classify(core.CodeCleanupFailed, fmt.Errorf("drop %s: %w", table, err))
	}
	return nil
}

// =============================================================================
// MERGE
// =============================================================================

// Merge runs the update and insert halves in a single transaction.
func (p *Postgres) Merge(ctx context.Context, staging, target TableRef, matchColumn string, columns []string) (MergeResult, error) {
	if !containsFold(columns, matchColumn) {
		return MergeResult{}, core.Errorf(core.CodeMergeFailed, "merge into %s: match column %s not among staged columns", target, matchColumn)
	}

	update, insert := mergeSQL(staging, target, matchColumn, columns)

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, classify(core.CodeMergeFailed, fmt.Errorf("begin merge into %s: %w", target, err))
	}
	defer tx.Rollback()

	var result MergeResult
	if update != "" {
		res, err := tx.ExecContext(ctx, update)
		if err != nil {
			return MergeResult{}, classify(core.CodeMergeFailed, fmt.Errorf("merge update %s: %w", target, err))
		}
		result.Updated, _ = res.RowsAffected()
	}
	res, err := tx.ExecContext(ctx, insert)
	if err != nil {
		return MergeResult{}, classify(core.CodeMergeFailed, fmt.Errorf("merge insert %s: %w", target, err))
	}
	result.Inserted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return MergeResult{}, classify(core.CodeMergeFailed, fmt.Errorf("commit merge into %s: %w", target, err))
	}
	p.logger.Info("merge complete",
		zap.String("target", target.String()),
		zap.String("staging", staging.String()),
		zap.Int64("updated", result.Updated),
		zap.Int64("inserted", result.Inserted))
	return result, nil
}

// =============================================================================
// QUERY
// =============================================================================

// Query runs a read-only statement and materialises its result.
func (p *Postgres) Query(ctx context.Context, query string) (*ResultSet, error) {
	rows, err := p.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	rs := &ResultSet{Columns: cols}
	if types, err := rows.ColumnTypes(); err == nil {
		rs.Types = make([]string, len(types))
		for i, ct := range types {
			rs.Types[i] = ct.DatabaseTypeName()
		}
	}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query scan: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	return rs, nil
}

// =============================================================================
// SQL BUILDERS
// =============================================================================

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteTable(t TableRef) string {
	if t.Schema == "" {
		return pgx.Identifier{t.Table}.Sanitize()
	}
	return pgx.Identifier{t.Schema, t.Table}.Sanitize()
}

func schemaOrPublic(schema string) string {
	if schema == "" {
		return "public"
	}
	return schema
}

func quoteList(names []string, prefix string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = prefix + quoteIdent(n)
	}
	return strings.Join(parts, ", ")
}

func createTableSQL(table TableRef, cols []Column, ifNotExists bool) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		typ := c.Type
		if typ == "" {
			typ = "TEXT"
		}
		defs[i] = quoteIdent(c.Name) + " " + typ
	}
	clause := "CREATE TABLE "
	if ifNotExists {
		clause += "IF NOT EXISTS "
	}
	return clause + quoteTable(table) + " (" + strings.Join(defs, ", ") + ")"
}

func insertSQL(table TableRef, cols []Column, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteTable(table))
	b.WriteString(" (")
	b.WriteString(quoteList(ColumnNames(cols), ""))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	n := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteString(")")
		args = append(args, row...)
	}
	return b.String(), args
}

func mergeSQL(staging, target TableRef, matchColumn string, columns []string) (update, insert string) {
	match := quoteIdent(matchColumn)

	var sets []string
	for _, c := range columns {
		if equalFold(c, matchColumn) {
			continue
		}
		sets = append(sets, quoteIdent(c)+" = s."+quoteIdent(c))
	}
	if len(sets) > 0 {
		update = fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE t.%s = s.%s",
			quoteTable(target), strings.Join(sets, ", "), quoteTable(staging), match, match)
	}

	insert = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS s WHERE NOT EXISTS (SELECT 1 FROM %s AS t WHERE t.%s = s.%s)",
		quoteTable(target), quoteList(columns, ""), quoteList(columns, "s."), quoteTable(staging),
		quoteTable(target), match, match)
	return update, insert
}

// =============================================================================
// ERRORS
// =============================================================================

// classify wraps a database failure, marking connection and serialization
// failures as retryable for both drivers.
func classify(code string, err error) error {
	return core.Wrap(code, isRetryableSQL(err), err)
}

func isRetryableSQL(err error) bool {
	var sqlState string
	var pgErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgErr):
		sqlState = pgErr.Code
	case errors.As(err, &pqErr):
		sqlState = string(pqErr.Code)
	default:
		return errors.Is(err, sql.ErrConnDone)
	}
	// 08: connection exception, 40: transaction rollback, 57P: operator intervention
	return strings.HasPrefix(sqlState, "08") || strings.HasPrefix(sqlState, "40") || strings.HasPrefix(sqlState, "57P")
}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}
