package retl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/sync-core/internal/bulk"
	"github.com/nucleus/sync-core/internal/schema"
	"github.com/nucleus/sync-core/internal/warehouse"
)

// DefaultHistorySchema holds the push log tables.
const DefaultHistorySchema = "logs"

var (
	historyColumns = []warehouse.Column{
		{Name: "id", Type: "VARCHAR(18)"},
		{Name: "operation", Type: "VARCHAR(16)"},
		{Name: "object", Type: "VARCHAR(255)"},
		{Name: "external_id_field_name", Type: "VARCHAR(255)"},
		{Name: "created_date", Type: "TIMESTAMP"},
		{Name: "logged_at", Type: "TIMESTAMP"},
	}
	resultColumns = []warehouse.Column{
		{Name: "history_id", Type: "VARCHAR(18)"},
		{Name: "record_index", Type: "BIGINT"},
		{Name: "record_id", Type: "VARCHAR(18)"},
		{Name: "created", Type: "BOOLEAN"},
		{Name: "success", Type: "BOOLEAN"},
		{Name: "error", Type: "TEXT"},
	}
)

// HistoryStore logs push jobs and their per-record outcome to warehouse
// tables retl_history and retl_results.
type HistoryStore struct {
	wh      warehouse.Warehouse
	history warehouse.TableRef
	results warehouse.TableRef
	logger  *zap.Logger
	now     func() time.Time
}

// NewHistoryStore writes into schemaName, DefaultHistorySchema when empty.
func NewHistoryStore(wh warehouse.Warehouse, schemaName string, logger *zap.Logger) *HistoryStore {
	if schemaName == "" {
		schemaName = DefaultHistorySchema
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryStore{
		wh:      wh,
		history: warehouse.TableRef{Schema: schemaName, Table: "retl_history"},
		results: warehouse.TableRef{Schema: schemaName, Table: "retl_results"},
		logger:  logger,
		now:     time.Now,
	}
}

// RecordJob appends the job row.
func (h *HistoryStore) RecordJob(ctx context.Context, job *bulk.Job) error {
	if err := h.wh.CreateSchemaIfAbsent(ctx, h.history.Schema); err != nil {
		return err
	}
	var created any
	if job.CreatedDate != "" {
		if t, err := schema.ParseDatetime(job.CreatedDate); err == nil {
			created = t
		}
	}
	var external any
	if job.ExternalIDFieldName != "" {
		external = job.ExternalIDFieldName
	}
	row := []any{job.ID, string(job.Operation), job.Object, external, created, h.now().UTC()}
	_, err := h.wh.LoadRows(ctx, h.history, historyColumns, [][]any{row}, warehouse.Append)
	return err
}

// RecordResults appends one row per record outcome unless the job already
// has results logged.
func (h *HistoryStore) RecordResults(ctx context.Context, jobID string, succeeded, failed []bulk.IngestResult) error {
	logged, err := h.Logged(ctx, jobID)
	if err != nil {
		return err
	}
	if logged {
		h.logger.Debug("push results already logged", zap.String("job_id", jobID))
		return nil
	}

	rows := make([][]any, 0, len(succeeded)+len(failed))
	for _, set := range [][]bulk.IngestResult{succeeded, failed} {
		for _, r := range set {
			var id, msg any
			if r.ID != "" {
				id = r.ID
			}
			if r.Error != "" {
				msg = r.Error
			}
			rows = append(rows, []any{jobID, int64(r.Index), id, r.Created, r.Success(), msg})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	if err := h.wh.CreateSchemaIfAbsent(ctx, h.results.Schema); err != nil {
		return err
	}
	_, err = h.wh.LoadRows(ctx, h.results, resultColumns, rows, warehouse.Append)
	return err
}

// Logged reports whether results for jobID were already written.
func (h *HistoryStore) Logged(ctx context.Context, jobID string) (bool, error) {
	exists, err := h.wh.TableExists(ctx, h.results)
	if err != nil || !exists {
		return false, err
	}
	rs, err := h.wh.Query(ctx, resultsQuery(h.results, jobID))
	if err != nil {
		return false, fmt.Errorf("check push log for %s: %w", jobID, err)
	}
	return len(rs.Rows) > 0, nil
}

func resultsQuery(table warehouse.TableRef, jobID string) string {
	return fmt.Sprintf("SELECT history_id FROM %s WHERE history_id = '%s' LIMIT 1",
		table, strings.ReplaceAll(jobID, "'", "''"))
}
