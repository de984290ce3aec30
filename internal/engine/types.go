// Package engine orchestrates one object sync: watermark discovery,
// strategy selection, page-by-page transfer and the incremental merge.
package engine

import (
	"context"
	"time"

	"github.com/nucleus/sync-core/internal/bulk"
	"github.com/nucleus/sync-core/internal/connector/crm"
	"github.com/nucleus/sync-core/internal/connector/http"
	"github.com/nucleus/sync-core/internal/schema"
	"github.com/nucleus/sync-core/internal/strategy"
)

// DefaultMatchField is used when a request does not name one.
const DefaultMatchField = "Id"

// SyncRequest asks for one object to be synchronized into one table.
type SyncRequest struct {
	ObjectName      string `mapstructure:"object"`
	TargetSchema    string `mapstructure:"schema"`
	TargetTable     string `mapstructure:"table"`
	MatchField      string `mapstructure:"match_field"`
	UseStaging      bool   `mapstructure:"use_staging"`
	StagingLocation string `mapstructure:"staging_location"`
	ForceFullSync   bool   `mapstructure:"force_full_sync"`
}

// SyncResult reports how a sync went. It is the only output of Sync.
type SyncResult struct {
	Object           string
	Target           string
	Method           strategy.Method
	EstimatedRecords int64
	ActualRecords    int64
	DurationSeconds  float64
	WatermarkUsed    *time.Time
	JobID            string
	Success          bool
	Error            string
	ErrorCode        string
}

// Source is the CRM REST surface the engine reads from.
type Source interface {
	Describe(ctx context.Context, object string, since *time.Time) (schema.Projection, []schema.FieldDescriptor, error)
	Count(ctx context.Context, soql string) (int64, error)
	QueryPages(soql string, batchSize int) *http.PageIterator[schema.Record]
}

// BulkSource is the bulk query surface the engine reads from.
type BulkSource interface {
	CreateQueryJob(ctx context.Context, soql string) (*bulk.Job, error)
	PollUntilComplete(ctx context.Context, job *bulk.Job, cfg bulk.PollConfig) (*bulk.Job, error)
	Results(job *bulk.Job, maxRecords int) *bulk.ResultIterator
	Cleanup(ctx context.Context, job *bulk.Job)
}

var (
	_ Source     = (*crm.Client)(nil)
	_ BulkSource = (*bulk.Client)(nil)
)

// Options tune the engine.
type Options struct {
	Thresholds strategy.Thresholds
	Poll       bulk.PollConfig
	// DirectBatchSize is the page size hint for direct queries.
	DirectBatchSize int
	// BulkMaxRecords caps rows per bulk result page (0: server default).
	BulkMaxRecords int
	// WatermarkColumn is the target column holding the last-modified time.
	WatermarkColumn string
}

// DefaultOptions returns the stock engine settings.
func DefaultOptions() Options {
	return Options{
		Thresholds:      strategy.DefaultThresholds(),
		Poll:            bulk.PollConfig{Interval: bulk.DefaultPollInterval},
		DirectBatchSize: 2000,
		WatermarkColumn: schema.ColumnName(schema.DefaultWatermarkField),
	}
}
