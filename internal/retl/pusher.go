// Package retl pushes warehouse query results back into the CRM through
// bulk ingest jobs.
package retl

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nucleus/sync-core/internal/bulk"
	"github.com/nucleus/sync-core/internal/core"
	"github.com/nucleus/sync-core/internal/warehouse"
)

// Ingester is the bulk ingest surface a push drives.
type Ingester interface {
	CreateIngestJob(ctx context.Context, req bulk.IngestRequest) (*bulk.Job, error)
	UploadBatch(ctx context.Context, job *bulk.Job, data []byte) error
	CloseJob(ctx context.Context, job *bulk.Job) error
	AbortJob(ctx context.Context, job *bulk.Job) error
	PollUntilComplete(ctx context.Context, job *bulk.Job, cfg bulk.PollConfig) (*bulk.Job, error)
	SuccessfulResults(ctx context.Context, job *bulk.Job) ([]bulk.IngestResult, error)
	FailedResults(ctx context.Context, job *bulk.Job) ([]bulk.IngestResult, error)
}

var _ Ingester = (*bulk.Client)(nil)

// PushRequest describes one push. The whole query result goes into a
// single job; callers pre-chunk results that exceed the per-job limits.
type PushRequest struct {
	Object     string         `mapstructure:"object"`
	Operation  bulk.Operation `mapstructure:"operation"`
	MatchField string         `mapstructure:"match_field"`
	Query      string         `mapstructure:"query"`
	LineEnding string         `mapstructure:"line_ending"`
	LogResults bool           `mapstructure:"log_results"`
}

// Pusher runs pushes.
type Pusher struct {
	warehouse warehouse.Warehouse
	ingest    Ingester
	history   *HistoryStore
	poll      bulk.PollConfig
	logger    *zap.Logger
}

// NewPusher builds a pusher. history may be nil.
func NewPusher(wh warehouse.Warehouse, ingest Ingester, history *HistoryStore, poll bulk.PollConfig, logger *zap.Logger) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{warehouse: wh, ingest: ingest, history: history, poll: poll, logger: logger}
}

// Push queries the warehouse, uploads the rows to a new ingest job and
// waits for the job to finish. An empty result creates no job and returns
// a nil job.
func (p *Pusher) Push(ctx context.Context, req PushRequest) (*bulk.Job, error) {
	if !req.Operation.IsIngest() {
		return nil, core.Errorf(core.CodeInvalidRequest, "unsupported push operation %q", req.Operation)
	}
	if req.Query == "" {
		return nil, core.Errorf(core.CodeInvalidRequest, "push into %s requires a query", req.Object)
	}
	log := p.logger.With(zap.String("object", req.Object), zap.String("operation", string(req.Operation)))

	rs, err := p.warehouse.Query(ctx, req.Query)
	if err != nil {
		return nil, core.Wrap(core.CodeResultFetchFailed, false, fmt.Errorf("push query: %w", err))
	}
	if len(rs.Rows) == 0 {
		log.Info("push query returned no rows, no job created")
		return nil, nil
	}
	payload, err := EncodeCSV(rs, req.LineEnding)
	if err != nil {
		return nil, core.Wrap(core.CodeJobCreationFailed, false, fmt.Errorf("encode push payload: %w", err))
	}

	job, err := p.ingest.CreateIngestJob(ctx, bulk.IngestRequest{
		Object:     req.Object,
		Operation:  req.Operation,
		MatchField: req.MatchField,
		LineEnding: req.LineEnding,
	})
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("job_id", job.ID))
	if p.history != nil {
		if err := p.history.RecordJob(ctx, job); err != nil {
			log.Warn("push history not recorded", zap.Error(err))
		}
	}

	if err := p.ingest.UploadBatch(ctx, job, payload); err != nil {
		p.abort(ctx, job, log)
		return job, err
	}
	if err := p.ingest.CloseJob(ctx, job); err != nil {
		p.abort(ctx, job, log)
		return job, err
	}
	log.Info("push uploaded", zap.Int("rows", len(rs.Rows)), zap.Int("bytes", len(payload)))

	done, err := p.ingest.PollUntilComplete(ctx, job, p.poll)
	if err != nil {
		return job, err
	}
	done.Kind = job.Kind

	if req.LogResults {
		p.logResults(ctx, done, log)
	}
	return done, nil
}

func (p *Pusher) abort(ctx context.Context, job *bulk.Job, log *zap.Logger) {
	if err := p.ingest.AbortJob(context.WithoutCancel(ctx), job); err != nil {
		log.Warn("abort push job failed", zap.Error(err))
	}
}

// logResults fetches the per-record outcome. Failures here never fail the
// push.
func (p *Pusher) logResults(ctx context.Context, job *bulk.Job, log *zap.Logger) {
	succeeded, err := p.ingest.SuccessfulResults(ctx, job)
	if err != nil {
		log.Warn("successful results unavailable", zap.Error(err))
	}
	failed, err := p.ingest.FailedResults(ctx, job)
	if err != nil {
		log.Warn("failed results unavailable", zap.Error(err))
	}

	created := 0
	for _, r := range succeeded {
		if r.Created {
			created++
		}
	}
	log.Info("push results",
		zap.Int("succeeded", len(succeeded)),
		zap.Int("created", created),
		zap.Int("failed", len(failed)))
	for _, r := range failed {
		log.Warn("record rejected", zap.Int("index", r.Index), zap.String("error", r.Error))
	}

	if p.history == nil {
		return
	}
	if err := p.history.RecordResults(ctx, job.ID, succeeded, failed); err != nil {
		log.Warn("push results not recorded", zap.Error(err))
	}
}
