package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/sync-core/internal/core"
	"github.com/nucleus/sync-core/internal/schema"
	"github.com/nucleus/sync-core/internal/stage"
	"github.com/nucleus/sync-core/internal/strategy"
	"github.com/nucleus/sync-core/internal/warehouse"
)

// Engine runs syncs. One Sync call is a single sequential flow; distinct
// objects may be synced concurrently on the same engine.
type Engine struct {
	source    Source
	bulk      BulkSource
	warehouse warehouse.Warehouse
	stager    *stage.Stager
	opts      Options
	logger    *zap.Logger
}

// New builds an engine. stager may be nil when staging is never requested.
func New(source Source, bulkSource BulkSource, wh warehouse.Warehouse, stager *stage.Stager, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultOptions()
	if opts.Thresholds == (strategy.Thresholds{}) {
		opts.Thresholds = defaults.Thresholds
	} else if err := opts.Thresholds.Validate(); err != nil {
		logger.Warn("invalid thresholds, using defaults", zap.Error(err))
		opts.Thresholds = defaults.Thresholds
	}
	if opts.Poll.Interval == 0 {
		opts.Poll.Interval = defaults.Poll.Interval
	}
	if opts.DirectBatchSize == 0 {
		opts.DirectBatchSize = defaults.DirectBatchSize
	}
	if opts.WatermarkColumn == "" {
		opts.WatermarkColumn = defaults.WatermarkColumn
	}
	return &Engine{
		source:    source,
		bulk:      bulkSource,
		warehouse: wh,
		stager:    stager,
		opts:      opts,
		logger:    logger,
	}
}

// SyncAll runs the requests one after another, continuing past failures.
func (e *Engine) SyncAll(ctx context.Context, reqs []SyncRequest) []SyncResult {
	results := make([]SyncResult, 0, len(reqs))
	for _, req := range reqs {
		if ctx.Err() != nil {
			results = append(results, failed(req, ctx.Err()))
			continue
		}
		results = append(results, e.Sync(ctx, req))
	}
	return results
}

// Sync synchronizes one object. It never panics and never returns an
// error: failures are reported in the result.
func (e *Engine) Sync(ctx context.Context, req SyncRequest) (result SyncResult) {
	start := time.Now()
	result = SyncResult{
		Object: req.ObjectName,
		Target: warehouse.TableRef{Schema: req.TargetSchema, Table: req.TargetTable}.String(),
	}
	log := e.logger.With(zap.String("object", req.ObjectName), zap.String("target", result.Target))

	defer func() {
		if r := recover(); r != nil {
			log.Error("sync panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			result.Success = false
			result.Error = fmt.Sprintf("internal error: %v", r)
			result.ErrorCode = ""
		}
		result.DurationSeconds = time.Since(start).Seconds()
	}()

	run := &syncRun{engine: e, req: req, log: log, result: &result}
	if err := run.execute(ctx); err != nil {
		result.Success = false
		result.Error = err.Error()
		result.ErrorCode = core.CodeOf(err)
		log.Error("sync failed",
			zap.String("method", string(result.Method)),
			zap.Int64("records_loaded", result.ActualRecords),
			zap.String("code", result.ErrorCode),
			zap.Error(err))
		return result
	}
	result.Success = true
	log.Info("sync complete",
		zap.String("method", string(result.Method)),
		zap.Int64("estimated", result.EstimatedRecords),
		zap.Int64("loaded", result.ActualRecords),
		zap.Duration("elapsed", time.Since(start)))
	return result
}

func failed(req SyncRequest, err error) SyncResult {
	return SyncResult{
		Object:    req.ObjectName,
		Target:    warehouse.TableRef{Schema: req.TargetSchema, Table: req.TargetTable}.String(),
		Error:     err.Error(),
		ErrorCode: core.CodeOf(err),
	}
}

// syncRun carries the state of a single Sync call.
type syncRun struct {
	engine *Engine
	req    SyncRequest
	log    *zap.Logger
	result *SyncResult

	target   warehouse.TableRef
	strategy strategy.Strategy
	fields   []schema.FieldDescriptor
}

func (r *syncRun) execute(ctx context.Context) error {
	e := r.engine
	if r.req.ObjectName == "" || r.req.TargetTable == "" {
		return core.Errorf(core.CodeInvalidRequest, "object and target table are required")
	}
	if r.req.MatchField == "" {
		r.req.MatchField = DefaultMatchField
	}
	r.target = warehouse.TableRef{Schema: r.req.TargetSchema, Table: r.req.TargetTable}

	// EnsureTargetExists
	if err := e.warehouse.CreateSchemaIfAbsent(ctx, r.req.TargetSchema); err != nil {
		return err
	}
	exists, err := e.warehouse.TableExists(ctx, r.target)
	if err != nil {
		return core.Wrap(core.CodeLoadFailed, true, err)
	}

	// DetermineWatermark
	var watermark *time.Time
	if exists {
		watermark, err = e.warehouse.MaxTimestamp(ctx, r.target, e.opts.WatermarkColumn)
		if err != nil {
			r.log.Warn("watermark unavailable, falling back to full sync", zap.Error(err))
			watermark = nil
		}
	}
	input := strategy.Input{
		TableExists:     exists,
		Watermark:       watermark,
		ForceFullSync:   r.req.ForceFullSync,
		UseStaging:      r.req.UseStaging && e.stager != nil,
		StagingLocation: r.req.StagingLocation,
	}
	var since *time.Time
	if input.Incremental() {
		since = watermark
	}

	// SelectStrategy
	projection, fields, err := e.source.Describe(ctx, r.req.ObjectName, since)
	if err != nil {
		return err
	}
	r.fields = fields

	probe := strategy.Probe(ctx, e.source, projection, e.opts.Thresholds, r.log)
	r.strategy = strategy.Select(input, probe.EstimatedCount, e.opts.Thresholds)
	r.result.Method = r.strategy.Method
	r.result.EstimatedRecords = r.strategy.EstimatedRecords
	r.result.WatermarkUsed = r.strategy.Watermark
	r.log.Info("strategy selected",
		zap.String("method", string(r.strategy.Method)),
		zap.Int64("estimated", probe.EstimatedCount),
		zap.Bool("exact_estimate", probe.Exact),
		zap.Bool("incremental", r.strategy.IsIncremental))

	if probe.Empty() {
		r.log.Info("nothing to sync")
		return nil
	}

	sink, err := r.newSink(ctx)
	if err != nil {
		return err
	}

	switch {
	case r.strategy.Method.IsStaged():
		err = r.fetchStaged(ctx, projection, sink)
	case r.strategy.Method.IsBulk():
		err = r.fetchBulk(ctx, projection, sink)
	default:
		err = r.fetchDirect(ctx, projection, sink)
	}
	r.result.ActualRecords = sink.loaded
	if err != nil {
		sink.abandon(ctx)
		return err
	}
	return sink.finish(ctx)
}

// =============================================================================
// FETCH PATHS
// =============================================================================

func (r *syncRun) fetchDirect(ctx context.Context, projection schema.Projection, sink *pageSink) error {
	it := r.engine.source.QueryPages(projection.Query(), r.engine.opts.DirectBatchSize)
	defer it.Close()

	for it.Next(ctx) {
		if err := sink.write(ctx, it.Page()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return core.Wrap(core.CodeResultFetchFailed, false, fmt.Errorf("direct query %s: %w", r.req.ObjectName, err))
	}
	return nil
}

func (r *syncRun) runQueryJob(ctx context.Context, projection schema.Projection, page func(records []schema.Record) error) error {
	e := r.engine
	job, err := e.bulk.CreateQueryJob(ctx, projection.Query())
	if err != nil {
		return err
	}
	r.result.JobID = job.ID
	defer e.bulk.Cleanup(context.WithoutCancel(ctx), job)

	if _, err := e.bulk.PollUntilComplete(ctx, job, e.opts.Poll); err != nil {
		return err
	}

	it := e.bulk.Results(job, e.opts.BulkMaxRecords)
	for it.Next(ctx) {
		if err := page(it.Page().Records); err != nil {
			return err
		}
	}
	return it.Err()
}

func (r *syncRun) fetchBulk(ctx context.Context, projection schema.Projection, sink *pageSink) error {
	return r.runQueryJob(ctx, projection, func(records []schema.Record) error {
		return sink.write(ctx, records)
	})
}

// fetchStaged lands every result page in the object store before the
// target is touched.
func (r *syncRun) fetchStaged(ctx context.Context, projection schema.Projection, sink *pageSink) error {
	run, err := r.engine.stager.Begin(ctx, r.req.StagingLocation, r.req.ObjectName, schema.Columns(sink.fields))
	if err != nil {
		return err
	}
	defer run.Cleanup(context.WithoutCancel(ctx))

	err = r.runQueryJob(ctx, projection, func(records []schema.Record) error {
		rows, err := schema.CoerceRecords(sink.fields, records)
		if err != nil {
			return core.Wrap(core.CodeLoadFailed, false, err)
		}
		_, err = run.Put(ctx, rows)
		return err
	})
	if err != nil {
		return err
	}

	for _, key := range run.Keys() {
		records, err := run.Read(ctx, key)
		if err != nil {
			return err
		}
		if err := sink.write(ctx, records); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// PAGE SINK
// =============================================================================

// pageSink loads pages into the warehouse. Full syncs overwrite the target
// with the first page and append the rest; incremental syncs append to a
// run-private staging table that is merged on finish.
type pageSink struct {
	run     *syncRun
	fields  []schema.FieldDescriptor
	columns []warehouse.Column
	table   warehouse.TableRef
	merge   bool
	match   string
	pages   int
	loaded  int64
}

func (r *syncRun) newSink(ctx context.Context) (*pageSink, error) {
	e := r.engine
	sink := &pageSink{run: r, fields: r.fields, table: r.target}

	if r.strategy.IsIncremental {
		targetCols, err := e.warehouse.Columns(ctx, r.target)
		if err != nil {
			return nil, core.Wrap(core.CodeLoadFailed, true, err)
		}
		sink.fields = schema.Restrict(r.fields, targetCols)
		sink.match = schema.ColumnName(r.req.MatchField)
		if _, ok := schema.Find(sink.fields, sink.match); !ok {
			return nil, core.Errorf(core.CodeMergeFailed, "match field %s is not a column of %s", r.req.MatchField, r.target)
		}
		sink.merge = true
		sink.table = warehouse.TableRef{Schema: r.target.Schema, Table: stagingTableName(r.target.Table)}
	}

	sink.columns = make([]warehouse.Column, len(sink.fields))
	for i, f := range sink.fields {
		sink.columns[i] = warehouse.Column{Name: f.Column, Type: f.WarehouseColumnType}
	}
	if len(sink.columns) == 0 {
		return nil, core.Errorf(core.CodeLoadFailed, "no described field of %s matches a column of %s", r.req.ObjectName, r.target)
	}

	if sink.merge {
		if err := e.warehouse.CreateTable(ctx, sink.table, sink.columns); err != nil {
			return nil, err
		}
		r.log.Debug("staging table created", zap.String("staging_table", sink.table.String()))
	}
	return sink, nil
}

func (s *pageSink) write(ctx context.Context, records []schema.Record) error {
	rows, err := schema.CoerceRecords(s.fields, records)
	if err != nil {
		return core.Wrap(core.CodeLoadFailed, false, fmt.Errorf("page %d: %w", s.pages+1, err))
	}
	mode := warehouse.Append
	if !s.merge && s.pages == 0 {
		mode = warehouse.Overwrite
	}
	n, err := s.run.engine.warehouse.LoadRows(ctx, s.table, s.columns, rows, mode)
	if err != nil {
		if core.CodeOf(err) == "" {
			err = core.Wrap(core.CodeLoadFailed, false, err)
		}
		return fmt.Errorf("page %d: %w", s.pages+1, err)
	}
	s.pages++
	s.loaded += n
	s.run.log.Debug("page loaded",
		zap.Int("page", s.pages),
		zap.Int64("rows", n),
		zap.String("table", s.table.String()))
	return nil
}

func (s *pageSink) finish(ctx context.Context) error {
	e := s.run.engine
	if !s.merge {
		if s.pages == 0 {
			if _, err := e.warehouse.LoadRows(ctx, s.table, s.columns, nil, warehouse.Overwrite); err != nil {
				return err
			}
		}
		return nil
	}

	res, err := e.warehouse.Merge(ctx, s.table, s.run.target, s.match, warehouse.ColumnNames(s.columns))
	if err != nil {
		s.run.log.Error("merge failed, staging table kept",
			zap.String("staging_table", s.table.String()),
			zap.Error(err))
		if core.CodeOf(err) != core.CodeMergeFailed {
			err = core.Wrap(core.CodeMergeFailed, false, err)
		}
		return err
	}
	s.run.log.Info("delta merged",
		zap.Int64("updated", res.Updated),
		zap.Int64("inserted", res.Inserted))

	s.abandon(ctx)
	return nil
}

// abandon drops the staging table. Failures are only logged.
func (s *pageSink) abandon(ctx context.Context) {
	if !s.merge {
		return
	}
	if err := s.run.engine.warehouse.DropTable(context.WithoutCancel(ctx), s.table); err != nil {
		s.run.log.Warn("staging table cleanup failed",
			zap.String("staging_table", s.table.String()),
			zap.Error(err))
	}
}

func stagingTableName(table string) string {
	suffix := strings.ReplaceAll(stage.NewStageID(), "stage-", "")
	return "stg_" + strings.ToLower(table) + "_" + suffix[:8]
}
