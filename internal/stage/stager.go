// Package stage lands bulk result pages in object storage as Parquet before
// they are loaded, so a run only touches the warehouse once every page has
// been retrieved.
package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nucleus/sync-core/internal/core"
	"github.com/nucleus/sync-core/internal/schema"
)

// Location is a bucket plus key prefix.
type Location struct {
	Bucket string
	Prefix string
}

func (l Location) String() string {
	return "s3://" + joinPath(l.Bucket, l.Prefix)
}

// ParseLocation accepts "s3://bucket/prefix", "minio://bucket/prefix" or
// "bucket/prefix".
func ParseLocation(raw string) (Location, error) {
	s := strings.TrimSpace(raw)
	for _, scheme := range []string{"s3://", "s3a://", "minio://"} {
		s = strings.TrimPrefix(s, scheme)
	}
	s = strings.Trim(s, "/")
	if s == "" {
		return Location{}, core.Errorf(core.CodeInvalidRequest, "empty staging location %q", raw)
	}
	bucket, prefix, _ := strings.Cut(s, "/")
	return Location{Bucket: bucket, Prefix: prefix}, nil
}

// NewStageID returns a unique run identifier.
func NewStageID() string {
	return "stage-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Stager creates staging runs against an object store.
type Stager struct {
	store  ObjectStore
	logger *zap.Logger
}

// NewStager creates a stager.
func NewStager(store ObjectStore, logger *zap.Logger) *Stager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{store: store, logger: logger}
}

// Run is one staging session: pages put under a unique prefix, read back in
// order, then removed.
type Run struct {
	ID       string
	Location Location
	Columns  []string

	stager *Stager
	keys   []string
}

// Begin opens a run for object under location.
func (s *Stager) Begin(ctx context.Context, location, object string, columns []string) (*Run, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	if err := s.store.EnsureBucket(ctx, loc.Bucket); err != nil {
		return nil, core.Wrap(core.CodeStageFailed, false, fmt.Errorf("stage bucket %s: %w", loc.Bucket, err))
	}
	id := NewStageID()
	run := &Run{
		ID:       id,
		Location: Location{Bucket: loc.Bucket, Prefix: joinPath(loc.Prefix, strings.ToLower(object), id)},
		Columns:  append([]string(nil), columns...),
		stager:   s,
	}
	s.logger.Info("stage run started", zap.String("stage_id", id), zap.String("location", run.Location.String()))
	return run, nil
}

// Put stages one page of coerced rows.
func (r *Run) Put(ctx context.Context, rows [][]any) (string, error) {
	data, err := EncodePage(r.Columns, rows)
	if err != nil {
		return "", core.Wrap(core.CodeStageFailed, false, err)
	}
	key := joinPath(r.Location.Prefix, fmt.Sprintf("part-%06d.parquet", len(r.keys)))
	if err := r.stager.store.PutObject(ctx, r.Location.Bucket, key, data); err != nil {
		return "", core.Wrap(core.CodeStageFailed, true, fmt.Errorf("put %s: %w", key, err))
	}
	r.keys = append(r.keys, key)
	return key, nil
}

// Keys returns the staged object keys in write order.
func (r *Run) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Read returns the records of one staged page.
func (r *Run) Read(ctx context.Context, key string) ([]schema.Record, error) {
	data, err := r.stager.store.GetObject(ctx, r.Location.Bucket, key)
	if err != nil {
		return nil, core.Wrap(core.CodeStageFailed, true, fmt.Errorf("get %s: %w", key, err))
	}
	records, err := DecodePage(data, r.Columns)
	if err != nil {
		return nil, core.Wrap(core.CodeStageFailed, false, fmt.Errorf("decode %s: %w", key, err))
	}
	return records, nil
}

// Cleanup removes every object under the run prefix. Failures are logged.
func (r *Run) Cleanup(ctx context.Context) {
	keys, err := r.stager.store.ListPrefix(ctx, r.Location.Bucket, r.Location.Prefix)
	if err != nil {
		r.stager.logger.Warn("stage cleanup list failed", zap.String("stage_id", r.ID), zap.Error(err))
		keys = r.keys
	}
	for _, key := range keys {
		if err := r.stager.store.DeleteObject(ctx, r.Location.Bucket, key); err != nil {
			r.stager.logger.Warn("stage cleanup failed",
				zap.String("stage_id", r.ID),
				zap.String("key", key),
				zap.Error(err))
		}
	}
}
