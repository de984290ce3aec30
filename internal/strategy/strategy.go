// Package strategy picks how an object is transferred: direct REST paging,
// a bulk job, or a bulk job landed through an object-store stage, each in a
// full or incremental flavour.
package strategy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/sync-core/internal/schema"
)

// Method is a transfer method.
type Method string

const (
	DirectFull            Method = "DirectFull"
	DirectIncremental     Method = "DirectIncremental"
	BulkFull              Method = "BulkFull"
	BulkIncremental       Method = "BulkIncremental"
	BulkStagedFull        Method = "BulkStagedFull"
	BulkStagedIncremental Method = "BulkStagedIncremental"
)

// IsIncremental reports whether the method merges a delta.
func (m Method) IsIncremental() bool {
	return m == DirectIncremental || m == BulkIncremental || m == BulkStagedIncremental
}

// IsBulk reports whether the method uses a bulk query job.
func (m Method) IsBulk() bool {
	return m != DirectFull && m != DirectIncremental && m != ""
}

// IsStaged reports whether pages land in the object store first.
func (m Method) IsStaged() bool {
	return m == BulkStagedFull || m == BulkStagedIncremental
}

// Thresholds are the volume cut-offs and probe fallbacks. The value is
// passed per call and never mutated.
type Thresholds struct {
	Bulk                int64
	Staging             int64
	FullFallback        int64
	IncrementalFallback int64
}

// DefaultThresholds returns the stock cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Bulk:                10000,
		Staging:             50000,
		FullFallback:        100000,
		IncrementalFallback: 50000,
	}
}

// Validate checks the ordering constraints between thresholds.
func (t Thresholds) Validate() error {
	if t.Bulk <= 0 {
		return fmt.Errorf("bulk threshold must be positive, got %d", t.Bulk)
	}
	if t.Staging <= t.Bulk {
		return fmt.Errorf("staging threshold %d must exceed bulk threshold %d", t.Staging, t.Bulk)
	}
	if t.FullFallback <= t.IncrementalFallback {
		return fmt.Errorf("full fallback %d must exceed incremental fallback %d", t.FullFallback, t.IncrementalFallback)
	}
	return nil
}

// Input is the prior-state half of the decision.
type Input struct {
	TableExists     bool
	Watermark       *time.Time
	ForceFullSync   bool
	UseStaging      bool
	StagingLocation string
}

// Incremental reports whether a delta sync is possible. A missing
// watermark always forces a full sync.
func (in Input) Incremental() bool {
	return in.TableExists && !in.ForceFullSync && in.Watermark != nil
}

// Strategy is the selected plan for one sync call.
type Strategy struct {
	Method           Method
	EstimatedRecords int64
	IsIncremental    bool
	Watermark        *time.Time
}

// Select maps an estimate and prior state to a method. Ties go to the
// heavier method.
func Select(in Input, estimate int64, t Thresholds) Strategy {
	incremental := in.Incremental()

	var method Method
	switch {
	case estimate >= t.Staging && in.UseStaging && in.StagingLocation != "":
		method = pick(incremental, BulkStagedIncremental, BulkStagedFull)
	case estimate >= t.Bulk:
		method = pick(incremental, BulkIncremental, BulkFull)
	default:
		method = pick(incremental, DirectIncremental, DirectFull)
	}

	s := Strategy{
		Method:           method,
		EstimatedRecords: estimate,
		IsIncremental:    incremental,
	}
	if incremental {
		s.Watermark = in.Watermark
	}
	return s
}

func pick(incremental bool, inc, full Method) Method {
	if incremental {
		return inc
	}
	return full
}

// =============================================================================
// COUNT PROBE
// =============================================================================

// Counter runs a count query against the source.
type Counter interface {
	Count(ctx context.Context, soql string) (int64, error)
}

// ProbeResult is the outcome of a volume estimate.
type ProbeResult struct {
	EstimatedCount int64
	// Exact is false when the probe failed and a fallback was used.
	Exact bool
	Err   error
}

// Empty reports whether the source positively has nothing to transfer.
func (r ProbeResult) Empty() bool {
	return r.Exact && r.EstimatedCount == 0
}

// Probe estimates the number of records the projection will return. Probe
// failures are recovered with the configured fallback for the sync kind.
func Probe(ctx context.Context, counter Counter, projection schema.Projection, t Thresholds, logger *zap.Logger) ProbeResult {
	if logger == nil {
		logger = zap.NewNop()
	}
	count, err := counter.Count(ctx, projection.CountQuery())
	if err == nil {
		return ProbeResult{EstimatedCount: count, Exact: true}
	}

	fallback := t.FullFallback
	if projection.Since != nil {
		fallback = t.IncrementalFallback
	}
	logger.Warn("count probe failed, using fallback estimate",
		zap.String("object", projection.Object),
		zap.Int64("fallback", fallback),
		zap.Error(err))
	return ProbeResult{EstimatedCount: fallback, Err: err}
}
