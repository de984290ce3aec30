package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/sync-core/internal/core"
	"github.com/nucleus/sync-core/internal/strategy"
	"github.com/nucleus/sync-core/internal/warehouse"
)

func TestSyncDirectFullOnNewTable(t *testing.T) {
	f := &fakeCRM{count: 500, directPages: [][]map[string]any{
		directRecords(300, "001A"),
		directRecords(200, "001B"),
	}}
	h := newHarness(t, f)

	res := h.engine.Sync(testContext(t), accountRequest())

	require.True(t, res.Success, res.Error)
	requireMethod(t, strategy.DirectFull, res)
	assert.Equal(t, int64(500), res.EstimatedRecords)
	assert.Equal(t, int64(500), res.ActualRecords)
	assert.Nil(t, res.WatermarkUsed)
	assert.Equal(t, "crm.account", res.Target)
	assert.Len(t, h.wh.Rows(accountTarget), 500)
	assert.True(t, h.wh.HasSchema("crm"))
	assert.Empty(t, f.jobQueries)
	assert.Equal(t, 2, f.directFetch)
	require.Len(t, f.countQueries, 1)
	assert.NotContains(t, f.countQueries[0], "WHERE")
}

func TestSyncDirectFullIsIdempotent(t *testing.T) {
	f := &fakeCRM{count: 3, directPages: [][]map[string]any{directRecords(3, "001A")}}
	h := newHarness(t, f)

	first := h.engine.Sync(testContext(t), SyncRequest{ObjectName: "Account", TargetSchema: "crm", TargetTable: "account", ForceFullSync: true})
	second := h.engine.Sync(testContext(t), SyncRequest{ObjectName: "Account", TargetSchema: "crm", TargetTable: "account", ForceFullSync: true})

	require.True(t, first.Success, first.Error)
	require.True(t, second.Success, second.Error)
	requireMethod(t, strategy.DirectFull, second)
	assert.Len(t, h.wh.Rows(accountTarget), 3)
}

func TestSyncBulkIncrementalMergesDelta(t *testing.T) {
	watermark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeCRM{
		count:       12000,
		jobStates:   []string{"InProgress", "JobComplete"},
		resultPages: []string{csvPage("001A", "001C")},
	}
	h := newHarness(t, f)
	seedTarget(t, h.wh, watermark)

	res := h.engine.Sync(testContext(t), accountRequest())

	require.True(t, res.Success, res.Error)
	requireMethod(t, strategy.BulkIncremental, res)
	require.NotNil(t, res.WatermarkUsed)
	assert.True(t, watermark.Equal(*res.WatermarkUsed))
	assert.Equal(t, "750J", res.JobID)
	assert.Equal(t, int64(2), res.ActualRecords)

	require.Len(t, f.countQueries, 1)
	assert.Contains(t, f.countQueries[0], "WHERE LastModifiedDate > 2024-01-01T00:00:00Z")
	require.Len(t, f.jobQueries, 1)
	assert.Contains(t, f.jobQueries[0], "WHERE LastModifiedDate > 2024-01-01T00:00:00Z")

	rows := h.wh.Rows(accountTarget)
	require.Len(t, rows, 3)
	byID := map[any][]any{}
	for _, r := range rows {
		byID[r[0]] = r
	}
	assert.Equal(t, "name-001A", byID["001A"][1])
	assert.Equal(t, "old B", byID["001B"][1])
	assert.Equal(t, "name-001C", byID["001C"][1])

	assert.Equal(t, []string{"crm.account"}, h.wh.Tables(), "staging table dropped")
	assert.Equal(t, []string{"750J"}, f.deleted)
}

func TestSyncProbeFailureFallsBackToBulkFull(t *testing.T) {
	f := &fakeCRM{
		countStatus: 500,
		resultPages: []string{csvPage("001A", "001B")},
	}
	h := newHarness(t, f)

	res := h.engine.Sync(testContext(t), accountRequest())

	require.True(t, res.Success, res.Error)
	requireMethod(t, strategy.BulkFull, res)
	assert.Equal(t, int64(100000), res.EstimatedRecords)
	assert.Equal(t, int64(2), res.ActualRecords)
	assert.Len(t, h.wh.Rows(accountTarget), 2)
}

func TestSyncFailedJobSkipsResults(t *testing.T) {
	f := &fakeCRM{
		count:       20000,
		jobStates:   []string{"InProgress", "Failed"},
		resultPages: []string{csvPage("001A")},
	}
	h := newHarness(t, f)

	res := h.engine.Sync(testContext(t), accountRequest())

	assert.False(t, res.Success)
	assert.Equal(t, core.CodeJobFailed, res.ErrorCode)
	assert.Equal(t, "750J", res.JobID)
	assert.Equal(t, 2, f.statusPolls)
	assert.Zero(t, f.resultFetch)
	assert.Equal(t, []string{"750J"}, f.deleted)
	assert.Empty(t, h.wh.Rows(accountTarget))
}

func TestSyncResultPageFailureKeepsEarlierPages(t *testing.T) {
	f := &fakeCRM{
		count:          20000,
		resultPages:    []string{csvPage("001A", "001B"), csvPage("001C"), csvPage("001D")},
		failResultPage: 2,
	}
	h := newHarness(t, f)

	res := h.engine.Sync(testContext(t), accountRequest())

	assert.False(t, res.Success)
	requireMethod(t, strategy.BulkFull, res)
	assert.Equal(t, core.CodeResultFetchFailed, res.ErrorCode)
	assert.Equal(t, int64(2), res.ActualRecords)
	assert.Equal(t, 2, f.resultFetch, "third page never requested")
	assert.Len(t, h.wh.Rows(accountTarget), 2)
}

func TestSyncZeroCountIsNoOp(t *testing.T) {
	f := &fakeCRM{count: 0}
	h := newHarness(t, f)

	res := h.engine.Sync(testContext(t), accountRequest())

	require.True(t, res.Success, res.Error)
	assert.Zero(t, res.ActualRecords)
	assert.Zero(t, f.directFetch)
	assert.Empty(t, f.jobQueries)
	assert.Empty(t, h.wh.Tables())
}

func TestSyncStagedFull(t *testing.T) {
	f := &fakeCRM{
		count:       60000,
		resultPages: []string{csvPage("001A", "001B"), csvPage("001C")},
	}
	h := newHarness(t, f)
	req := accountRequest()
	req.UseStaging = true
	req.StagingLocation = "s3://landing/sync"

	res := h.engine.Sync(testContext(t), req)

	require.True(t, res.Success, res.Error)
	requireMethod(t, strategy.BulkStagedFull, res)
	assert.Equal(t, int64(3), res.ActualRecords)

	rows := h.wh.Rows(accountTarget)
	require.Len(t, rows, 3)
	assert.Equal(t, "001A", rows[0][0])
	assert.IsType(t, time.Time{}, rows[0][2])

	left, err := h.store.ListPrefix(context.Background(), "landing", "sync")
	require.NoError(t, err)
	assert.Empty(t, left, "staged pages removed")
}

func TestSyncStagingIgnoredWithoutStager(t *testing.T) {
	f := &fakeCRM{count: 60000, resultPages: []string{csvPage("001A")}}
	h := newHarness(t, f)
	h.engine.stager = nil
	req := accountRequest()
	req.UseStaging = true
	req.StagingLocation = "s3://landing/sync"

	res := h.engine.Sync(testContext(t), req)

	require.True(t, res.Success, res.Error)
	requireMethod(t, strategy.BulkFull, res)
}

func TestSyncMergeFailureKeepsStagingTable(t *testing.T) {
	watermark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeCRM{count: 20, directPages: [][]map[string]any{directRecords(2, "001Z")}}
	h := newHarness(t, f)
	seedTarget(t, h.wh, watermark)
	h.wh.FailMerge = true

	res := h.engine.Sync(testContext(t), accountRequest())

	assert.False(t, res.Success)
	requireMethod(t, strategy.DirectIncremental, res)
	assert.Equal(t, core.CodeMergeFailed, res.ErrorCode)
	assert.Len(t, h.wh.Rows(accountTarget), 2, "target untouched")

	tables := h.wh.Tables()
	require.Len(t, tables, 2)
	var staging string
	for _, name := range tables {
		if name != "crm.account" {
			staging = name
		}
	}
	assert.True(t, strings.HasPrefix(staging, "crm.stg_account_"), staging)
}

func TestSyncLoadFailureDropsStagingTable(t *testing.T) {
	watermark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeCRM{count: 20, directPages: [][]map[string]any{directRecords(2, "001Z")}}
	h := newHarness(t, f)
	seedTarget(t, h.wh, watermark)
	h.wh.FailLoadAfter = 2

	res := h.engine.Sync(testContext(t), accountRequest())

	assert.False(t, res.Success)
	assert.Equal(t, core.CodeLoadFailed, res.ErrorCode)
	assert.Equal(t, []string{"crm.account"}, h.wh.Tables())
}

func TestSyncDescribeFailure(t *testing.T) {
	f := &fakeCRM{describeStatus: 404}
	h := newHarness(t, f)

	res := h.engine.Sync(testContext(t), accountRequest())

	assert.False(t, res.Success)
	assert.Equal(t, core.CodeDescribeFailed, res.ErrorCode)
	assert.Empty(t, f.countQueries)
}

func TestSyncInvalidRequest(t *testing.T) {
	h := newHarness(t, &fakeCRM{})

	res := h.engine.Sync(testContext(t), SyncRequest{ObjectName: "Account"})

	assert.False(t, res.Success)
	assert.Equal(t, core.CodeInvalidRequest, res.ErrorCode)
	assert.GreaterOrEqual(t, res.DurationSeconds, 0.0)
}

type panickingWarehouse struct {
	*warehouse.Memory
}

func (panickingWarehouse) TableExists(context.Context, warehouse.TableRef) (bool, error) {
	panic("connection table corrupted")
}

func TestSyncRecoversPanics(t *testing.T) {
	h := newHarness(t, &fakeCRM{count: 1})
	h.engine.warehouse = panickingWarehouse{Memory: h.wh}

	var res SyncResult
	require.NotPanics(t, func() {
		res = h.engine.Sync(testContext(t), accountRequest())
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection table corrupted")
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	f := &fakeCRM{count: 1, directPages: [][]map[string]any{directRecords(1, "001A")}}
	h := newHarness(t, f)

	results := h.engine.SyncAll(testContext(t), []SyncRequest{
		{ObjectName: "Account"},
		accountRequest(),
	})

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success, results[1].Error)
}

func TestSyncAllCancelled(t *testing.T) {
	h := newHarness(t, &fakeCRM{})
	ctx, cancel := context.WithCancel(testContext(t))
	cancel()

	results := h.engine.SyncAll(ctx, []SyncRequest{accountRequest()})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "context canceled")
}

func TestStagingTableName(t *testing.T) {
	a, b := stagingTableName("Account"), stagingTableName("Account")
	assert.True(t, strings.HasPrefix(a, "stg_account_"))
	assert.Len(t, a, len("stg_account_")+8)
	assert.NotEqual(t, a, b)
}

func TestSyncDirectIncrementalMergesDelta(t *testing.T) {
	watermark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := directRecords(2, "001N")
	records[0]["Id"] = "001A"
	f := &fakeCRM{count: 20, directPages: [][]map[string]any{records}}
	h := newHarness(t, f)
	seedTarget(t, h.wh, watermark)

	res := h.engine.Sync(testContext(t), accountRequest())

	require.True(t, res.Success, res.Error)
	requireMethod(t, strategy.DirectIncremental, res)
	require.NotNil(t, res.WatermarkUsed)
	assert.True(t, watermark.Equal(*res.WatermarkUsed))
	assert.Equal(t, int64(2), res.ActualRecords)
	assert.Empty(t, f.jobQueries)
	require.Len(t, f.countQueries, 1)
	assert.Contains(t, f.countQueries[0], "WHERE LastModifiedDate > 2024-01-01T00:00:00Z")

	rows := h.wh.Rows(accountTarget)
	require.Len(t, rows, 3)
	byID := map[any][]any{}
	for _, r := range rows {
		byID[r[0]] = r
	}
	assert.Equal(t, "Account 0", byID["001A"][1])
	assert.Equal(t, "old B", byID["001B"][1])
	assert.Equal(t, "Account 1", byID["001N00001"][1])

	assert.Equal(t, []string{"crm.account"}, h.wh.Tables(), "staging table dropped")
}

func TestSyncBulkStagedIncrementalMergesDelta(t *testing.T) {
	watermark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeCRM{
		count:       60000,
		resultPages: []string{csvPage("001A"), csvPage("001C")},
	}
	h := newHarness(t, f)
	seedTarget(t, h.wh, watermark)
	req := accountRequest()
	req.UseStaging = true
	req.StagingLocation = "s3://landing/sync"

	res := h.engine.Sync(testContext(t), req)

	require.True(t, res.Success, res.Error)
	requireMethod(t, strategy.BulkStagedIncremental, res)
	assert.Equal(t, "750J", res.JobID)
	assert.Equal(t, int64(2), res.ActualRecords)
	require.Len(t, f.jobQueries, 1)
	assert.Contains(t, f.jobQueries[0], "WHERE LastModifiedDate > 2024-01-01T00:00:00Z")

	rows := h.wh.Rows(accountTarget)
	require.Len(t, rows, 3)
	byID := map[any][]any{}
	for _, r := range rows {
		byID[r[0]] = r
	}
	assert.Equal(t, "name-001A", byID["001A"][1])
	assert.Equal(t, "old B", byID["001B"][1])
	assert.Equal(t, "name-001C", byID["001C"][1])
	assert.Equal(t, []string{"crm.account"}, h.wh.Tables(), "staging table dropped")

	left, err := h.store.ListPrefix(context.Background(), "landing", "sync")
	require.NoError(t, err)
	assert.Empty(t, left, "staged pages removed")
}

func TestNewRejectsInvalidThresholds(t *testing.T) {
	opts := DefaultOptions()
	opts.Thresholds = strategy.Thresholds{Bulk: 5000}

	eng := New(nil, nil, warehouse.NewMemory(), nil, opts, nil)

	assert.Equal(t, strategy.DefaultThresholds(), eng.opts.Thresholds)
}

func TestSyncWithInvalidThresholdsUsesDefaults(t *testing.T) {
	f := &fakeCRM{count: 20000, resultPages: []string{csvPage("001A")}}
	h := newHarness(t, f)
	opts := h.engine.opts
	opts.Thresholds = strategy.Thresholds{Bulk: 5000}
	eng := New(h.engine.source, h.engine.bulk, h.wh, h.engine.stager, opts, nil)
	req := accountRequest()
	req.UseStaging = true
	req.StagingLocation = "s3://landing/sync"

	res := eng.Sync(testContext(t), req)

	require.True(t, res.Success, res.Error)
	requireMethod(t, strategy.BulkFull, res)
}
