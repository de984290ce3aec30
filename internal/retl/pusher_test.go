package retl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/sync-core/internal/bulk"
	"github.com/nucleus/sync-core/internal/core"
	"github.com/nucleus/sync-core/internal/warehouse"
)

type fakeIngester struct {
	requests  []bulk.IngestRequest
	uploaded  []byte
	closed    bool
	aborted   bool
	polled    bool
	uploadErr error
	pollErr   error
	succeeded []bulk.IngestResult
	failed    []bulk.IngestResult
}

func (f *fakeIngester) CreateIngestJob(_ context.Context, req bulk.IngestRequest) (*bulk.Job, error) {
	f.requests = append(f.requests, req)
	return &bulk.Job{
		ID:                  "750I",
		Kind:                bulk.KindIngest,
		Operation:           req.Operation,
		Object:              req.Object,
		State:               bulk.StateOpen,
		ExternalIDFieldName: req.MatchField,
		CreatedDate:         "2024-03-01T10:00:00.000+0000",
	}, nil
}

func (f *fakeIngester) UploadBatch(_ context.Context, _ *bulk.Job, data []byte) error {
	f.uploaded = data
	return f.uploadErr
}

func (f *fakeIngester) CloseJob(_ context.Context, job *bulk.Job) error {
	f.closed = true
	job.State = bulk.StateUploadComplete
	return nil
}

func (f *fakeIngester) AbortJob(_ context.Context, job *bulk.Job) error {
	f.aborted = true
	job.State = bulk.StateAborted
	return nil
}

func (f *fakeIngester) PollUntilComplete(_ context.Context, job *bulk.Job, _ bulk.PollConfig) (*bulk.Job, error) {
	f.polled = true
	if f.pollErr != nil {
		return job, f.pollErr
	}
	done := *job
	done.State = bulk.StateJobComplete
	done.NumberRecordsProcessed = 2
	return &done, nil
}

func (f *fakeIngester) SuccessfulResults(context.Context, *bulk.Job) ([]bulk.IngestResult, error) {
	return f.succeeded, nil
}

func (f *fakeIngester) FailedResults(context.Context, *bulk.Job) ([]bulk.IngestResult, error) {
	return f.failed, nil
}

const pushQuery = "SELECT ext_id, name, amount FROM marts.accounts_out"

func newWarehouse() *warehouse.Memory {
	wh := warehouse.NewMemory()
	wh.RegisterQuery(pushQuery, &warehouse.ResultSet{
		Columns: []string{"Ext_Id__c", "Name", "AnnualRevenue"},
		Rows: [][]any{
			{"E-1", "Acme, Inc.", decimal.RequireFromString("1500.50")},
			{"E-2", nil, nil},
		},
	})
	return wh
}

func TestPushUpsert(t *testing.T) {
	ing := &fakeIngester{}
	p := NewPusher(newWarehouse(), ing, nil, bulk.PollConfig{Interval: time.Millisecond}, nil)

	job, err := p.Push(testContext(t), PushRequest{
		Object:     "Account",
		Operation:  bulk.OpUpsert,
		MatchField: "Ext_Id__c",
		Query:      pushQuery,
	})

	require.NoError(t, err)
	assert.Equal(t, bulk.StateJobComplete, job.State)
	assert.Equal(t, bulk.KindIngest, job.Kind)
	require.Len(t, ing.requests, 1)
	assert.Equal(t, "Ext_Id__c", ing.requests[0].MatchField)
	assert.Equal(t, "Ext_Id__c,Name,AnnualRevenue\r\nE-1,\"Acme, Inc.\",1500.5\r\nE-2,,\r\n", string(ing.uploaded))
	assert.True(t, ing.closed)
	assert.True(t, ing.polled)
	assert.False(t, ing.aborted)
}

func TestPushRejectsQueryOperation(t *testing.T) {
	p := NewPusher(newWarehouse(), &fakeIngester{}, nil, bulk.PollConfig{}, nil)

	_, err := p.Push(testContext(t), PushRequest{Object: "Account", Operation: bulk.OpQueryAll, Query: pushQuery})

	assert.True(t, core.IsCode(err, core.CodeInvalidRequest))
}

func TestPushEmptyResultCreatesNoJob(t *testing.T) {
	wh := warehouse.NewMemory()
	wh.RegisterQuery("SELECT id FROM empty", &warehouse.ResultSet{Columns: []string{"Id"}})
	ing := &fakeIngester{}
	p := NewPusher(wh, ing, nil, bulk.PollConfig{}, nil)

	job, err := p.Push(testContext(t), PushRequest{Object: "Account", Operation: bulk.OpDelete, Query: "SELECT id FROM empty"})

	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Empty(t, ing.requests)
}

func TestPushAbortsOnUploadFailure(t *testing.T) {
	ing := &fakeIngester{uploadErr: errors.New("connection reset")}
	p := NewPusher(newWarehouse(), ing, nil, bulk.PollConfig{}, nil)

	job, err := p.Push(testContext(t), PushRequest{Object: "Account", Operation: bulk.OpInsert, Query: pushQuery})

	require.Error(t, err)
	require.NotNil(t, job)
	assert.True(t, ing.aborted)
	assert.False(t, ing.closed)
	assert.False(t, ing.polled)
}

func TestPushReturnsJobFailure(t *testing.T) {
	ing := &fakeIngester{pollErr: core.JobFailed("750I", "Failed", "InvalidBatch")}
	p := NewPusher(newWarehouse(), ing, nil, bulk.PollConfig{}, nil)

	_, err := p.Push(testContext(t), PushRequest{Object: "Account", Operation: bulk.OpUpdate, Query: pushQuery})

	assert.True(t, core.IsCode(err, core.CodeJobFailed))
}

func TestPushLogsResultsToHistory(t *testing.T) {
	wh := newWarehouse()
	ing := &fakeIngester{
		succeeded: []bulk.IngestResult{{Index: 1, ID: "001A", Created: true}},
		failed:    []bulk.IngestResult{{Index: 1, Error: "REQUIRED_FIELD_MISSING:Name"}},
	}
	history := NewHistoryStore(wh, "", nil)
	p := NewPusher(wh, ing, history, bulk.PollConfig{}, nil)

	_, err := p.Push(testContext(t), PushRequest{
		Object:     "Account",
		Operation:  bulk.OpUpsert,
		MatchField: "Ext_Id__c",
		Query:      pushQuery,
		LogResults: true,
	})
	require.NoError(t, err)

	jobs := wh.Rows(warehouse.TableRef{Schema: "logs", Table: "retl_history"})
	require.Len(t, jobs, 1)
	assert.Equal(t, "750I", jobs[0][0])
	assert.Equal(t, "upsert", jobs[0][1])
	assert.Equal(t, "Ext_Id__c", jobs[0][3])
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), jobs[0][4].(time.Time).UTC())

	results := wh.Rows(warehouse.TableRef{Schema: "logs", Table: "retl_results"})
	require.Len(t, results, 2)
	assert.Equal(t, []any{"750I", int64(1), "001A", true, true, nil}, results[0])
	assert.Equal(t, []any{"750I", int64(1), nil, false, false, "REQUIRED_FIELD_MISSING:Name"}, results[1])
}

func TestHistorySkipsLoggedJobs(t *testing.T) {
	wh := warehouse.NewMemory()
	h := NewHistoryStore(wh, "audit", nil)
	results := []bulk.IngestResult{{Index: 1, ID: "001A"}}

	require.NoError(t, h.RecordResults(testContext(t), "750I", results, nil))
	wh.RegisterQuery(resultsQuery(h.results, "750I"), &warehouse.ResultSet{
		Columns: []string{"history_id"},
		Rows:    [][]any{{"750I"}},
	})
	require.NoError(t, h.RecordResults(testContext(t), "750I", results, nil))

	assert.Len(t, wh.Rows(h.results), 1)
	logged, err := h.Logged(testContext(t), "750I")
	require.NoError(t, err)
	assert.True(t, logged)
}

func TestResultsQueryEscapesID(t *testing.T) {
	q := resultsQuery(warehouse.TableRef{Schema: "logs", Table: "retl_results"}, "a'b")
	assert.Equal(t, "SELECT history_id FROM logs.retl_results WHERE history_id = 'a''b' LIMIT 1", q)
}

func TestEncodeCSVLineEndings(t *testing.T) {
	rs := &warehouse.ResultSet{
		Columns: []string{"Id", "IsActive", "Since"},
		Rows:    [][]any{{"001", true, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}},
	}

	lf, err := EncodeCSV(rs, "LF")
	require.NoError(t, err)
	assert.Equal(t, "Id,IsActive,Since\n001,true,2024-01-02T03:04:05Z\n", string(lf))

	_, err = EncodeCSV(&warehouse.ResultSet{Columns: []string{"a", "b"}, Rows: [][]any{{"x"}}}, "")
	assert.Error(t, err)
}

func TestEncodeCSVRendersDateColumns(t *testing.T) {
	midnight := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	rs := &warehouse.ResultSet{
		Columns: []string{"Id", "CloseDate", "LastModifiedDate"},
		Types:   []string{"varchar", "date", "timestamptz"},
		Rows:    [][]any{{"006", midnight, midnight}},
	}

	out, err := EncodeCSV(rs, "CRLF")
	require.NoError(t, err)
	assert.Equal(t, "Id,CloseDate,LastModifiedDate\r\n006,2024-03-09,2024-03-09T00:00:00Z\r\n", string(out))
}

func TestEncodeCSVDatesFromMemoryQuery(t *testing.T) {
	wh := warehouse.NewMemory()
	table := warehouse.TableRef{Schema: "crm", Table: "opportunity"}
	cols := []warehouse.Column{{Name: "id", Type: "VARCHAR(18)"}, {Name: "closedate", Type: "DATE"}}
	_, err := wh.LoadRows(testContext(t), table, cols, [][]any{{"006A", time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)}}, warehouse.Overwrite)
	require.NoError(t, err)

	rs, err := wh.Query(testContext(t), "SELECT * FROM crm.opportunity")
	require.NoError(t, err)
	out, err := EncodeCSV(rs, "LF")
	require.NoError(t, err)
	assert.Equal(t, "id,closedate\n006A,2024-03-09\n", string(out))
}
