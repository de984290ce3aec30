package bulk

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nucleus/sync-core/internal/connector/crm"
	"github.com/nucleus/sync-core/internal/connector/http"
	"github.com/nucleus/sync-core/internal/core"
	"github.com/nucleus/sync-core/internal/schema"
)

// LocatorHeader carries the cursor of the next result page.
const LocatorHeader = "Sforce-Locator"

// DefaultPollInterval is the delay between job status checks.
const DefaultPollInterval = 10 * time.Second

var errStillRunning = errors.New("job still running")

// PollConfig bounds the status polling loop. A zero MaxWait waits until the
// job reaches a terminal state or ctx is cancelled.
type PollConfig struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// Client drives bulk jobs through the CRM's bulk endpoints.
type Client struct {
	http     *http.Client
	dataPath func(string) string
	logger   *zap.Logger
}

// NewClient creates a bulk client sharing the CRM client's transport.
func NewClient(api *crm.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:     api.HTTP(),
		dataPath: api.DataPath,
		logger:   logger,
	}
}

func (c *Client) jobsPath(kind Kind, parts ...string) string {
	p := "jobs/" + string(kind)
	for _, part := range parts {
		p += "/" + part
	}
	return c.dataPath(p)
}

// =============================================================================
// JOB CREATION
// =============================================================================

// CreateQueryJob submits soql as a queryAll job.
func (c *Client) CreateQueryJob(ctx context.Context, soql string) (*Job, error) {
	resp, err := c.http.Post(ctx, c.jobsPath(KindQuery), map[string]string{
		"operation": string(OpQueryAll),
		"query":     soql,
	})
	if err != nil {
		return nil, core.Wrap(core.CodeJobCreationFailed, false, fmt.Errorf("create query job: %w", err))
	}
	job, err := decodeJob(resp, KindQuery)
	if err != nil {
		return nil, core.Wrap(core.CodeJobCreationFailed, false, err)
	}
	c.logger.Info("bulk query job created", zap.String("job_id", job.ID), zap.String("object", job.Object))
	return job, nil
}

// CreateIngestJob opens an ingest job. The match field is sent only for
// upserts, where it is mandatory.
func (c *Client) CreateIngestJob(ctx context.Context, req IngestRequest) (*Job, error) {
	if !req.Operation.IsIngest() {
		return nil, core.Errorf(core.CodeInvalidRequest, "unsupported ingest operation %q", req.Operation)
	}
	if req.Object == "" {
		return nil, core.Errorf(core.CodeInvalidRequest, "ingest job requires an object")
	}
	lineEnding := req.LineEnding
	if lineEnding == "" {
		lineEnding = "CRLF"
	}
	body := map[string]string{
		"object":      req.Object,
		"operation":   string(req.Operation),
		"contentType": "CSV",
		"lineEnding":  lineEnding,
	}
	if req.Operation == OpUpsert {
		if req.MatchField == "" {
			return nil, core.Errorf(core.CodeInvalidRequest, "upsert into %s requires a match field", req.Object)
		}
		body["externalIdFieldName"] = req.MatchField
	}

	resp, err := c.http.Post(ctx, c.jobsPath(KindIngest), body)
	if err != nil {
		return nil, core.Wrap(core.CodeJobCreationFailed, false, fmt.Errorf("create %s job on %s: %w", req.Operation, req.Object, err))
	}
	job, err := decodeJob(resp, KindIngest)
	if err != nil {
		return nil, core.Wrap(core.CodeJobCreationFailed, false, err)
	}
	c.logger.Info("bulk ingest job created",
		zap.String("job_id", job.ID),
		zap.String("object", req.Object),
		zap.String("operation", string(req.Operation)))
	return job, nil
}

// UploadBatch sends CSV data to an open ingest job.
func (c *Client) UploadBatch(ctx context.Context, job *Job, data []byte) error {
	if job.State != StateOpen {
		return core.Errorf(core.CodeInvalidRequest, "job %s is %s, not Open", job.ID, job.State)
	}
	if _, err := c.http.PutRaw(ctx, c.jobsPath(KindIngest, job.ID, "batches"), "text/csv", data); err != nil {
		return core.Wrap(core.CodeJobCreationFailed, false, fmt.Errorf("upload to job %s: %w", job.ID, err))
	}
	return nil
}

// CloseJob marks the upload complete so the server starts processing.
func (c *Client) CloseJob(ctx context.Context, job *Job) error {
	return c.setState(ctx, job, StateUploadComplete)
}

// AbortJob cancels a job that has not finished.
func (c *Client) AbortJob(ctx context.Context, job *Job) error {
	return c.setState(ctx, job, StateAborted)
}

func (c *Client) setState(ctx context.Context, job *Job, state State) error {
	resp, err := c.http.Patch(ctx, c.jobsPath(job.Kind, job.ID), map[string]string{"state": string(state)})
	if err != nil {
		return core.Wrap(core.CodeJobCreationFailed, false, fmt.Errorf("set job %s to %s: %w", job.ID, state, err))
	}
	updated, err := decodeJob(resp, job.Kind)
	if err == nil && updated.State != "" {
		job.State = updated.State
	} else {
		job.State = state
	}
	return nil
}

// =============================================================================
// STATUS
// =============================================================================

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, kind Kind, id string) (*Job, error) {
	resp, err := c.http.Get(ctx, c.jobsPath(kind, id), nil)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(resp, kind)
}

// PollUntilComplete checks the job state at a fixed interval until it is
// JobComplete. Failed and Aborted end the loop with E_JOB_FAILED; exceeding
// MaxWait yields E_POLL_TIMEOUT.
func (c *Client) PollUntilComplete(ctx context.Context, job *Job, cfg PollConfig) (*Job, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(interval),
		backoff.WithMaxInterval(interval),
		backoff.WithMultiplier(1),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(cfg.MaxWait),
	)

	polls := 0
	current, err := backoff.RetryWithData(func() (*Job, error) {
		polls++
		latest, err := c.GetJob(ctx, job.Kind, job.ID)
		if err != nil {
			return nil, backoff.Permanent(core.Wrap(core.CodeJobFailed, true, fmt.Errorf("poll job %s: %w", job.ID, err)))
		}
		job.State = latest.State
		c.logger.Debug("bulk job status",
			zap.String("job_id", job.ID),
			zap.String("state", string(latest.State)),
			zap.Int("poll", polls))

		switch latest.State {
		case StateJobComplete:
			return latest, nil
		case StateFailed, StateAborted:
			return latest, backoff.Permanent(core.JobFailed(job.ID, string(latest.State), latest.ErrorMessage))
		default:
			return latest, errStillRunning
		}
	}, backoff.WithContext(policy, ctx))

	if err == nil {
		current.Kind = job.Kind
		c.logger.Info("bulk job complete",
			zap.String("job_id", job.ID),
			zap.Int64("records_processed", current.NumberRecordsProcessed),
			zap.Int64("records_failed", current.NumberRecordsFailed))
		return current, nil
	}
	if errors.Is(err, errStillRunning) {
		return current, core.Wrap(core.CodePollTimeout, true, fmt.Errorf("job %s still %s after %s", job.ID, job.State, cfg.MaxWait))
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return current, core.Wrap(core.CodePollTimeout, false, fmt.Errorf("poll job %s: %w", job.ID, err))
	}
	return current, err
}

// =============================================================================
// QUERY RESULTS
// =============================================================================

// ResultPage is one page of query job output.
type ResultPage struct {
	CSV        []byte
	Records    []schema.Record
	NextCursor string
}

// Last reports whether no further page follows.
func (p *ResultPage) Last() bool {
	return p.NextCursor == ""
}

// FetchResultPage reads the page at cursor ("" for the first page).
func (c *Client) FetchResultPage(ctx context.Context, job *Job, cursor string, maxRecords int) (*ResultPage, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("locator", cursor)
	}
	if maxRecords > 0 {
		query.Set("maxRecords", strconv.Itoa(maxRecords))
	}
	resp, err := c.http.Get(ctx, c.jobsPath(KindQuery, job.ID, "results"), query)
	if err != nil {
		return nil, core.Wrap(core.CodeResultFetchFailed, false, fmt.Errorf("job %s results: %w", job.ID, err))
	}
	records, err := DecodeCSV(resp.Body)
	if err != nil {
		return nil, core.Wrap(core.CodeResultFetchFailed, false, fmt.Errorf("job %s results: %w", job.ID, err))
	}

	next := resp.Header(LocatorHeader)
	if next == "null" {
		next = ""
	}
	job.ResultPageCursor = next
	return &ResultPage{CSV: resp.Body, Records: records, NextCursor: next}, nil
}

// ResultIterator walks the pages of a completed query job.
type ResultIterator struct {
	client     *Client
	job        *Job
	maxRecords int

	page    *ResultPage
	started bool
	pages   int
	err     error
}

// Results returns an iterator over the job's result pages.
func (c *Client) Results(job *Job, maxRecords int) *ResultIterator {
	return &ResultIterator{client: c, job: job, maxRecords: maxRecords}
}

// Next fetches the next page.
func (it *ResultIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.started && (it.page == nil || it.page.Last()) {
		return false
	}
	cursor := ""
	if it.page != nil {
		cursor = it.page.NextCursor
	}
	page, err := it.client.FetchResultPage(ctx, it.job, cursor, it.maxRecords)
	it.started = true
	if err != nil {
		it.err = err
		it.page = nil
		return false
	}
	it.page = page
	it.pages++
	return true
}

// Page returns the current page.
func (it *ResultIterator) Page() *ResultPage { return it.page }

// Pages returns the number of pages fetched.
func (it *ResultIterator) Pages() int { return it.pages }

// Err returns the error that stopped the iteration.
func (it *ResultIterator) Err() error { return it.err }

// =============================================================================
// INGEST RESULTS
// =============================================================================

// SuccessfulResults returns the records the ingest job accepted.
func (c *Client) SuccessfulResults(ctx context.Context, job *Job) ([]IngestResult, error) {
	return c.ingestResults(ctx, job, "successfulResults")
}

// FailedResults returns the records the ingest job rejected.
func (c *Client) FailedResults(ctx context.Context, job *Job) ([]IngestResult, error) {
	return c.ingestResults(ctx, job, "failedResults")
}

func (c *Client) ingestResults(ctx context.Context, job *Job, kind string) ([]IngestResult, error) {
	resp, err := c.http.Get(ctx, c.jobsPath(KindIngest, job.ID, kind)+"/", nil)
	if err != nil {
		return nil, core.Wrap(core.CodeResultFetchFailed, false, fmt.Errorf("job %s %s: %w", job.ID, kind, err))
	}
	rows, err := readCSV(resp.Body)
	if err != nil {
		return nil, core.Wrap(core.CodeResultFetchFailed, false, fmt.Errorf("job %s %s: %w", job.ID, kind, err))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	results := make([]IngestResult, 0, len(rows)-1)
	for i, row := range rows[1:] {
		res := IngestResult{Index: i + 1, Fields: make(map[string]string, len(header))}
		for j, col := range header {
			if j >= len(row) {
				break
			}
			switch col {
			case "sf__Id":
				res.ID = row[j]
			case "sf__Created":
				res.Created = strings.EqualFold(row[j], "true")
			case "sf__Error":
				res.Error = row[j]
			default:
				res.Fields[col] = row[j]
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// =============================================================================
// CLEANUP & LISTING
// =============================================================================

// DeleteJob removes a job and its results from the server.
func (c *Client) DeleteJob(ctx context.Context, job *Job) error {
	if _, err := c.http.Delete(ctx, c.jobsPath(job.Kind, job.ID)); err != nil {
		return core.Wrap(core.CodeCleanupFailed, false, fmt.Errorf("delete job %s: %w", job.ID, err))
	}
	c.logger.Debug("bulk job deleted", zap.String("job_id", job.ID))
	return nil
}

// Cleanup deletes the job and only logs a failure.
func (c *Client) Cleanup(ctx context.Context, job *Job) {
	if job == nil || job.ID == "" {
		return
	}
	if err := c.DeleteJob(ctx, job); err != nil {
		c.logger.Warn("bulk job cleanup failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

type jobListPage struct {
	Done           bool    `json:"done"`
	NextRecordsURL *string `json:"nextRecordsUrl"`
	Records        []Job   `json:"records"`
}

// ListJobs returns all Bulk API 2.0 jobs of a kind. Classic jobs are skipped.
func (c *Client) ListJobs(ctx context.Context, kind Kind) ([]Job, error) {
	first := &http.Request{Method: "GET", Path: c.jobsPath(kind)}
	it := http.NewPageIterator(c.http, first, http.NewLinkPaginator("nextRecordsUrl"), func(resp *http.Response) ([]Job, error) {
		var page jobListPage
		if err := resp.JSON(&page); err != nil {
			return nil, err
		}
		return page.Records, nil
	})
	defer it.Close()

	var jobs []Job
	for it.Next(ctx) {
		for _, j := range it.Page() {
			if j.JobType == "Classic" {
				continue
			}
			j.Kind = kind
			jobs = append(jobs, j)
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", kind, err)
	}
	return jobs, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJob(resp *http.Response, kind Kind) (*Job, error) {
	var job Job
	if err := resp.JSON(&job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("decode job: response has no id")
	}
	job.Kind = kind
	return &job, nil
}

// DecodeCSV parses a result file into records keyed by header. Empty cells
// are null.
func DecodeCSV(data []byte) ([]schema.Record, error) {
	rows, err := readCSV(data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	records := make([]schema.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(schema.Record, len(header))
		for i, col := range header {
			if i < len(row) && row[i] != "" {
				rec[col] = row[i]
			} else {
				rec[col] = nil
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func readCSV(data []byte) ([][]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
