// Package bulk drives asynchronous CRM bulk jobs: query jobs that export
// records as paged CSV and ingest jobs that load CSV back into an object.
package bulk

// Kind is the bulk API family a job belongs to.
type Kind string

const (
	KindQuery  Kind = "query"
	KindIngest Kind = "ingest"
)

// Operation is the job's data operation.
type Operation string

const (
	OpQuery    Operation = "query"
	OpQueryAll Operation = "queryAll"
	OpUpsert   Operation = "upsert"
	OpInsert   Operation = "insert"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
)

// IsIngest reports whether op belongs to the ingest family.
func (op Operation) IsIngest() bool {
	switch op {
	case OpUpsert, OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation validates an ingest operation name.
func ParseOperation(s string) (Operation, bool) {
	op := Operation(s)
	return op, op.IsIngest()
}

// State is a job lifecycle state.
type State string

const (
	StateOpen           State = "Open"
	StateUploadComplete State = "UploadComplete"
	StateInProgress     State = "InProgress"
	StateJobComplete    State = "JobComplete"
	StateFailed         State = "Failed"
	StateAborted        State = "Aborted"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateJobComplete || s == StateFailed || s == StateAborted
}

// Deletable reports whether the server accepts a delete in this state.
func (s State) Deletable() bool {
	return s.Terminal() || s == StateOpen || s == StateUploadComplete
}

// Job is a bulk job as reported by the server.
type Job struct {
	ID                     string    `json:"id"`
	Kind                   Kind      `json:"-"`
	Operation              Operation `json:"operation"`
	Object                 string    `json:"object"`
	State                  State     `json:"state"`
	ExternalIDFieldName    string    `json:"externalIdFieldName,omitempty"`
	ContentType            string    `json:"contentType,omitempty"`
	LineEnding             string    `json:"lineEnding,omitempty"`
	JobType                string    `json:"jobType,omitempty"`
	CreatedDate            string    `json:"createdDate,omitempty"`
	SystemModstamp         string    `json:"systemModstamp,omitempty"`
	NumberRecordsProcessed int64     `json:"numberRecordsProcessed,omitempty"`
	NumberRecordsFailed    int64     `json:"numberRecordsFailed,omitempty"`
	ErrorMessage           string    `json:"errorMessage,omitempty"`

	// ResultPageCursor is the locator of the next unread result page.
	ResultPageCursor string `json:"-"`
}

// IngestRequest describes an ingest job to create.
type IngestRequest struct {
	Object     string
	Operation  Operation
	MatchField string
	// LineEnding is "LF" or "CRLF" (default).
	LineEnding string
}

// IngestResult is the per-record outcome of an ingest job.
type IngestResult struct {
	// Index is the 1-based position of the record in the results file.
	Index   int
	ID      string
	Created bool
	Error   string
	Fields  map[string]string
}

// Success reports whether the record was accepted.
func (r IngestResult) Success() bool {
	return r.Error == ""
}
