// Package crm talks to the CRM REST API: object describe, count probes and
// the direct (non-bulk) paged query path.
package crm

import (
	"context"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/sync-core/internal/connector/http"
	"github.com/nucleus/sync-core/internal/core"
	"github.com/nucleus/sync-core/internal/schema"
)

// DefaultAPIVersion is the REST API version used when none is configured.
const DefaultAPIVersion = "59.0"

// Config holds the connection settings for a CRM instance. Credentials are
// obtained by the caller.
type Config struct {
	InstanceURL string
	AccessToken string
	APIVersion  string
	RateLimit   float64
	MaxRetries  int
	Transport   nethttp.RoundTripper
	Logger      *zap.Logger
}

// Client is a CRM REST client.
type Client struct {
	http       *http.Client
	apiVersion string
	logger     *zap.Logger
}

// NewClient creates a client for the configured instance.
func NewClient(cfg Config) (*Client, error) {
	if cfg.InstanceURL == "" {
		return nil, core.Errorf(core.CodeInvalidRequest, "crm instance url is required")
	}
	version := strings.TrimPrefix(cfg.APIVersion, "v")
	if version == "" {
		version = DefaultAPIVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpCfg := http.DefaultClientConfig()
	httpCfg.BaseURL = strings.TrimSuffix(cfg.InstanceURL, "/")
	httpCfg.Auth = http.BearerToken{Token: cfg.AccessToken}
	httpCfg.Transport = cfg.Transport
	httpCfg.Logger = logger
	if cfg.RateLimit > 0 {
		httpCfg.RateLimit = cfg.RateLimit
	}
	if cfg.MaxRetries > 0 {
		httpCfg.MaxRetries = cfg.MaxRetries
	}

	return &Client{
		http:       http.NewClient(httpCfg),
		apiVersion: version,
		logger:     logger,
	}, nil
}

// HTTP exposes the underlying transport for sibling API families.
func (c *Client) HTTP() *http.Client {
	return c.http
}

// DataPath returns the versioned REST path for rel.
func (c *Client) DataPath(rel string) string {
	return "/services/data/v" + c.apiVersion + "/" + strings.TrimPrefix(rel, "/")
}

// =============================================================================
// DESCRIBE
// =============================================================================

type describeResponse struct {
	Name   string            `json:"name"`
	Fields []schema.RawField `json:"fields"`
}

// DescribeFields returns the raw field metadata for object.
func (c *Client) DescribeFields(ctx context.Context, object string) ([]schema.RawField, error) {
	resp, err := c.http.Get(ctx, c.DataPath("sobjects/"+url.PathEscape(object)+"/describe"), nil)
	if err != nil {
		return nil, core.Wrap(core.CodeDescribeFailed, isTransient(err), fmt.Errorf("describe %s: %w", object, err))
	}
	var body describeResponse
	if err := resp.JSON(&body); err != nil {
		return nil, core.Wrap(core.CodeDescribeFailed, false, fmt.Errorf("decode describe %s: %w", object, err))
	}
	return body.Fields, nil
}

// Describe fetches the object's metadata and returns the query projection
// and field descriptors. A non-nil since adds a modified-since filter.
func (c *Client) Describe(ctx context.Context, object string, since *time.Time) (schema.Projection, []schema.FieldDescriptor, error) {
	raw, err := c.DescribeFields(ctx, object)
	if err != nil {
		return schema.Projection{}, nil, err
	}
	fields, err := schema.Map(object, raw)
	if err != nil {
		return schema.Projection{}, nil, core.Wrap(core.CodeDescribeFailed, false, err)
	}
	if len(fields) == 0 {
		return schema.Projection{}, nil, core.Errorf(core.CodeDescribeFailed, "describe %s: no queryable fields", object)
	}
	c.logger.Debug("described object",
		zap.String("object", object),
		zap.Int("fields", len(fields)),
		zap.Int("raw_fields", len(raw)))
	return schema.NewProjection(object, fields, since), fields, nil
}

// =============================================================================
// COUNT PROBE
// =============================================================================

type countResponse struct {
	TotalSize *int64 `json:"totalSize"`
}

// Count runs a COUNT() query and returns totalSize.
func (c *Client) Count(ctx context.Context, soql string) (int64, error) {
	resp, err := c.http.Get(ctx, c.DataPath("query"), url.Values{"q": {soql}})
	if err != nil {
		return 0, core.Wrap(core.CodeEstimationFailed, true, fmt.Errorf("count probe: %w", err))
	}
	var body countResponse
	if err := resp.JSON(&body); err != nil {
		return 0, core.Wrap(core.CodeEstimationFailed, false, fmt.Errorf("decode count probe: %w", err))
	}
	if body.TotalSize == nil {
		return 0, core.Errorf(core.CodeEstimationFailed, "count probe: response has no totalSize")
	}
	return *body.TotalSize, nil
}

// =============================================================================
// DIRECT QUERY
// =============================================================================

type queryResponse struct {
	TotalSize      int64           `json:"totalSize"`
	Done           bool            `json:"done"`
	NextRecordsURL *string         `json:"nextRecordsUrl"`
	Records        []schema.Record `json:"records"`
}

// QueryPages runs soql through queryAll (deleted and archived rows
// included) and returns an iterator over result pages. batchSize is a hint
// for the page size; 0 leaves the server default.
func (c *Client) QueryPages(soql string, batchSize int) *http.PageIterator[schema.Record] {
	headers := map[string]string{}
	if batchSize > 0 {
		headers["Sforce-Query-Options"] = "batchSize=" + strconv.Itoa(batchSize)
	}
	first := &http.Request{
		Method:  nethttp.MethodGet,
		Path:    c.DataPath("queryAll"),
		Query:   url.Values{"q": {soql}},
		Headers: headers,
	}
	paginator := http.NewLinkPaginator("nextRecordsUrl")
	paginator.Headers = headers
	return http.NewPageIterator(c.http, first, paginator, parseQueryPage)
}

func parseQueryPage(resp *http.Response) ([]schema.Record, error) {
	var body queryResponse
	if err := resp.JSONNumber(&body); err != nil {
		return nil, fmt.Errorf("decode query page: %w", err)
	}
	for _, rec := range body.Records {
		delete(rec, "attributes")
	}
	return body.Records, nil
}

func isTransient(err error) bool {
	if httpErr, ok := http.AsHTTPError(err); ok {
		return httpErr.IsRateLimited() || httpErr.IsServerError()
	}
	return true
}
