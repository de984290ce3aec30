package http

import (
	"context"
	"encoding/json"
	"fmt"
)

// =============================================================================
// LINK PAGINATION
// =============================================================================

// Paginator handles API pagination.
type Paginator interface {
	// NextPage returns the request for the next page, or nil if done.
	NextPage(ctx context.Context, resp *Response) (*Request, error)
}

// LinkPaginator follows a "next page" URL embedded in each JSON response
// body, e.g. {"nextRecordsUrl": "/services/data/v59.0/query/01g...-2000"}.
// A missing, empty or null link ends the iteration.
type LinkPaginator struct {
	NextKey string // JSON key holding the next link (default: "nextRecordsUrl")
	Headers map[string]string
}

// NewLinkPaginator creates a paginator for the given link key.
func NewLinkPaginator(nextKey string) *LinkPaginator {
	if nextKey == "" {
		nextKey = "nextRecordsUrl"
	}
	return &LinkPaginator{NextKey: nextKey}
}

// NextPage returns the next page request based on response.
func (p *LinkPaginator) NextPage(ctx context.Context, resp *Response) (*Request, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &data); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	raw, ok := data[p.NextKey]
	if !ok {
		return nil, nil
	}
	var next *string
	if err := json.Unmarshal(raw, &next); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.NextKey, err)
	}
	if next == nil || *next == "" {
		return nil, nil
	}

	return &Request{
		Method:  "GET",
		Path:    *next,
		Headers: p.Headers,
	}, nil
}

// =============================================================================
// PAGE ITERATOR
// =============================================================================

// PageIterator walks an API one page at a time. Each page is parsed and
// handed out whole so callers can process and release it before the next
// request is made.
type PageIterator[T any] struct {
	client       *Client
	paginator    Paginator
	parseResults func(resp *Response) ([]T, error)

	current     []T
	nextRequest *Request
	pages       int
	err         error
}

// NewPageIterator creates a page iterator starting at firstRequest.
func NewPageIterator[T any](
	client *Client,
	firstRequest *Request,
	paginator Paginator,
	parseResults func(resp *Response) ([]T, error),
) *PageIterator[T] {
	return &PageIterator[T]{
		client:       client,
		paginator:    paginator,
		parseResults: parseResults,
		nextRequest:  firstRequest,
	}
}

// Next fetches the next page. It returns false when the iteration is done or
// an error occurred; check Err to tell them apart.
func (it *PageIterator[T]) Next(ctx context.Context) bool {
	if it.err != nil || it.nextRequest == nil {
		return false
	}

	resp, err := it.client.Do(ctx, it.nextRequest)
	if err != nil {
		it.err = fmt.Errorf("page %d: %w", it.pages+1, err)
		return false
	}

	results, err := it.parseResults(resp)
	if err != nil {
		it.err = fmt.Errorf("page %d: %w", it.pages+1, err)
		return false
	}

	nextReq, err := it.paginator.NextPage(ctx, resp)
	if err != nil {
		it.err = fmt.Errorf("page %d: %w", it.pages+1, err)
		return false
	}

	it.current = results
	it.nextRequest = nextReq
	it.pages++
	return true
}

// Page returns the current page.
func (it *PageIterator[T]) Page() []T {
	return it.current
}

// Pages returns the number of pages fetched so far.
func (it *PageIterator[T]) Pages() int {
	return it.pages
}

// Err returns any error encountered.
func (it *PageIterator[T]) Err() error {
	return it.err
}

// Close releases resources.
func (it *PageIterator[T]) Close() error {
	it.nextRequest = nil
	it.current = nil
	return nil
}
