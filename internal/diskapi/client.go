package diskapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultBaseURL is the production remote API endpoint.
const DefaultBaseURL = "https://cloud-api.example.com/v1/disk"

const listPageSize = 200

// TokenSource provides bearer tokens for authenticated requests. Satisfied
// by *token.Provider; defined at the consumer per "accept interfaces, return
// structs" (mirrors graph.TokenSource in the teacher).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is an HTTP+JSON client for the remote disk API. It performs exactly
// one request per call; retry/backoff scheduling is the sync engine's job
// (spec.md §4.5.3), not the client's.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient creates a Client. httpClient defaults to http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{baseURL: baseURL, httpClient: httpClient, tokens: tokens, logger: logger}
}

// do executes a single authenticated request and decodes a JSON response
// into out (skipped if out is nil). On non-2xx, returns *Error.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("diskapi: obtaining token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("diskapi: building request: %w", err)
	}

	req.Header.Set("Authorization", "OAuth "+tok)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("diskapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return c.toError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
		if errors.Is(decErr, io.EOF) {
			// Synchronous operations (e.g. a completed move) may return a
			// 2xx with an empty body instead of 204; treat it the same.
			return nil
		}

		return fmt.Errorf("diskapi: decoding response from %s %s: %w", method, path, decErr)
	}

	return nil
}

func (c *Client) toError(resp *http.Response) *Error {
	data, _ := io.ReadAll(resp.Body)

	retryAfter := 0
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if n, err := strconv.Atoi(ra); err == nil {
			retryAfter = n
		}
	}

	return &Error{
		StatusCode: resp.StatusCode,
		Body:       string(data),
		RetryAfter: retryAfter,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Err:        sentinelFor(resp.StatusCode),
	}
}

// GetDiskInfo implements GET /v1/disk.
func (c *Client) GetDiskInfo(ctx context.Context) (*DiskInfo, error) {
	var info DiskInfo
	if err := c.do(ctx, http.MethodGet, "", nil, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// ListResourcesPage implements one page of GET /v1/disk/resources.
func (c *Client) ListResourcesPage(ctx context.Context, path string, limit, offset int) (*ResourceList, error) {
	if limit <= 0 {
		limit = listPageSize
	}

	q := url.Values{}
	q.Set("path", path)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("fields", "_embedded.items.path,_embedded.items.name,_embedded.items.type,"+
		"_embedded.items.size,_embedded.items.modified,_embedded.items.md5,"+
		"_embedded.items.resource_id,_embedded.limit,_embedded.offset,_embedded.total")

	var resp ListResourcesResponse
	if err := c.do(ctx, http.MethodGet, "/resources?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	return &resp.Embedded, nil
}

// ListResourcesAll pages through the full listing under path, looping until
// offset+len(items) >= total, per spec.md §6.
func (c *Client) ListResourcesAll(ctx context.Context, path string) ([]Resource, error) {
	var all []Resource

	offset := 0

	for {
		page, err := c.ListResourcesPage(ctx, path, listPageSize, offset)
		if err != nil {
			return nil, err
		}

		all = append(all, page.Items...)

		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.Total {
			return all, nil
		}
	}
}

// GetMetadata fetches a single resource's own metadata (no children),
// for the pre-upload remote-state fetch the Conflict Resolver needs
// (spec.md §4.5.5). Returns ErrNotFound if nothing exists at path yet.
func (c *Client) GetMetadata(ctx context.Context, path string) (*Resource, error) {
	q := url.Values{}
	q.Set("path", path)
	q.Set("fields", "path,name,type,size,modified,md5,resource_id")

	var res Resource
	if err := c.do(ctx, http.MethodGet, "/resources?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// GetDownloadLink implements GET /v1/disk/resources/download.
func (c *Client) GetDownloadLink(ctx context.Context, path string) (*Link, error) {
	q := url.Values{"path": {path}}

	var link Link
	if err := c.do(ctx, http.MethodGet, "/resources/download?"+q.Encode(), nil, &link); err != nil {
		return nil, err
	}

	return &link, nil
}

// GetUploadLink implements GET /v1/disk/resources/upload.
func (c *Client) GetUploadLink(ctx context.Context, path string, overwrite bool) (*Link, error) {
	q := url.Values{"path": {path}, "overwrite": {strconv.FormatBool(overwrite)}}

	var link Link
	if err := c.do(ctx, http.MethodGet, "/resources/upload?"+q.Encode(), nil, &link); err != nil {
		return nil, err
	}

	return &link, nil
}

// Mkdir implements PUT /v1/disk/resources (create folder).
func (c *Client) Mkdir(ctx context.Context, path string) (*Resource, error) {
	q := url.Values{"path": {path}}

	var res Resource
	if err := c.do(ctx, http.MethodPut, "/resources?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// Move implements PUT /v1/disk/resources/move.
func (c *Client) Move(ctx context.Context, from, to string, overwrite bool) (*TransferLink, error) {
	return c.transferRequest(ctx, "/resources/move", from, to, overwrite)
}

// Copy implements PUT /v1/disk/resources/copy.
func (c *Client) Copy(ctx context.Context, from, to string, overwrite bool) (*TransferLink, error) {
	return c.transferRequest(ctx, "/resources/copy", from, to, overwrite)
}

func (c *Client) transferRequest(ctx context.Context, endpoint, from, to string, overwrite bool) (*TransferLink, error) {
	q := url.Values{"from": {from}, "path": {to}, "overwrite": {strconv.FormatBool(overwrite)}}

	var link TransferLink
	if err := c.do(ctx, http.MethodPut, endpoint+"?"+q.Encode(), nil, &link); err != nil {
		return nil, err
	}

	if link.Href == "" {
		return nil, nil
	}

	return &link, nil
}

// Delete implements DELETE /v1/disk/resources. A 204 response means the
// delete completed synchronously; the returned *TransferLink is nil in that
// case. A 202 response carries an async operation link to poll.
func (c *Client) Delete(ctx context.Context, path string, permanently bool) (*TransferLink, error) {
	q := url.Values{"path": {path}, "permanently": {strconv.FormatBool(permanently)}}

	var link TransferLink
	if err := c.do(ctx, http.MethodDelete, "/resources?"+q.Encode(), nil, &link); err != nil {
		return nil, err
	}

	if link.Href == "" {
		return nil, nil
	}

	return &link, nil
}

// GetOperationStatus polls an async operation link returned by Move/Copy/Delete.
func (c *Client) GetOperationStatus(ctx context.Context, operationURL string) (*OperationStatus, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("diskapi: obtaining token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, operationURL, nil)
	if err != nil {
		return nil, fmt.Errorf("diskapi: building operation status request: %w", err)
	}

	req.Header.Set("Authorization", "OAuth "+tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("diskapi: polling operation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.toError(resp)
	}

	var status OperationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("diskapi: decoding operation status: %w", err)
	}

	return &status, nil
}
