package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fieldsync/core/internal/logging"
)

// TokenSource supplies the bearer token for each request. Token
// management lives outside the sync core.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("server returned %d", e.Code)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// HTTPClient implements Protocol over JSON/HTTP.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	tokens    TokenSource
	userAgent string
	maxBody   int64
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTPClient) { h.client.Timeout = d }
}

// WithTokenSource sets the bearer token provider.
func WithTokenSource(ts TokenSource) Option {
	return func(h *HTTPClient) { h.tokens = ts }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(h *HTTPClient) { h.userAgent = ua }
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}

	h := &HTTPClient{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: "fieldsync-core/1.0",
		maxBody:   maxResponseBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// UploadBatch implements Protocol.
func (h *HTTPClient) UploadBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	var resp BatchResponse
	if err := h.call(ctx, http.MethodPost, "/api/sync/batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type changesBody struct {
	Data                 json.RawMessage `json:"data"`
	DeletedJobIDs        []string        `json:"deleted_job_ids"`
	DeletedMitigationIDs []string        `json:"deleted_mitigation_ids"`
	Pagination           Pagination      `json:"pagination"`
}

// FetchChanges implements Protocol.
func (h *HTTPClient) FetchChanges(ctx context.Context, req ChangesRequest) (*ChangesPage, error) {
	q := url.Values{}
	q.Set("since", req.Since.UTC().Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(req.Limit))
	q.Set("offset", strconv.Itoa(req.Offset))
	q.Set("entity", string(req.Stream))

	var body changesBody
	if err := h.call(ctx, http.MethodGet, "/api/sync/changes?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}

	page := &ChangesPage{
		DeletedJobIDs:        body.DeletedJobIDs,
		DeletedMitigationIDs: body.DeletedMitigationIDs,
		Pagination:           body.Pagination,
	}
	if len(body.Data) == 0 || string(body.Data) == "null" {
		return page, nil
	}

	switch req.Stream {
	case StreamJobs:
		if err := json.Unmarshal(body.Data, &page.Jobs); err != nil {
			return nil, fmt.Errorf("decode jobs page: %w", err)
		}
	case StreamMitigationItems:
		if err := json.Unmarshal(body.Data, &page.MitigationItems); err != nil {
			return nil, fmt.Errorf("decode mitigation page: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown change stream %q", req.Stream)
	}
	return page, nil
}

// ResolveConflict implements Protocol.
func (h *HTTPClient) ResolveConflict(ctx context.Context, req ResolveRequest) (*ResolveResponse, error) {
	var resp ResolveResponse
	if err := h.call(ctx, http.MethodPost, "/api/sync/resolve-conflict", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health implements Protocol.
func (h *HTTPClient) Health(ctx context.Context) error {
	return h.call(ctx, http.MethodGet, "/health", nil, nil)
}

func (h *HTTPClient) call(ctx context.Context, method, path string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.tokens != nil {
		token, err := h.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("bearer token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	logging.Debug("Sending sync request", map[string]interface{}{"method": method, "path": path})

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	oversized := int64(len(data)) > h.maxBody

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if oversized {
			data = data[:h.maxBody]
		}
		var errResp struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &StatusError{Code: resp.StatusCode, Body: msg}
	}
	if oversized {
		return fmt.Errorf("%s %s: response exceeds %d bytes", method, path, h.maxBody)
	}

	if result != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
