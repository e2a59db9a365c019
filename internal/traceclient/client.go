// Package traceclient fetches traces from a dashboard tracing API.
package traceclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/toskamesh/waterfall/internal/metrics"
	"github.com/toskamesh/waterfall/internal/waterfall"
)

const (
	tracesBase     = "/api/dashboard/traces"
	requestTimeout = 10 * time.Second
)

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// QueryParams filters a trace listing. Zero values are omitted from the request.
type QueryParams struct {
	ServiceName   string
	OperationName string
	Status        string
	CorrelationID string
	From          string
	To            string
	MinDurationMs *float64
	MaxDurationMs *float64
	Page          int
	PageSize      int
}

// QueryResponse is one page of trace summaries.
type QueryResponse struct {
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"pageSize"`
	Items    []waterfall.TraceSummary `json:"items"`
}

// Client talks to one dashboard API base URL.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sends a bearer token with each request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New creates a client for baseURL. An empty baseURL issues path-only
// requests, which only work with a custom transport.
func New(baseURL string, opts ...Option) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetTrace fetches one trace-detail document.
func (c *Client) GetTrace(ctx context.Context, traceID string) (waterfall.Trace, error) {
	var trace waterfall.Trace
	path := tracesBase + "/" + url.PathEscape(traceID)
	if err := c.getJSON(ctx, path, nil, &trace); err != nil {
		return waterfall.Trace{}, err
	}
	metrics.SpansReceived.WithLabelValues("api").Add(float64(len(trace.Spans)))
	return trace, nil
}

// GetTracesByCorrelation fetches every trace sharing a correlation id.
func (c *Client) GetTracesByCorrelation(ctx context.Context, correlationID string) ([]waterfall.Trace, error) {
	var traces []waterfall.Trace
	path := tracesBase + "/correlation/" + url.PathEscape(correlationID)
	if err := c.getJSON(ctx, path, nil, &traces); err != nil {
		return nil, err
	}
	return traces, nil
}

// ListTraces fetches one page of trace summaries.
func (c *Client) ListTraces(ctx context.Context, params QueryParams) (QueryResponse, error) {
	q := map[string]string{
		"serviceName":   params.ServiceName,
		"operationName": params.OperationName,
		"status":        params.Status,
		"correlationId": params.CorrelationID,
		"from":          params.From,
		"to":            params.To,
	}
	if params.MinDurationMs != nil {
		q["minDurationMs"] = strconv.FormatFloat(*params.MinDurationMs, 'f', -1, 64)
	}
	if params.MaxDurationMs != nil {
		q["maxDurationMs"] = strconv.FormatFloat(*params.MaxDurationMs, 'f', -1, 64)
	}
	if params.Page > 0 {
		q["page"] = strconv.Itoa(params.Page)
	}
	if params.PageSize > 0 {
		q["pageSize"] = strconv.Itoa(params.PageSize)
	}

	var resp QueryResponse
	if err := c.getJSON(ctx, tracesBase, q, &resp); err != nil {
		return QueryResponse{}, err
	}
	return resp, nil
}

// ServiceNames lists the services that have reported traces.
func (c *Client) ServiceNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.getJSON(ctx, tracesBase+"/services", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Operations lists the operation names seen for a service.
func (c *Client) Operations(ctx context.Context, serviceName string) ([]string, error) {
	var ops []string
	path := tracesBase + "/services/" + url.PathEscape(serviceName) + "/operations"
	if err := c.getJSON(ctx, path, nil, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params map[string]string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BuildURL(c.baseURL, path, params), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("Request failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// BuildURL joins baseURL and path, trimming trailing slashes from the base
// and dropping empty query values.
func BuildURL(baseURL, path string, params map[string]string) string {
	base := strings.TrimRight(baseURL, "/") + path

	values := url.Values{}
	for k, v := range params {
		if v != "" {
			values.Set(k, v)
		}
	}
	if len(values) == 0 {
		return base
	}
	return base + "?" + values.Encode()
}
