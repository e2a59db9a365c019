package traceclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		path   string
		params map[string]string
		want   string
	}{
		{"base and path", "http://localhost:5000", "/api/services", nil, "http://localhost:5000/api/services"},
		{"trailing slashes", "http://localhost:5000//", "/api/services", nil, "http://localhost:5000/api/services"},
		{"empty base", "", "/api/services", nil, "/api/services"},
		{"query params", "http://localhost:5000", "/api/query", map[string]string{"query": "up", "time": "123"}, "http://localhost:5000/api/query?query=up&time=123"},
		{"empty params dropped", "http://localhost:5000", "/api/query", map[string]string{"query": "up", "empty": ""}, "http://localhost:5000/api/query?query=up"},
		{"all params empty", "http://localhost:5000", "/api/query", map[string]string{"empty": ""}, "http://localhost:5000/api/query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildURL(tt.base, tt.path, tt.params))
		})
	}
}

const traceBody = `{
  "summary": {"traceId": "abc", "serviceName": "api", "operation": "GET /", "durationMs": 12, "status": "Ok", "spanCount": 1},
  "spans": [{"spanId": "s1", "parentSpanId": null, "serviceName": "api", "operationName": "GET /",
    "startTime": "2025-01-01T00:00:00Z", "endTime": "2025-01-01T00:00:00.012Z", "status": "Ok", "kind": "Server", "attributes": {}}]
}`

func TestGetTrace(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(traceBody))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithAPIKey("secret"))
	trace, err := c.GetTrace(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, "/api/dashboard/traces/abc", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "abc", trace.Summary.TraceID)
	require.Len(t, trace.Spans, 1)
	assert.Nil(t, trace.Spans[0].ParentSpanID)
	assert.Equal(t, float64(12), trace.Summary.DurationMs)
}

func TestGetTraceEscapesID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(traceBody))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetTrace(context.Background(), "a/b c")
	require.NoError(t, err)
	assert.Equal(t, "/api/dashboard/traces/a%2Fb%20c", gotPath)
}

func TestGetTraceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New(srv.URL).GetTrace(context.Background(), "missing")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "Request failed: 404 Not Found", apiErr.Error())
}

func TestGetTraceBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{"))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetTrace(context.Background(), "abc")
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestListTraces(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Write([]byte(`{"total": 1, "page": 2, "pageSize": 25, "items": [{"traceId": "t1", "serviceName": "api", "spanCount": 3}]}`))
	}))
	defer srv.Close()

	minDur := 1.5
	resp, err := New(srv.URL).ListTraces(context.Background(), QueryParams{
		ServiceName:   "api",
		MinDurationMs: &minDur,
		Page:          2,
		PageSize:      25,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"serviceName":   "api",
		"minDurationMs": "1.5",
		"page":          "2",
		"pageSize":      "25",
	}, gotQuery)
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, 3, resp.Items[0].SpanCount)
}

func TestServiceNamesAndOperations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/dashboard/traces/services", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["api","db"]`))
	})
	mux.HandleFunc("/api/dashboard/traces/services/api/operations", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["GET /","POST /"]`))
	})
	mux.HandleFunc("/api/dashboard/traces/correlation/c-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[" + traceBody + "]"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)

	names, err := c.ServiceNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "db"}, names)

	ops, err := c.Operations(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /", "POST /"}, ops)

	traces, err := c.GetTracesByCorrelation(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Len(t, traces, 1)
}

func TestContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(traceBody))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(srv.URL).GetTrace(ctx, "abc")
	assert.ErrorIs(t, err, context.Canceled)
}
