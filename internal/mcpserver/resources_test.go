package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func readReq(uri string) *mcp.ReadResourceRequest {
	return &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: uri},
	}
}

func readText(t *testing.T, result *mcp.ReadResourceResult) string {
	t.Helper()
	if len(result.Contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(result.Contents))
	}
	return result.Contents[0].Text
}

func TestEndpointResource(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleEndpointResource(context.Background(), readReq("waterfall://endpoint"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)

	if !strings.Contains(text, "OTEL_EXPORTER_OTLP_ENDPOINT="+srv.otlpReceiver.Endpoint()) {
		t.Errorf("expected endpoint env var, got:\n%s", text)
	}
	if !strings.Contains(text, "Protocol:  grpc") {
		t.Errorf("expected protocol line, got:\n%s", text)
	}
	if result.Contents[0].URI != "waterfall://endpoint" {
		t.Errorf("expected URI to be echoed, got %q", result.Contents[0].URI)
	}
}

func TestStatsResource(t *testing.T) {
	srv := newTestServer(t)
	addTraces(t, srv)

	result, err := srv.handleStatsResource(context.Background(), readReq("waterfall://stats"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)

	if !strings.Contains(text, "Spans:    4 / 100 (4%)") {
		t.Errorf("expected span fill line, got:\n%s", text)
	}
	if !strings.Contains(text, "Traces:   2") {
		t.Errorf("expected trace count, got:\n%s", text)
	}
}

func TestServicesResourceEmpty(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleServicesResource(context.Background(), readReq("waterfall://services"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)

	if !strings.Contains(text, "Discovered Services (0)") || !strings.Contains(text, "(none)") {
		t.Errorf("expected empty service list, got:\n%s", text)
	}
}

func TestServicesResourceWithData(t *testing.T) {
	srv := newTestServer(t)
	addTraces(t, srv)

	result, err := srv.handleServicesResource(context.Background(), readReq("waterfall://services"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)

	if !strings.Contains(text, "Discovered Services (3)") {
		t.Errorf("expected 3 services, got:\n%s", text)
	}
	for _, svc := range []string{"api", "db", "worker"} {
		if !strings.Contains(text, "• "+svc) {
			t.Errorf("expected service %s, got:\n%s", svc, text)
		}
	}
}

func TestFileSourcesResource(t *testing.T) {
	srv := newTestServer(t)

	result, err := srv.handleFileSourcesResource(context.Background(), readReq("waterfall://file-sources"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := readText(t, result); !strings.Contains(text, "File Sources (0)") {
		t.Errorf("expected no file sources, got:\n%s", text)
	}

	dir := t.TempDir()
	if err := srv.AddFileSource(context.Background(), dir, false); err != nil {
		t.Fatal(err)
	}
	result, err = srv.handleFileSourcesResource(context.Background(), readReq("waterfall://file-sources"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)
	if !strings.Contains(text, "File Sources (1)") || !strings.Contains(text, dir) {
		t.Errorf("expected watched directory, got:\n%s", text)
	}
}

func TestTraceResource(t *testing.T) {
	srv := newTestServer(t)
	addTraces(t, srv)

	result, err := srv.handleTraceResource(context.Background(), readReq("waterfall://traces/t1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)
	if !strings.HasPrefix(text, "Trace t1 (3 spans, 100.0ms)") {
		t.Errorf("expected waterfall header, got:\n%s", text)
	}
	if !strings.Contains(text, "├─ db.query") || !strings.Contains(text, "└─ api.render") {
		t.Errorf("expected tree rows, got:\n%s", text)
	}
	if !strings.Contains(text, "Diagnostics: none") {
		t.Errorf("expected clean diagnostics, got:\n%s", text)
	}

	result, err = srv.handleTraceResource(context.Background(), readReq("waterfall://traces/t2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := readText(t, result); !strings.Contains(text, "Diagnostics (1)") || !strings.Contains(text, "orphan") {
		t.Errorf("expected orphan diagnostic, got:\n%s", text)
	}
}

func TestTraceResourceNotFound(t *testing.T) {
	srv := newTestServer(t)
	for _, uri := range []string{"waterfall://traces/nope", "waterfall://traces/"} {
		if _, err := srv.handleTraceResource(context.Background(), readReq(uri)); err == nil {
			t.Errorf("expected error for %s", uri)
		}
	}
}

func TestServiceDetailResource(t *testing.T) {
	srv := newTestServer(t)
	addTraces(t, srv)

	result, err := srv.handleServiceDetailResource(context.Background(), readReq("waterfall://services/db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)

	if !strings.HasPrefix(text, "Service: db\n") {
		t.Errorf("expected service header, got:\n%s", text)
	}
	if !strings.Contains(text, "Traces:   1") {
		t.Errorf("expected one trace, got:\n%s", text)
	}
	if !strings.Contains(text, "Recent Traces (1)") {
		t.Errorf("expected trace list, got:\n%s", text)
	}
}

func TestServiceDetailResourceNotFound(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.handleServiceDetailResource(context.Background(), readReq("waterfall://services/nonexistent"))
	if err == nil {
		t.Fatal("expected error for nonexistent service")
	}
}

func TestExtractURIParam(t *testing.T) {
	tests := []struct {
		uri, prefix, want string
		err               bool
	}{
		{"waterfall://services/my-svc", "waterfall://services/", "my-svc", false},
		{"waterfall://services/url%20encoded", "waterfall://services/", "url encoded", false},
		{"waterfall://services/", "waterfall://services/", "", true},
		{"waterfall://wrong/path", "waterfall://services/", "", true},
	}
	for _, tt := range tests {
		got, err := extractURIParam(tt.uri, tt.prefix)
		if tt.err && err == nil {
			t.Errorf("extractURIParam(%q, %q): expected error", tt.uri, tt.prefix)
		}
		if !tt.err && err != nil {
			t.Errorf("extractURIParam(%q, %q): unexpected error: %v", tt.uri, tt.prefix, err)
		}
		if got != tt.want {
			t.Errorf("extractURIParam(%q, %q) = %q, want %q", tt.uri, tt.prefix, got, tt.want)
		}
	}
}

func TestFmtNum(t *testing.T) {
	tests := map[int]string{0: "0", 999: "999", 1000: "1,000", 1234567: "1,234,567", -4200: "-4,200"}
	for in, want := range tests {
		if got := fmtNum(in); got != want {
			t.Errorf("fmtNum(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFmtPct(t *testing.T) {
	if got := fmtPct(1, 0); got != "─" {
		t.Errorf("fmtPct(1, 0) = %q", got)
	}
	if got := fmtPct(62, 100); got != "62%" {
		t.Errorf("fmtPct(62, 100) = %q", got)
	}
}
