package mcpserver

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toskamesh/waterfall/internal/filereader"
	"github.com/toskamesh/waterfall/internal/metrics"
	"github.com/toskamesh/waterfall/internal/storage"
	"github.com/toskamesh/waterfall/internal/viz"
	"github.com/toskamesh/waterfall/internal/waterfall"
)

// ═══════════════════════════════════════════════════════════════════════════
// WATERFALL MCP TOOLS
//
// 1. get_otlp_endpoint     - Where to send spans
// 2. list_traces           - Recent traces, filterable by service and errors
// 3. get_trace_waterfall   - Positioned, hierarchy-ordered spans + ASCII chart
// 4. get_trace_diagnostics - Orphans, cycles and other malformed input
// 5. load_trace_document   - Store trace-detail JSON pasted by the agent
// 6. fetch_trace           - Pull a trace from the remote tracing API
// 7. watch_directory       - Load and watch a directory of trace files
// 8. unwatch_directory     - Stop watching a directory
// 9. get_stats             - Store health dashboard
// 10. clear_traces         - Drop everything
// ═══════════════════════════════════════════════════════════════════════════

const maxListLimit = 1000

// Tool 1: get_otlp_endpoint

type GetOTLPEndpointInput struct{}

type GetOTLPEndpointOutput struct {
	Endpoint        string            `json:"endpoint" jsonschema:"OTLP gRPC endpoint address for traces"`
	Protocol        string            `json:"protocol" jsonschema:"Protocol type (grpc)"`
	EnvironmentVars map[string]string `json:"environment_vars" jsonschema:"Suggested environment variables for configuring applications"`
}

func (s *Server) handleGetOTLPEndpoint(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetOTLPEndpointInput,
) (*mcp.CallToolResult, GetOTLPEndpointOutput, error) {
	endpoint := s.otlpReceiver.Endpoint()
	return &mcp.CallToolResult{}, GetOTLPEndpointOutput{
		Endpoint: endpoint,
		Protocol: "grpc",
		EnvironmentVars: map[string]string{
			"OTEL_EXPORTER_OTLP_ENDPOINT": endpoint,
			"OTEL_EXPORTER_OTLP_PROTOCOL": "grpc",
		},
	}, nil
}

// Tool 2: list_traces

type ListTracesInput struct {
	Service       string   `json:"service,omitempty" jsonschema:"Only traces with at least one span from this service"`
	Operation     string   `json:"operation,omitempty" jsonschema:"Only traces whose root operation has this name"`
	ErrorsOnly    bool     `json:"errors_only,omitempty" jsonschema:"Only traces containing an error span"`
	MinDurationMs *float64 `json:"min_duration_ms,omitempty" jsonschema:"Only traces lasting at least this many milliseconds"`
	MaxDurationMs *float64 `json:"max_duration_ms,omitempty" jsonschema:"Only traces lasting at most this many milliseconds"`
	Limit         int      `json:"limit,omitempty" jsonschema:"Maximum traces to return (default 20, max 1000)"`
}

type ListTracesOutput struct {
	Traces []TraceRow `json:"traces" jsonschema:"Trace summaries, most recent first"`
	Count  int        `json:"count" jsonschema:"Number of traces returned"`
	Text   string     `json:"text" jsonschema:"Human-readable trace list"`
}

func (s *Server) handleListTraces(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ListTracesInput,
) (*mcp.CallToolResult, ListTracesOutput, error) {
	if input.Limit < 0 {
		return nil, ListTracesOutput{}, fmt.Errorf("limit must be non-negative, got %d", input.Limit)
	}
	limit := input.Limit
	if limit == 0 {
		limit = 20
	}

	summaries := s.storage.ListTraces(storage.TraceFilter{
		ServiceName:   input.Service,
		OperationName: input.Operation,
		ErrorsOnly:    input.ErrorsOnly,
		MinDurationMs: input.MinDurationMs,
		MaxDurationMs: input.MaxDurationMs,
		Limit:         min(limit, maxListLimit),
	})

	rows := make([]TraceRow, 0, len(summaries))
	for _, summary := range summaries {
		rows = append(rows, traceRow(summary))
	}

	return &mcp.CallToolResult{}, ListTracesOutput{
		Traces: rows,
		Count:  len(rows),
		Text:   viz.TraceList(summaries),
	}, nil
}

// Tool 3: get_trace_waterfall

type GetTraceWaterfallInput struct {
	TraceID string `json:"trace_id" jsonschema:"Trace ID to lay out"`
	Width   int    `json:"width,omitempty" jsonschema:"Width of the ASCII chart in columns (default 80)"`
	SpanID  string `json:"span_id,omitempty" jsonschema:"Expand this span with its grouped attributes"`
}

type GetTraceWaterfallOutput struct {
	TraceID            string          `json:"trace_id" jsonschema:"Trace ID"`
	StartTime          string          `json:"start_time" jsonschema:"Earliest span start (RFC 3339)"`
	EndTime            string          `json:"end_time" jsonschema:"Latest span end (RFC 3339)"`
	DurationMs         float64         `json:"duration_ms" jsonschema:"Duration derived from the span set"`
	ReportedDurationMs float64         `json:"reported_duration_ms,omitempty" jsonschema:"Duration reported by the trace summary, if any"`
	Spans              []SpanRow       `json:"spans" jsonschema:"Spans in render order"`
	Diagnostics        []DiagnosticRow `json:"diagnostics,omitempty" jsonschema:"Malformed input the layout tolerated"`
	Text               string          `json:"text" jsonschema:"ASCII waterfall chart"`
	SpanDetail         string          `json:"span_detail,omitempty" jsonschema:"Expanded view of span_id"`
}

func (s *Server) handleGetTraceWaterfall(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetTraceWaterfallInput,
) (*mcp.CallToolResult, GetTraceWaterfallOutput, error) {
	if input.TraceID == "" {
		return nil, GetTraceWaterfallOutput{}, fmt.Errorf("trace_id is required")
	}
	if input.Width < 0 {
		return nil, GetTraceWaterfallOutput{}, fmt.Errorf("width must be non-negative, got %d", input.Width)
	}

	trace, err := s.storage.GetTrace(input.TraceID)
	if err != nil {
		return nil, GetTraceWaterfallOutput{}, fmt.Errorf("trace %s: %w", input.TraceID, err)
	}

	layout := s.build(trace)

	out := GetTraceWaterfallOutput{
		TraceID:     trace.Summary.TraceID,
		DurationMs:  layout.DurationMs,
		Spans:       make([]SpanRow, 0, len(layout.Spans)),
		Diagnostics: diagnosticRows(layout.Diagnostics),
		Text: viz.Waterfall(viz.TraceView{
			TraceID: trace.Summary.TraceID,
			Summary: &trace.Summary,
			Layout:  layout,
		}, input.Width),
	}
	if len(layout.Spans) > 0 {
		out.StartTime = formatTime(layout.Start)
		out.EndTime = formatTime(layout.End)
	}
	if trace.Summary.DurationMs != layout.DurationMs {
		out.ReportedDurationMs = trace.Summary.DurationMs
	}

	for _, ps := range layout.Spans {
		out.Spans = append(out.Spans, spanRow(ps))
		if input.SpanID != "" && ps.SpanID == input.SpanID && out.SpanDetail == "" {
			out.SpanDetail = viz.SpanDetail(ps)
		}
	}
	if input.SpanID != "" && out.SpanDetail == "" {
		return nil, GetTraceWaterfallOutput{}, fmt.Errorf("span %s not found in trace %s", input.SpanID, input.TraceID)
	}

	return &mcp.CallToolResult{}, out, nil
}

// Tool 4: get_trace_diagnostics

type GetTraceDiagnosticsInput struct {
	TraceID string `json:"trace_id" jsonschema:"Trace ID to check"`
}

type GetTraceDiagnosticsOutput struct {
	TraceID     string          `json:"trace_id" jsonschema:"Trace ID"`
	SpanCount   int             `json:"span_count" jsonschema:"Number of spans checked"`
	Diagnostics []DiagnosticRow `json:"diagnostics" jsonschema:"Orphans, cycles, negative durations and duplicate span IDs"`
	Text        string          `json:"text" jsonschema:"Human-readable diagnostics"`
}

func (s *Server) handleGetTraceDiagnostics(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetTraceDiagnosticsInput,
) (*mcp.CallToolResult, GetTraceDiagnosticsOutput, error) {
	if input.TraceID == "" {
		return nil, GetTraceDiagnosticsOutput{}, fmt.Errorf("trace_id is required")
	}

	trace, err := s.storage.GetTrace(input.TraceID)
	if err != nil {
		return nil, GetTraceDiagnosticsOutput{}, fmt.Errorf("trace %s: %w", input.TraceID, err)
	}

	diags := waterfall.Diagnose(trace.Spans)
	rows := diagnosticRows(diags)
	if rows == nil {
		rows = []DiagnosticRow{}
	}

	return &mcp.CallToolResult{}, GetTraceDiagnosticsOutput{
		TraceID:     trace.Summary.TraceID,
		SpanCount:   len(trace.Spans),
		Diagnostics: rows,
		Text:        viz.DiagnosticList(diags),
	}, nil
}

// Tool 5: load_trace_document

type LoadTraceDocumentInput struct {
	Document string `json:"document" jsonschema:"Trace-detail JSON: one {summary, spans} object or an array of them"`
}

type LoadTraceDocumentOutput struct {
	TraceIDs  []string `json:"trace_ids" jsonschema:"IDs of the stored traces"`
	SpanCount int      `json:"span_count" jsonschema:"Total spans stored"`
}

func (s *Server) handleLoadTraceDocument(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input LoadTraceDocumentInput,
) (*mcp.CallToolResult, LoadTraceDocumentOutput, error) {
	traces, err := filereader.DecodeTraces([]byte(input.Document))
	if err != nil {
		return nil, LoadTraceDocumentOutput{}, fmt.Errorf("invalid trace document: %w", err)
	}

	out := LoadTraceDocumentOutput{TraceIDs: make([]string, 0, len(traces))}
	for i, trace := range traces {
		if err := s.storage.AddTrace(ctx, trace); err != nil {
			return nil, LoadTraceDocumentOutput{}, fmt.Errorf("trace %d: %w", i, err)
		}
		out.TraceIDs = append(out.TraceIDs, traceIDOf(trace))
		out.SpanCount += len(trace.Spans)
	}
	metrics.SpansReceived.WithLabelValues("mcp").Add(float64(out.SpanCount))

	return &mcp.CallToolResult{}, out, nil
}

// Tool 6: fetch_trace

type FetchTraceInput struct {
	TraceID       string `json:"trace_id,omitempty" jsonschema:"Trace ID to fetch"`
	CorrelationID string `json:"correlation_id,omitempty" jsonschema:"Fetch every trace sharing this correlation ID instead"`
}

type FetchTraceOutput struct {
	Traces []TraceRow `json:"traces" jsonschema:"Summaries of the fetched and stored traces"`
}

func (s *Server) handleFetchTrace(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input FetchTraceInput,
) (*mcp.CallToolResult, FetchTraceOutput, error) {
	if s.api == nil {
		return nil, FetchTraceOutput{}, fmt.Errorf("no tracing API configured (set api_base_url)")
	}

	var traces []waterfall.Trace
	switch {
	case input.TraceID != "" && input.CorrelationID != "":
		return nil, FetchTraceOutput{}, fmt.Errorf("set only one of trace_id and correlation_id")
	case input.TraceID != "":
		trace, err := s.api.GetTrace(ctx, input.TraceID)
		if err != nil {
			return nil, FetchTraceOutput{}, fmt.Errorf("fetch trace %s: %w", input.TraceID, err)
		}
		traces = []waterfall.Trace{trace}
	case input.CorrelationID != "":
		var err error
		traces, err = s.api.GetTracesByCorrelation(ctx, input.CorrelationID)
		if err != nil {
			return nil, FetchTraceOutput{}, fmt.Errorf("fetch correlation %s: %w", input.CorrelationID, err)
		}
	default:
		return nil, FetchTraceOutput{}, fmt.Errorf("trace_id or correlation_id is required")
	}

	out := FetchTraceOutput{Traces: make([]TraceRow, 0, len(traces))}
	for _, trace := range traces {
		if err := s.storage.AddTrace(ctx, trace); err != nil {
			return nil, FetchTraceOutput{}, err
		}
		stored, err := s.storage.GetTrace(traceIDOf(trace))
		if err != nil {
			return nil, FetchTraceOutput{}, err
		}
		out.Traces = append(out.Traces, traceRow(stored.Summary))
	}

	return &mcp.CallToolResult{}, out, nil
}

// Tool 7: watch_directory

type WatchDirectoryInput struct {
	Directory  string `json:"directory" jsonschema:"Directory holding *.json trace documents or *.jsonl OTLP exports"`
	ActiveOnly bool   `json:"active_only,omitempty" jsonschema:"Skip rotated archives such as traces-2025-01-01T00-00-00.jsonl"`
}

type WatchDirectoryOutput struct {
	Directories []string `json:"directories" jsonschema:"All watched directories"`
	Message     string   `json:"message" jsonschema:"Confirmation message"`
}

func (s *Server) handleWatchDirectory(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input WatchDirectoryInput,
) (*mcp.CallToolResult, WatchDirectoryOutput, error) {
	if input.Directory == "" {
		return nil, WatchDirectoryOutput{}, fmt.Errorf("directory is required")
	}

	// The source outlives this request, so it must not inherit its context.
	if err := s.AddFileSource(context.WithoutCancel(ctx), input.Directory, input.ActiveOnly); err != nil {
		return nil, WatchDirectoryOutput{}, err
	}

	return &mcp.CallToolResult{}, WatchDirectoryOutput{
		Directories: s.ListFileSources(),
		Message:     fmt.Sprintf("watching %s", input.Directory),
	}, nil
}

// Tool 8: unwatch_directory

type UnwatchDirectoryInput struct {
	Directory string `json:"directory" jsonschema:"Directory to stop watching"`
}

func (s *Server) handleUnwatchDirectory(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input UnwatchDirectoryInput,
) (*mcp.CallToolResult, WatchDirectoryOutput, error) {
	if err := s.RemoveFileSource(input.Directory); err != nil {
		return nil, WatchDirectoryOutput{}, err
	}

	return &mcp.CallToolResult{}, WatchDirectoryOutput{
		Directories: s.ListFileSources(),
		Message:     fmt.Sprintf("stopped watching %s", input.Directory),
	}, nil
}

// Tool 9: get_stats

type GetStatsInput struct{}

type GetStatsOutput struct {
	SpanCount   int      `json:"span_count" jsonschema:"Current number of spans"`
	Capacity    int      `json:"capacity" jsonschema:"Maximum spans before the oldest are evicted"`
	TraceCount  int      `json:"trace_count" jsonschema:"Distinct traces held"`
	Services    []string `json:"services" jsonschema:"Known service names"`
	FileSources []string `json:"file_sources" jsonschema:"Watched directories"`
	Text        string   `json:"text" jsonschema:"Human-readable dashboard"`
}

func (s *Server) handleGetStats(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetStatsInput,
) (*mcp.CallToolResult, GetStatsOutput, error) {
	stats := s.storage.Stats()

	text := viz.StatsOverview(viz.BufferStats{
		SpanCount:    stats.SpanCount,
		SpanCapacity: stats.Capacity,
		TraceCount:   stats.TraceCount,
	})
	recent := s.storage.GetRecentSpans(stats.SpanCount)
	spans := make([]waterfall.Span, 0, len(recent))
	for _, stored := range recent {
		spans = append(spans, stored.Span)
	}
	text += viz.ServiceSummary(viz.ServiceStatsFromSpans(spans), 80)

	services := s.storage.Services()
	if services == nil {
		services = []string{}
	}

	return &mcp.CallToolResult{}, GetStatsOutput{
		SpanCount:   stats.SpanCount,
		Capacity:    stats.Capacity,
		TraceCount:  stats.TraceCount,
		Services:    services,
		FileSources: s.ListFileSources(),
		Text:        text,
	}, nil
}

// Tool 10: clear_traces

type ClearTracesInput struct{}

type ClearTracesOutput struct {
	Message string `json:"message" jsonschema:"Confirmation message"`
}

func (s *Server) handleClearTraces(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ClearTracesInput,
) (*mcp.CallToolResult, ClearTracesOutput, error) {
	s.storage.Clear()

	return &mcp.CallToolResult{}, ClearTracesOutput{
		Message: "Cleared all stored spans and trace summaries",
	}, nil
}

// Register all tools

func (s *Server) registerTools() error {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_otlp_endpoint",
		Description: "🚀 START HERE: Get the OTLP gRPC endpoint address. Set OTEL_EXPORTER_OTLP_ENDPOINT=<endpoint> when running instrumented programs; their spans become available to list_traces and get_trace_waterfall.",
	}, s.handleGetOTLPEndpoint)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_traces",
		Description: "List recently received traces, most recent first, with root operation, duration, span count and status. Filter by service, root operation, errors only or duration range. Use the trace_id with get_trace_waterfall.",
	}, s.handleListTraces)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_trace_waterfall",
		Description: "Lay out one trace as a waterfall: every span gets a depth in the call tree and left/width percentages of the trace duration, ordered parent-before-children and by start time. Returns structured rows plus an ASCII chart. Pass span_id to expand one span's attributes. Missing parents and parent cycles are tolerated and reported as diagnostics.",
	}, s.handleGetTraceWaterfall)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_trace_diagnostics",
		Description: "Check a trace for malformed span data: orphans whose parent is missing, parent cycles, spans ending before they start and duplicate span IDs. Answers 'why does this waterfall look wrong?'.",
	}, s.handleGetTraceDiagnostics)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "load_trace_document",
		Description: "Store a trace-detail JSON document ({summary, spans}, or an array of them) so it can be laid out with get_trace_waterfall. Replaces any trace with the same ID.",
	}, s.handleLoadTraceDocument)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "fetch_trace",
		Description: "Fetch a trace (or every trace sharing a correlation ID) from the configured tracing API and store it locally for get_trace_waterfall.",
	}, s.handleFetchTrace)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "watch_directory",
		Description: "Load trace files from a directory and keep watching it. *.json files hold trace-detail documents; *.jsonl files hold OTLP JSON lines as written by the collector file exporter and are tailed as they grow.",
	}, s.handleWatchDirectory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "unwatch_directory",
		Description: "Stop watching a directory added with watch_directory. Already loaded spans stay in the store.",
	}, s.handleUnwatchDirectory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_stats",
		Description: "Store health dashboard: span count against capacity, trace count, known services and watched directories. Use before long observations to check the buffer will not wrap.",
	}, s.handleGetStats)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clear_traces",
		Description: "Wipe all stored spans and trace summaries. Watched directories and the OTLP endpoint stay active.",
	}, s.handleClearTraces)

	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// OUTPUT TYPES - Flattened views of layout data
// ═══════════════════════════════════════════════════════════════════════════

type TraceRow struct {
	TraceID     string  `json:"trace_id" jsonschema:"Trace ID"`
	ServiceName string  `json:"service_name" jsonschema:"Root service name"`
	Operation   string  `json:"operation" jsonschema:"Root operation name"`
	StartTime   string  `json:"start_time" jsonschema:"Trace start (RFC 3339)"`
	DurationMs  float64 `json:"duration_ms" jsonschema:"Trace duration in milliseconds"`
	Status      string  `json:"status" jsonschema:"Ok or Error"`
	SpanCount   int     `json:"span_count" jsonschema:"Number of spans"`
}

type SpanRow struct {
	SpanID        string  `json:"span_id" jsonschema:"Span ID"`
	ParentSpanID  string  `json:"parent_span_id,omitempty" jsonschema:"Declared parent span ID"`
	ServiceName   string  `json:"service_name" jsonschema:"Service name"`
	OperationName string  `json:"operation_name" jsonschema:"Operation name"`
	Status        string  `json:"status" jsonschema:"Span status"`
	Kind          string  `json:"kind,omitempty" jsonschema:"Span kind"`
	Depth         int     `json:"depth" jsonschema:"Nesting depth, 0 for roots"`
	Left          float64 `json:"left" jsonschema:"Start offset as a percentage of the trace duration"`
	Width         float64 `json:"width" jsonschema:"Duration as a percentage of the trace duration"`
	DurationMs    float64 `json:"duration_ms" jsonschema:"Span duration in milliseconds"`
	StartTime     string  `json:"start_time" jsonschema:"Span start (RFC 3339)"`
	Error         bool    `json:"error,omitempty" jsonschema:"Span finished with an error"`
}

type DiagnosticRow struct {
	Kind    string `json:"kind" jsonschema:"orphan, cycle, negative_duration or duplicate_span_id"`
	SpanID  string `json:"span_id" jsonschema:"Affected span"`
	Message string `json:"message" jsonschema:"Explanation"`
}

// Conversion functions

func traceRow(summary waterfall.TraceSummary) TraceRow {
	return TraceRow{
		TraceID:     summary.TraceID,
		ServiceName: summary.ServiceName,
		Operation:   summary.Operation,
		StartTime:   formatTime(summary.StartTimeUtc),
		DurationMs:  summary.DurationMs,
		Status:      summary.Status,
		SpanCount:   summary.SpanCount,
	}
}

func spanRow(ps waterfall.PositionedSpan) SpanRow {
	row := SpanRow{
		SpanID:        ps.SpanID,
		ParentSpanID:  ps.ParentID(),
		ServiceName:   ps.ServiceName,
		OperationName: ps.OperationName,
		Status:        ps.Status,
		Depth:         ps.Depth,
		Left:          ps.Left,
		Width:         ps.Width,
		DurationMs:    ps.DurationMs,
		StartTime:     formatTime(ps.StartTime),
		Error:         ps.IsError(),
	}
	if ps.Kind != nil {
		row.Kind = *ps.Kind
	}
	return row
}

func diagnosticRows(diags []waterfall.Diagnostic) []DiagnosticRow {
	if len(diags) == 0 {
		return nil
	}
	rows := make([]DiagnosticRow, len(diags))
	for i, d := range diags {
		rows[i] = DiagnosticRow{Kind: string(d.Kind), SpanID: d.SpanID, Message: d.Message}
	}
	return rows
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// traceIDOf mirrors the id resolution of TraceStorage.AddTrace.
func traceIDOf(trace waterfall.Trace) string {
	if trace.Summary.TraceID != "" {
		return trace.Summary.TraceID
	}
	if len(trace.Spans) > 0 {
		return trace.Spans[0].TraceID
	}
	return ""
}

// build lays out a stored trace, recording layout metrics.
func (s *Server) build(trace waterfall.Trace) waterfall.Waterfall {
	w := metrics.Build(trace.Spans)
	if s.verbose {
		for _, d := range w.Diagnostics {
			log.Printf("⚠️  mcp: trace %s: %s\n", trace.Summary.TraceID, d)
		}
	}
	return w
}
