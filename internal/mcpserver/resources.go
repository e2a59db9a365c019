package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toskamesh/waterfall/internal/storage"
	"github.com/toskamesh/waterfall/internal/viz"
)

// registerResources registers all MCP resources and resource templates.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "waterfall://endpoint",
		Name:        "endpoint",
		Description: "OTLP gRPC endpoint address and environment variable suggestions.",
		MIMEType:    "text/plain",
	}, s.handleEndpointResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "waterfall://stats",
		Name:        "stats",
		Description: "Span store count, capacity and trace count.",
		MIMEType:    "text/plain",
	}, s.handleStatsResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "waterfall://services",
		Name:        "services",
		Description: "Service names seen across stored spans.",
		MIMEType:    "text/plain",
	}, s.handleServicesResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "waterfall://file-sources",
		Name:        "file-sources",
		Description: "Directories being watched for trace files.",
		MIMEType:    "text/plain",
	}, s.handleFileSourcesResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "waterfall://traces/{traceId}",
		Name:        "trace-waterfall",
		Description: "ASCII waterfall and diagnostics for one stored trace.",
		MIMEType:    "text/plain",
	}, s.handleTraceResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "waterfall://services/{service}",
		Name:        "service-detail",
		Description: "Recent traces touching a specific service.",
		MIMEType:    "text/plain",
	}, s.handleServiceDetailResource)
}

// ─── Static resource handlers ───────────────────────────────────────────

func (s *Server) handleEndpointResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	endpoint := s.otlpReceiver.Endpoint()

	var b strings.Builder
	b.WriteString("OTLP Endpoint\n")
	b.WriteString("═════════════\n")
	fmt.Fprintf(&b, "  Address:   %s\n", endpoint)
	b.WriteString("  Protocol:  grpc\n")
	b.WriteString("\n  Environment Variables:\n")
	fmt.Fprintf(&b, "    OTEL_EXPORTER_OTLP_ENDPOINT=%s\n", endpoint)
	b.WriteString("    OTEL_EXPORTER_OTLP_PROTOCOL=grpc\n")

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleStatsResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	stats := s.storage.Stats()

	var b strings.Builder
	b.WriteString("Span Store\n")
	b.WriteString("══════════\n")
	fmt.Fprintf(&b, "  Spans:    %s / %s (%s)\n",
		fmtNum(stats.SpanCount), fmtNum(stats.Capacity), fmtPct(stats.SpanCount, stats.Capacity))
	fmt.Fprintf(&b, "  Traces:   %s\n", fmtNum(stats.TraceCount))
	fmt.Fprintf(&b, "  Sources:  %d watched\n", len(s.ListFileSources()))

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleServicesResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	services := s.storage.Services()

	var b strings.Builder
	fmt.Fprintf(&b, "Discovered Services (%d)\n", len(services))
	b.WriteString("═══════════════════════\n")
	if len(services) == 0 {
		b.WriteString("  (none)\n")
	} else {
		for _, svc := range services {
			fmt.Fprintf(&b, "  • %s\n", svc)
		}
	}

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleFileSourcesResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	stats := s.FileSourceStats()

	var b strings.Builder
	fmt.Fprintf(&b, "File Sources (%d)\n", len(stats))
	b.WriteString("═════════════════\n")

	if len(stats) == 0 {
		b.WriteString("  (none)\n")
	} else {
		for _, stat := range stats {
			fmt.Fprintf(&b, "  %s\n", stat.Directory)
			fmt.Fprintf(&b, "    Files tracked: %d\n", stat.FilesTracked)
			if len(stat.WatchedDirs) > 0 {
				b.WriteString("    Watching:\n")
				for _, dir := range stat.WatchedDirs {
					fmt.Fprintf(&b, "      • %s\n", dir)
				}
			}
		}
	}

	return textResult(req.Params.URI, b.String()), nil
}

// ─── Resource template handlers ─────────────────────────────────────────

func (s *Server) handleTraceResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	traceID, err := extractURIParam(req.Params.URI, "waterfall://traces/")
	if err != nil {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}

	trace, err := s.storage.GetTrace(traceID)
	if errors.Is(err, storage.ErrTraceNotFound) {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}

	layout := s.build(trace)

	var b strings.Builder
	b.WriteString(viz.Waterfall(viz.TraceView{
		TraceID: trace.Summary.TraceID,
		Summary: &trace.Summary,
		Layout:  layout,
	}, 0))
	b.WriteString("\n")
	b.WriteString(viz.DiagnosticList(layout.Diagnostics))

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleServiceDetailResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	serviceName, err := extractURIParam(req.Params.URI, "waterfall://services/")
	if err != nil {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}

	summaries := s.storage.ListTraces(storage.TraceFilter{ServiceName: serviceName})
	if len(summaries) == 0 {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}

	errCount := 0
	for _, sum := range summaries {
		if sum.Status == "Error" {
			errCount++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Service: %s\n", serviceName)
	b.WriteString(strings.Repeat("═", len(serviceName)+9) + "\n")
	fmt.Fprintf(&b, "  Traces:   %s\n", fmtNum(len(summaries)))
	fmt.Fprintf(&b, "  Errors:   %s (%s)\n\n", fmtNum(errCount), fmtPct(errCount, len(summaries)))

	limit := min(len(summaries), 10)
	b.WriteString(viz.TraceList(summaries[:limit]))
	if len(summaries) > limit {
		fmt.Fprintf(&b, "  ... and %d more\n", len(summaries)-limit)
	}

	return textResult(req.Params.URI, b.String()), nil
}

// ─── Helpers ────────────────────────────────────────────────────────────

// extractURIParam extracts the parameter value from a URI by stripping the prefix
// and URL-decoding the remainder.
func extractURIParam(uri, prefix string) (string, error) {
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("invalid URI: %s", uri)
	}
	param := strings.TrimPrefix(uri, prefix)
	if param == "" {
		return "", fmt.Errorf("empty parameter in URI: %s", uri)
	}
	decoded, err := url.PathUnescape(param)
	if err != nil {
		return "", fmt.Errorf("invalid encoding in URI: %w", err)
	}
	return decoded, nil
}

// textResult wraps a string in a ReadResourceResult.
func textResult(uri, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:  uri,
			Text: text,
		}},
	}
}

// fmtNum formats an integer with comma separators (e.g. 10,000).
func fmtNum(n int) string {
	if n < 0 {
		return "-" + fmtNum(-n)
	}
	s := fmt.Sprintf("%d", n)
	if n < 1000 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// fmtPct formats a percentage like "62%" or "100%".
func fmtPct(count, total int) string {
	if total == 0 {
		return "─"
	}
	return fmt.Sprintf("%.0f%%", float64(count)/float64(total)*100)
}
