package viz

import (
	"fmt"
	"strings"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

// TraceList renders a compact table of trace summaries.
func TraceList(traces []waterfall.TraceSummary) string {
	if len(traces) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent Traces (%d)\n", len(traces))

	for _, t := range traces {
		shortID := firstRunes(t.TraceID, 8)
		label := truncate(t.ServiceName+"/"+t.Operation, 40)

		fmt.Fprintf(&b, "  %s %s  %-40s  %9s  %3d spans\n",
			statusIcon(t.Status), shortID, label, FormatDuration(t.DurationMs), t.SpanCount)
	}

	return b.String()
}

// DiagnosticList renders layout diagnostics, one per line.
func DiagnosticList(diags []waterfall.Diagnostic) string {
	if len(diags) == 0 {
		return "Diagnostics: none\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Diagnostics (%d)\n", len(diags))

	for _, d := range diags {
		shortID := firstRunes(d.SpanID, 16)
		fmt.Fprintf(&b, "  ⚠ %-18s %-16s  %s\n", d.Kind, shortID, d.Message)
	}

	return b.String()
}

func statusIcon(status string) string {
	switch status {
	case "Error", "ERROR", "STATUS_CODE_ERROR":
		return "✗"
	case "Ok", "OK", "STATUS_CODE_OK":
		return "✓"
	default:
		return "·"
	}
}
