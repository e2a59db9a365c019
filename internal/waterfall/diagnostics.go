package waterfall

import "fmt"

// DiagnosticKind classifies a data problem found in a span set.
type DiagnosticKind string

const (
	DiagOrphan           DiagnosticKind = "orphan"
	DiagCycle            DiagnosticKind = "cycle"
	DiagNegativeDuration DiagnosticKind = "negative_duration"
	DiagDuplicateSpanID  DiagnosticKind = "duplicate_span_id"
)

// Diagnostic reports malformed input that the layout tolerated.
// Diagnostics never change the layout itself.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	SpanID  string         `json:"spanId"`
	Message string         `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: span %s: %s", d.Kind, d.SpanID, d.Message)
}

// Diagnose lists the problems Layout and Order silently work around:
// missing parents, parent cycles, spans ending before they start, and
// repeated span ids. Findings follow input order, cycles last.
func Diagnose(spans []Span) []Diagnostic {
	var diags []Diagnostic

	byID := make(map[string]bool, len(spans))
	for _, s := range spans {
		if byID[s.SpanID] {
			diags = append(diags, Diagnostic{
				Kind:    DiagDuplicateSpanID,
				SpanID:  s.SpanID,
				Message: "span id appears more than once; first occurrence used for parent lookups",
			})
		}
		byID[s.SpanID] = true
	}

	for _, s := range spans {
		if pid := s.ParentID(); pid != "" && !byID[pid] {
			diags = append(diags, Diagnostic{
				Kind:    DiagOrphan,
				SpanID:  s.SpanID,
				Message: fmt.Sprintf("parent %s not found, treated as root", pid),
			})
		}
		if s.EndTime.Before(s.StartTime) {
			diags = append(diags, Diagnostic{
				Kind:    DiagNegativeDuration,
				SpanID:  s.SpanID,
				Message: fmt.Sprintf("ends %.3fms before it starts", millisBetween(s.EndTime, s.StartTime)),
			})
		}
	}

	_, closers := resolveDepths(spans)
	for _, id := range closers {
		diags = append(diags, Diagnostic{
			Kind:    DiagCycle,
			SpanID:  id,
			Message: "parent chain loops back to this span; depth reset to 0",
		})
	}

	return diags
}
