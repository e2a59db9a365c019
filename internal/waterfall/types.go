// Package waterfall turns the flat span list of one trace into a positioned,
// hierarchy-ordered waterfall. Everything here is a pure function of its
// input: no I/O, no shared state, safe to call concurrently.
package waterfall

import "time"

// Span is one timed operation within a trace. JSON field names follow the
// dashboard tracing API (TraceSpanDto).
type Span struct {
	TraceID       string             `json:"traceId,omitempty"`
	SpanID        string             `json:"spanId"`
	ParentSpanID  *string            `json:"parentSpanId"` // nil or "" = candidate root
	ServiceName   string             `json:"serviceName"`
	OperationName string             `json:"operationName"`
	StartTime     time.Time          `json:"startTime"`
	EndTime       time.Time          `json:"endTime"`
	Status        string             `json:"status"`
	Kind          *string            `json:"kind"`
	CorrelationID *string            `json:"correlationId,omitempty"`
	Attributes    map[string]*string `json:"attributes"`

	Events             map[string]*string `json:"events,omitempty"`
	ResourceAttributes map[string]*string `json:"resourceAttributes,omitempty"`
	CPUUsage           *float64           `json:"cpuUsage,omitempty"`
	MemoryUsageMb      *float64           `json:"memoryUsageMb,omitempty"`
}

// ParentID returns the declared parent span id, or "" for a root.
func (s Span) ParentID() string {
	if s.ParentSpanID == nil {
		return ""
	}
	return *s.ParentSpanID
}

// IsError reports whether the span finished with an error status.
func (s Span) IsError() bool {
	switch s.Status {
	case "Error", "ERROR", "STATUS_CODE_ERROR":
		return true
	}
	return false
}

// PositionedSpan is a Span placed on the timeline.
type PositionedSpan struct {
	Span
	Depth      int     `json:"depth"`
	Left       float64 `json:"left"`  // percent of trace duration
	Width      float64 `json:"width"` // percent of trace duration
	DurationMs float64 `json:"durationMs"`
}

// TraceSummary is the server-side summary of a trace (TraceSummaryDto).
// DurationMs may disagree with the duration derived from the span set.
type TraceSummary struct {
	TraceID       string    `json:"traceId"`
	ServiceName   string    `json:"serviceName"`
	Operation     string    `json:"operation"`
	StartTimeUtc  time.Time `json:"startTimeUtc"`
	EndTimeUtc    time.Time `json:"endTimeUtc"`
	DurationMs    float64   `json:"durationMs"`
	Status        string    `json:"status"`
	SpanCount     int       `json:"spanCount"`
	CorrelationID *string   `json:"correlationId"`
}

// Trace is a trace-detail document: a summary plus its spans.
type Trace struct {
	Summary TraceSummary `json:"summary"`
	Spans   []Span       `json:"spans"`
}

// Waterfall is the render-ready result of Build.
type Waterfall struct {
	Spans       []PositionedSpan `json:"spans"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	DurationMs  float64          `json:"durationMs"`
	Diagnostics []Diagnostic     `json:"diagnostics,omitempty"`
}

// StringPtr returns a pointer to v. Convenient for ParentSpanID literals.
func StringPtr(v string) *string {
	return &v
}
