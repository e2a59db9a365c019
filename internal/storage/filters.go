package storage

import (
	"strings"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

// TraceFilter narrows ListTraces. Zero values match everything; all set
// fields must match (AND logic).
type TraceFilter struct {
	ServiceName   string   // any span of the trace from this service
	OperationName string   // root operation of the trace
	Status        string   // "Ok" or "Error", case-insensitive
	ErrorsOnly    bool     // shortcut for Status "Error"
	MinDurationMs *float64 // inclusive
	MaxDurationMs *float64 // inclusive
	Limit         int
}

// matches reports whether a trace passes every filter.
func (f TraceFilter) matches(summary waterfall.TraceSummary, stored []*StoredSpan) bool {
	if f.ServiceName != "" && !hasService(stored, f.ServiceName) {
		return false
	}
	if f.OperationName != "" && summary.Operation != f.OperationName {
		return false
	}
	return matchesStatusFilter(summary, f) && matchesDurationFilter(summary, f)
}

// matchesStatusFilter checks the trace status against ErrorsOnly and Status.
func matchesStatusFilter(summary waterfall.TraceSummary, f TraceFilter) bool {
	isError := strings.EqualFold(summary.Status, "Error")

	// errors_only is shortcut for Status "Error"
	if f.ErrorsOnly && !isError {
		return false
	}

	switch strings.ToUpper(f.Status) {
	case "":
		return true
	case "ERROR", "STATUS_CODE_ERROR":
		return isError
	case "OK", "STATUS_CODE_OK":
		return !isError
	}
	return strings.EqualFold(summary.Status, f.Status)
}

// matchesDurationFilter checks the trace duration against the bounds.
func matchesDurationFilter(summary waterfall.TraceSummary, f TraceFilter) bool {
	if f.MinDurationMs != nil && summary.DurationMs < *f.MinDurationMs {
		return false
	}
	if f.MaxDurationMs != nil && summary.DurationMs > *f.MaxDurationMs {
		return false
	}
	return true
}

func hasService(stored []*StoredSpan, service string) bool {
	for _, s := range stored {
		if s.Span.ServiceName == service {
			return true
		}
	}
	return false
}
