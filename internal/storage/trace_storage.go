package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

// ErrTraceNotFound is returned when no spans are stored for a trace id.
var ErrTraceNotFound = errors.New("trace not found")

// StoredSpan is one span held in the ring buffer, tagged with its trace.
type StoredSpan struct {
	TraceID string
	Span    waterfall.Span
}

// TraceStorage stores spans and indexes them by trace id.
// It implements the otlpreceiver.SpanReceiver interface.
//
// The ring buffer bounds the number of spans kept; when it wraps, the evicted
// span is also removed from the trace index.
type TraceStorage struct {
	spans      *RingBuffer[*StoredSpan]
	traceIndex map[string][]*StoredSpan        // trace_id -> spans
	summaries  map[string]waterfall.TraceSummary // server-side summaries, if any
	mu         sync.RWMutex                      // protects traceIndex and summaries
}

// NewTraceStorage creates a new trace storage with the specified span capacity.
func NewTraceStorage(capacity int) *TraceStorage {
	return &TraceStorage{
		spans:      NewRingBuffer[*StoredSpan](capacity),
		traceIndex: make(map[string][]*StoredSpan),
		summaries:  make(map[string]waterfall.TraceSummary),
	}
}

// ReceiveSpans implements otlpreceiver.SpanReceiver.
func (ts *TraceStorage) ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error {
	spans := SpansFromOTLP(resourceSpans)
	if err := ctx.Err(); err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, span := range spans {
		ts.addSpanLocked(span.TraceID, span)
	}
	return nil
}

// AddTrace stores a trace-detail document, replacing anything already held
// for the same trace id. The replaced spans leave both the index and the
// ring, so reloading a document never evicts other traces. Spans without a
// trace id inherit the summary's. A non-empty summary is kept and preferred
// over a derived one.
func (ts *TraceStorage) AddTrace(ctx context.Context, trace waterfall.Trace) error {
	traceID := trace.Summary.TraceID
	if traceID == "" && len(trace.Spans) > 0 {
		traceID = trace.Spans[0].TraceID
	}
	if traceID == "" {
		return errors.New("trace has no trace id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.traceIndex[traceID]; ok {
		ts.spans.RemoveFunc(func(s *StoredSpan) bool { return s.TraceID == traceID })
		delete(ts.traceIndex, traceID)
	}
	delete(ts.summaries, traceID)

	for _, span := range trace.Spans {
		if span.TraceID == "" {
			span.TraceID = traceID
		}
		ts.addSpanLocked(span.TraceID, span)
	}

	// The ring may be smaller than the document; keep the summary only
	// while some of its spans survive.
	if trace.Summary.TraceID != "" && len(ts.traceIndex[traceID]) > 0 {
		ts.summaries[traceID] = trace.Summary
	}
	return nil
}

// addSpanLocked appends a span to the ring and the index. Callers hold ts.mu,
// so an evicted span is always already indexed when it is pruned.
func (ts *TraceStorage) addSpanLocked(traceID string, span waterfall.Span) {
	stored := &StoredSpan{TraceID: traceID, Span: span}
	ts.traceIndex[traceID] = append(ts.traceIndex[traceID], stored)
	if old, evicted := ts.spans.Add(stored); evicted {
		ts.removeFromIndex(old)
	}
}

// removeFromIndex drops one evicted span. Callers hold ts.mu.
func (ts *TraceStorage) removeFromIndex(old *StoredSpan) {
	list := ts.traceIndex[old.TraceID]
	for i, s := range list {
		if s == old {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(ts.traceIndex, old.TraceID)
		delete(ts.summaries, old.TraceID)
		return
	}
	ts.traceIndex[old.TraceID] = list
}

// GetTrace returns the stored spans of a trace, in arrival order, with its
// summary. The summary is the stored one if present, otherwise derived.
func (ts *TraceStorage) GetTrace(traceID string) (waterfall.Trace, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	stored := ts.traceIndex[traceID]
	if len(stored) == 0 {
		return waterfall.Trace{}, ErrTraceNotFound
	}

	spans := make([]waterfall.Span, len(stored))
	for i, s := range stored {
		spans[i] = s.Span
	}

	summary, ok := ts.summaries[traceID]
	if !ok {
		summary = Summarize(traceID, spans)
	}
	return waterfall.Trace{Summary: summary, Spans: spans}, nil
}

// ListTraces returns trace summaries, most recent start first.
func (ts *TraceStorage) ListTraces(filter TraceFilter) []waterfall.TraceSummary {
	ts.mu.RLock()
	result := make([]waterfall.TraceSummary, 0, len(ts.traceIndex))
	for traceID, stored := range ts.traceIndex {
		summary, ok := ts.summaries[traceID]
		if !ok {
			spans := make([]waterfall.Span, len(stored))
			for i, s := range stored {
				spans[i] = s.Span
			}
			summary = Summarize(traceID, spans)
		}
		if !filter.matches(summary, stored) {
			continue
		}
		result = append(result, summary)
	}
	ts.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartTimeUtc.Equal(result[j].StartTimeUtc) {
			return result[i].StartTimeUtc.After(result[j].StartTimeUtc)
		}
		return result[i].TraceID < result[j].TraceID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

// Services returns the distinct service names of all indexed spans, sorted.
func (ts *TraceStorage) Services() []string {
	seen := make(map[string]struct{})
	ts.mu.RLock()
	for _, stored := range ts.traceIndex {
		for _, s := range stored {
			seen[s.Span.ServiceName] = struct{}{}
		}
	}
	ts.mu.RUnlock()
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetRecentSpans returns the N most recent spans in chronological order.
func (ts *TraceStorage) GetRecentSpans(n int) []*StoredSpan {
	return ts.spans.GetRecent(n)
}

// Stats returns current storage statistics.
func (ts *TraceStorage) Stats() StorageStats {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	return StorageStats{
		SpanCount:  ts.spans.Size(),
		Capacity:   ts.spans.Capacity(),
		TraceCount: len(ts.traceIndex),
	}
}

// Clear removes all stored spans and resets indexes.
func (ts *TraceStorage) Clear() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.spans.Clear()
	ts.traceIndex = make(map[string][]*StoredSpan)
	ts.summaries = make(map[string]waterfall.TraceSummary)
}

// StorageStats contains statistics about trace storage.
type StorageStats struct {
	SpanCount  int `json:"span_count"` // Current number of spans stored
	Capacity   int `json:"capacity"`   // Maximum number of spans that can be stored
	TraceCount int `json:"trace_count"`
}

// Summarize derives a summary from a span set: the earliest root names the
// trace, bounds come from min start and max end, and any error span marks
// the whole trace as errored.
func Summarize(traceID string, spans []waterfall.Span) waterfall.TraceSummary {
	summary := waterfall.TraceSummary{
		TraceID:   traceID,
		Status:    "Ok",
		SpanCount: len(spans),
	}
	if len(spans) == 0 {
		return summary
	}

	present := make(map[string]bool, len(spans))
	for _, s := range spans {
		present[s.SpanID] = true
	}

	var root *waterfall.Span
	for i := range spans {
		s := &spans[i]
		if i == 0 || s.StartTime.Before(summary.StartTimeUtc) {
			summary.StartTimeUtc = s.StartTime
		}
		if i == 0 || s.EndTime.After(summary.EndTimeUtc) {
			summary.EndTimeUtc = s.EndTime
		}
		if s.IsError() {
			summary.Status = "Error"
		}
		if pid := s.ParentID(); pid == "" || !present[pid] {
			if root == nil || s.StartTime.Before(root.StartTime) {
				root = s
			}
		}
		if summary.CorrelationID == nil && s.CorrelationID != nil {
			summary.CorrelationID = s.CorrelationID
		}
	}
	if root == nil {
		root = &spans[0]
	}

	summary.ServiceName = root.ServiceName
	summary.Operation = root.OperationName
	summary.DurationMs = float64(summary.EndTimeUtc.Sub(summary.StartTimeUtc)) / float64(time.Millisecond)
	return summary
}
