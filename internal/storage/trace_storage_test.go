package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// makeTestSpan creates a single-span ResourceSpans with the given parameters.
func makeTestSpan(traceID, spanID, parentID []byte, serviceName, spanName string, startMs, endMs int64) *tracepb.ResourceSpans {
	return &tracepb.ResourceSpans{
		Resource: &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{
				{
					Key: "service.name",
					Value: &commonpb.AnyValue{
						Value: &commonpb.AnyValue_StringValue{StringValue: serviceName},
					},
				},
			},
		},
		ScopeSpans: []*tracepb.ScopeSpans{
			{
				Spans: []*tracepb.Span{
					{
						TraceId:           traceID,
						SpanId:            spanID,
						ParentSpanId:      parentID,
						Name:              spanName,
						Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
						StartTimeUnixNano: uint64(base.Add(time.Duration(startMs) * time.Millisecond).UnixNano()),
						EndTimeUnixNano:   uint64(base.Add(time.Duration(endMs) * time.Millisecond).UnixNano()),
					},
				},
			},
		},
	}
}

func docSpan(traceID, id, parent, service string, startMs, endMs int64) waterfall.Span {
	s := waterfall.Span{
		TraceID:       traceID,
		SpanID:        id,
		ServiceName:   service,
		OperationName: "op-" + id,
		StartTime:     base.Add(time.Duration(startMs) * time.Millisecond),
		EndTime:       base.Add(time.Duration(endMs) * time.Millisecond),
		Status:        "Ok",
	}
	if parent != "" {
		s.ParentSpanID = waterfall.StringPtr(parent)
	}
	return s
}

var (
	testTraceID = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	rootSpanID  = []byte{1, 1, 1, 1, 1, 1, 1, 1}
	childSpanID = []byte{2, 2, 2, 2, 2, 2, 2, 2}
)

// TestTraceStorageBasic tests OTLP ingestion and retrieval by trace id.
func TestTraceStorageBasic(t *testing.T) {
	ts := NewTraceStorage(100)

	err := ts.ReceiveSpans(context.Background(), []*tracepb.ResourceSpans{
		makeTestSpan(testTraceID, rootSpanID, nil, "gateway", "GET /orders", 0, 100),
		makeTestSpan(testTraceID, childSpanID, rootSpanID, "orders", "SELECT", 10, 50),
	})
	if err != nil {
		t.Fatalf("ReceiveSpans failed: %v", err)
	}

	trace, err := ts.GetTrace("0102030405060708090a0b0c0d0e0f10")
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if len(trace.Spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(trace.Spans))
	}
	if trace.Spans[1].ParentID() != "0101010101010101" {
		t.Errorf("expected parent id 0101010101010101, got %q", trace.Spans[1].ParentID())
	}
	if trace.Summary.ServiceName != "gateway" || trace.Summary.Operation != "GET /orders" {
		t.Errorf("unexpected summary root: %+v", trace.Summary)
	}
	if trace.Summary.DurationMs != 100 {
		t.Errorf("expected derived duration 100ms, got %v", trace.Summary.DurationMs)
	}

	stats := ts.Stats()
	if stats.SpanCount != 2 || stats.TraceCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// TestTraceStorageNotFound verifies the sentinel error.
func TestTraceStorageNotFound(t *testing.T) {
	ts := NewTraceStorage(10)
	_, err := ts.GetTrace("nope")
	if !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("expected ErrTraceNotFound, got %v", err)
	}
}

// TestTraceStorageAddTrace verifies trace-detail documents keep their summary.
func TestTraceStorageAddTrace(t *testing.T) {
	ts := NewTraceStorage(100)
	doc := waterfall.Trace{
		Summary: waterfall.TraceSummary{TraceID: "t1", ServiceName: "gateway", DurationMs: 250, SpanCount: 2},
		Spans: []waterfall.Span{
			docSpan("", "a", "", "gateway", 0, 100),
			docSpan("", "b", "a", "orders", 10, 50),
		},
	}
	if err := ts.AddTrace(context.Background(), doc); err != nil {
		t.Fatalf("AddTrace failed: %v", err)
	}

	got, err := ts.GetTrace("t1")
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if got.Summary.DurationMs != 250 {
		t.Errorf("expected stored summary duration 250, got %v", got.Summary.DurationMs)
	}
	for _, s := range got.Spans {
		if s.TraceID != "t1" {
			t.Errorf("span %s did not inherit trace id, got %q", s.SpanID, s.TraceID)
		}
	}

	// Re-adding replaces rather than duplicating.
	if err := ts.AddTrace(context.Background(), doc); err != nil {
		t.Fatalf("second AddTrace failed: %v", err)
	}
	got, _ = ts.GetTrace("t1")
	if len(got.Spans) != 2 {
		t.Fatalf("expected 2 spans after re-add, got %d", len(got.Spans))
	}
}

// TestTraceStorageAddTraceNoID verifies documents without any id are rejected.
func TestTraceStorageAddTraceNoID(t *testing.T) {
	ts := NewTraceStorage(10)
	err := ts.AddTrace(context.Background(), waterfall.Trace{Spans: []waterfall.Span{docSpan("", "a", "", "svc", 0, 1)}})
	if err == nil {
		t.Fatal("expected error for trace without id")
	}
}

// TestTraceStorageEviction verifies wrapped spans leave the index too.
func TestTraceStorageEviction(t *testing.T) {
	ts := NewTraceStorage(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		trace := waterfall.Trace{Spans: []waterfall.Span{docSpan(fmt.Sprintf("t%d", i), "s", "", "svc", int64(i), int64(i+1))}}
		if err := ts.AddTrace(ctx, trace); err != nil {
			t.Fatalf("AddTrace failed: %v", err)
		}
	}
	if err := ts.AddTrace(ctx, waterfall.Trace{Spans: []waterfall.Span{docSpan("t3", "s", "", "svc", 3, 4)}}); err != nil {
		t.Fatalf("AddTrace failed: %v", err)
	}

	if _, err := ts.GetTrace("t0"); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("expected t0 evicted, got %v", err)
	}
	if stats := ts.Stats(); stats.TraceCount != 3 {
		t.Fatalf("expected 3 traces after eviction, got %d", stats.TraceCount)
	}
}

// TestTraceStorageReplaceFreesRing verifies reloading a document releases the
// ring slots of its previous copy instead of evicting other traces.
func TestTraceStorageReplaceFreesRing(t *testing.T) {
	ts := NewTraceStorage(4)
	ctx := context.Background()

	t1 := waterfall.Trace{Spans: []waterfall.Span{docSpan("T1", "a", "", "svc", 0, 10), docSpan("T1", "b", "a", "svc", 1, 5)}}
	t2 := waterfall.Trace{Spans: []waterfall.Span{docSpan("T2", "a", "", "svc", 20, 30), docSpan("T2", "b", "a", "svc", 21, 25)}}

	for _, tr := range []waterfall.Trace{t1, t2, t2, t2} {
		if err := ts.AddTrace(ctx, tr); err != nil {
			t.Fatalf("AddTrace failed: %v", err)
		}
	}

	got, err := ts.GetTrace("T1")
	if err != nil {
		t.Fatalf("expected T1 to survive reloads of T2, got %v", err)
	}
	if len(got.Spans) != 2 {
		t.Fatalf("expected 2 T1 spans, got %d", len(got.Spans))
	}

	stats := ts.Stats()
	if stats.SpanCount != 4 || stats.TraceCount != 2 {
		t.Fatalf("expected 4 spans in 2 traces, got %+v", stats)
	}
	if recent := ts.GetRecentSpans(10); len(recent) != 4 {
		t.Fatalf("expected 4 spans in the ring, got %d", len(recent))
	}
}

// TestTraceStorageConcurrentIngestIndexConsistent verifies that under
// concurrent writes with heavy eviction the index never holds more spans than
// the ring.
func TestTraceStorageConcurrentIngestIndexConsistent(t *testing.T) {
	ts := NewTraceStorage(16)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				traceID := fmt.Sprintf("w%d-%d", w, i%5)
				tr := waterfall.Trace{Spans: []waterfall.Span{docSpan(traceID, "a", "", "svc", 0, 1)}}
				if err := ts.AddTrace(ctx, tr); err != nil {
					t.Errorf("AddTrace failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	indexed := 0
	for _, summary := range ts.ListTraces(TraceFilter{}) {
		tr, err := ts.GetTrace(summary.TraceID)
		if err != nil {
			t.Fatalf("listed trace %s not found: %v", summary.TraceID, err)
		}
		indexed += len(tr.Spans)
	}
	if size := ts.Stats().SpanCount; indexed != size {
		t.Fatalf("index holds %d spans but ring holds %d", indexed, size)
	}
}

// TestTraceStorageListTraces verifies filters, ordering, and limits.
func TestTraceStorageListTraces(t *testing.T) {
	ts := NewTraceStorage(100)
	ctx := context.Background()

	failing := docSpan("t-err", "x", "", "billing", 200, 300)
	failing.Status = "Error"

	traces := []waterfall.Trace{
		{Spans: []waterfall.Span{docSpan("t-old", "a", "", "gateway", 0, 10)}},
		{Spans: []waterfall.Span{docSpan("t-new", "a", "", "gateway", 100, 110), docSpan("t-new", "b", "a", "orders", 101, 105)}},
		{Spans: []waterfall.Span{failing}},
	}
	for _, tr := range traces {
		if err := ts.AddTrace(ctx, tr); err != nil {
			t.Fatalf("AddTrace failed: %v", err)
		}
	}

	all := ts.ListTraces(TraceFilter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(all))
	}
	if all[0].TraceID != "t-err" || all[2].TraceID != "t-old" {
		t.Errorf("expected most recent first, got %s..%s", all[0].TraceID, all[2].TraceID)
	}

	orders := ts.ListTraces(TraceFilter{ServiceName: "orders"})
	if len(orders) != 1 || orders[0].TraceID != "t-new" {
		t.Errorf("expected only t-new for service orders, got %+v", orders)
	}

	errs := ts.ListTraces(TraceFilter{ErrorsOnly: true})
	if len(errs) != 1 || errs[0].Status != "Error" {
		t.Errorf("expected one errored trace, got %+v", errs)
	}

	if limited := ts.ListTraces(TraceFilter{Limit: 2}); len(limited) != 2 {
		t.Errorf("expected 2 traces with limit, got %d", len(limited))
	}

	services := ts.Services()
	want := []string{"billing", "gateway", "orders"}
	if fmt.Sprint(services) != fmt.Sprint(want) {
		t.Errorf("expected services %v, got %v", want, services)
	}
}

// TestTraceStorageClear verifies Clear resets everything.
func TestTraceStorageClear(t *testing.T) {
	ts := NewTraceStorage(10)
	_ = ts.AddTrace(context.Background(), waterfall.Trace{Spans: []waterfall.Span{docSpan("t", "a", "", "svc", 0, 1)}})
	ts.Clear()

	if stats := ts.Stats(); stats.SpanCount != 0 || stats.TraceCount != 0 {
		t.Fatalf("expected empty storage, got %+v", stats)
	}
	if len(ts.ListTraces(TraceFilter{})) != 0 {
		t.Fatal("expected no traces after clear")
	}
}

// TestTraceStorageConcurrent tests concurrent ingestion and reads.
func TestTraceStorageConcurrent(t *testing.T) {
	ts := NewTraceStorage(500)
	ctx := context.Background()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				traceID := []byte{byte(w), byte(i), 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
				_ = ts.ReceiveSpans(ctx, []*tracepb.ResourceSpans{
					makeTestSpan(traceID, rootSpanID, nil, "svc", "op", 0, 10),
				})
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = ts.ListTraces(TraceFilter{Limit: 10})
			_ = ts.Services()
		}
	}()
	wg.Wait()

	if stats := ts.Stats(); stats.TraceCount != 200 {
		t.Fatalf("expected 200 traces, got %d", stats.TraceCount)
	}
}

// TestSummarizeOrphanRoot verifies an orphan can name the trace.
func TestSummarizeOrphanRoot(t *testing.T) {
	spans := []waterfall.Span{
		docSpan("t", "late", "", "svc-b", 50, 60),
		docSpan("t", "orphan", "missing", "svc-a", 0, 40),
	}
	summary := Summarize("t", spans)
	if summary.ServiceName != "svc-a" {
		t.Errorf("expected earliest root svc-a, got %q", summary.ServiceName)
	}
	if summary.SpanCount != 2 || summary.DurationMs != 60 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}
