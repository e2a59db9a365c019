package otlpreceiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/toskamesh/waterfall/internal/storage"
	"github.com/toskamesh/waterfall/internal/waterfall"
)

// mockReceiver is a test implementation of SpanReceiver that records received spans.
type mockReceiver struct {
	mu    sync.Mutex
	spans []*tracepb.ResourceSpans
	err   error // error to return from ReceiveSpans
}

func (m *mockReceiver) ReceiveSpans(ctx context.Context, spans []*tracepb.ResourceSpans) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.spans = append(m.spans, spans...)
	return nil
}

func (m *mockReceiver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spans)
}

// startServer starts a receiver on an ephemeral port and returns a client.
func startServer(t *testing.T, receiver SpanReceiver) collectortrace.TraceServiceClient {
	t.Helper()

	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, receiver)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := server.Start(ctx); err != nil {
			t.Logf("Server error: %v", err)
		}
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(server.Endpoint(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return collectortrace.NewTraceServiceClient(conn)
}

func resource(service string) *resourcepb.Resource {
	return &resourcepb.Resource{
		Attributes: []*commonpb.KeyValue{
			{
				Key: "service.name",
				Value: &commonpb.AnyValue{
					Value: &commonpb.AnyValue_StringValue{StringValue: service},
				},
			},
		},
	}
}

// TestNewServer verifies server creation.
func TestNewServer(t *testing.T) {
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, &mockReceiver{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.Stop()

	if server.Endpoint() == "" {
		t.Fatal("endpoint is empty")
	}
}

// TestNewServerNilReceiver verifies that NewServer rejects nil receivers.
func TestNewServerNilReceiver(t *testing.T) {
	_, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, nil)
	if err == nil {
		t.Fatal("expected error for nil receiver, got nil")
	}
}

// TestServerStartStop verifies the server can start and stop cleanly.
func TestServerStartStop(t *testing.T) {
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, &mockReceiver{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	server.Stop()

	select {
	case err := <-errChan:
		if err != nil {
			t.Logf("Server stopped with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

// TestOTLPExportMultipleRequests verifies each export reaches the receiver.
func TestOTLPExportMultipleRequests(t *testing.T) {
	receiver := &mockReceiver{}
	client := startServer(t, receiver)

	for i := 0; i < 5; i++ {
		req := &collectortrace.ExportTraceServiceRequest{
			ResourceSpans: []*tracepb.ResourceSpans{{
				Resource: &resourcepb.Resource{},
				ScopeSpans: []*tracepb.ScopeSpans{{
					Spans: []*tracepb.Span{{
						TraceId: []byte{byte(i), 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
						SpanId:  []byte{byte(i), 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18},
						Name:    "test-span",
					}},
				}},
			}},
		}
		if _, err := client.Export(context.Background(), req); err != nil {
			t.Fatalf("Export %d failed: %v", i, err)
		}
	}

	if receiver.count() != 5 {
		t.Fatalf("expected 5 resource spans, got %d", receiver.count())
	}
}

// TestOTLPExportReceiverError verifies storage errors surface to the client.
func TestOTLPExportReceiverError(t *testing.T) {
	client := startServer(t, &mockReceiver{err: errors.New("disk full")})

	_, err := client.Export(context.Background(), &collectortrace.ExportTraceServiceRequest{})
	if err == nil {
		t.Fatal("expected export error")
	}
}

// TestOTLPExportToWaterfall sends a three-span trace over gRPC, listed
// child-first across two services, and checks the stored trace lays out as
// a waterfall.
func TestOTLPExportToWaterfall(t *testing.T) {
	ts := storage.NewTraceStorage(100)
	client := startServer(t, ts)

	traceID := []byte{0xaa, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	root := []byte{1, 0, 0, 0, 0, 0, 0, 1}
	db := []byte{1, 0, 0, 0, 0, 0, 0, 2}
	cache := []byte{1, 0, 0, 0, 0, 0, 0, 3}

	start := uint64(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	ms := uint64(time.Millisecond)

	req := &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				Resource: resource("orders"),
				ScopeSpans: []*tracepb.ScopeSpans{{
					Spans: []*tracepb.Span{
						{TraceId: traceID, SpanId: cache, ParentSpanId: root, Name: "cache.get",
							StartTimeUnixNano: start + 60*ms, EndTimeUnixNano: start + 90*ms},
						{TraceId: traceID, SpanId: db, ParentSpanId: root, Name: "SELECT orders",
							StartTimeUnixNano: start + 10*ms, EndTimeUnixNano: start + 50*ms,
							Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR}},
					},
				}},
			},
			{
				Resource: resource("gateway"),
				ScopeSpans: []*tracepb.ScopeSpans{{
					Spans: []*tracepb.Span{
						{TraceId: traceID, SpanId: root, Name: "GET /orders", Kind: tracepb.Span_SPAN_KIND_SERVER,
							StartTimeUnixNano: start, EndTimeUnixNano: start + 100*ms},
					},
				}},
			},
		},
	}

	if _, err := client.Export(context.Background(), req); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	trace, err := ts.GetTrace("aa02030405060708090a0b0c0d0e0f10")
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if trace.Summary.ServiceName != "gateway" || trace.Summary.Status != "Error" {
		t.Errorf("unexpected summary: %+v", trace.Summary)
	}

	w := waterfall.Build(trace.Spans)
	wantOrder := []string{"GET /orders", "SELECT orders", "cache.get"}
	wantDepth := []int{0, 1, 1}
	wantLeft := []float64{0, 10, 60}
	if len(w.Spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(w.Spans))
	}
	for i, p := range w.Spans {
		if p.OperationName != wantOrder[i] || p.Depth != wantDepth[i] {
			t.Errorf("row %d: got %s depth %d, want %s depth %d", i, p.OperationName, p.Depth, wantOrder[i], wantDepth[i])
		}
		if diff := p.Left - wantLeft[i]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("row %d: left %v, want %v", i, p.Left, wantLeft[i])
		}
	}
	if len(w.Diagnostics) != 0 {
		t.Errorf("expected no diagnostics, got %v", w.Diagnostics)
	}
}
