package otlpreceiver

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"

	"github.com/toskamesh/waterfall/internal/metrics"
)

// defaultMaxRecvMsgSize raises gRPC's 4MB default; batched exports of wide
// traces routinely exceed it.
const defaultMaxRecvMsgSize = 16 * 1024 * 1024

// SpanReceiver is the interface for storing received spans.
// Implementations should be thread-safe as Export may be called concurrently.
type SpanReceiver interface {
	ReceiveSpans(ctx context.Context, spans []*tracepb.ResourceSpans) error
}

// Config holds configuration for the OTLP receiver.
type Config struct {
	Host           string // e.g., "127.0.0.1"
	Port           int    // 0 for ephemeral port assignment
	MaxRecvMsgSize int    // bytes; 0 uses defaultMaxRecvMsgSize
	Verbose        bool
}

// Server is the OTLP gRPC server that receives trace data.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	stopOnce   sync.Once
	stopChan   chan struct{}
	stopDone   chan struct{}
}

// NewServer creates a new OTLP gRPC server.
// The server will bind to the configured host and port (use port 0 for ephemeral).
// Received spans are passed to the SpanReceiver implementation.
func NewServer(cfg Config, receiver SpanReceiver) (*Server, error) {
	if receiver == nil {
		return nil, fmt.Errorf("span receiver cannot be nil")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	maxRecv := cfg.MaxRecvMsgSize
	if maxRecv <= 0 {
		maxRecv = defaultMaxRecvMsgSize
	}
	grpcServer := grpc.NewServer(grpc.MaxRecvMsgSize(maxRecv))

	collectortrace.RegisterTraceServiceServer(grpcServer, &traceServiceImpl{
		receiver: receiver,
		verbose:  cfg.Verbose,
	})

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		stopChan:   make(chan struct{}),
		stopDone:   make(chan struct{}, 1),
	}, nil
}

// Start begins serving OTLP requests. This method blocks until Stop is called.
// It should typically be run in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopChan:
		}
	}()

	err := s.grpcServer.Serve(s.listener)
	s.stopDone <- struct{}{}
	return err
}

// Stop initiates graceful shutdown of the server.
// Safe to call multiple times.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.grpcServer.GracefulStop()
		close(s.stopChan)
	})
}

// StopWait stops the server and waits for shutdown to complete.
func (s *Server) StopWait() {
	s.Stop()
	<-s.stopDone
}

// Endpoint returns the actual listening address, e.g. "127.0.0.1:54321".
// Useful with ephemeral ports (port 0).
func (s *Server) Endpoint() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// traceServiceImpl implements the OTLP TraceService gRPC interface.
type traceServiceImpl struct {
	collectortrace.UnimplementedTraceServiceServer
	receiver SpanReceiver
	verbose  bool
}

// Export handles incoming trace export requests from OTLP clients.
func (t *traceServiceImpl) Export(
	ctx context.Context,
	req *collectortrace.ExportTraceServiceRequest,
) (*collectortrace.ExportTraceServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	if err := t.receiver.ReceiveSpans(ctx, req.ResourceSpans); err != nil {
		return nil, fmt.Errorf("failed to receive spans: %w", err)
	}

	n := countSpans(req.ResourceSpans)
	metrics.SpansReceived.WithLabelValues("otlp").Add(float64(n))
	if t.verbose {
		log.Printf("📥 OTLP: received %d spans\n", n)
	}

	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func countSpans(resourceSpans []*tracepb.ResourceSpans) int {
	n := 0
	for _, rs := range resourceSpans {
		for _, ss := range rs.GetScopeSpans() {
			n += len(ss.GetSpans())
		}
	}
	return n
}
