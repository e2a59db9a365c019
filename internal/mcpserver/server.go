package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toskamesh/waterfall/internal/filereader"
	"github.com/toskamesh/waterfall/internal/otlpreceiver"
	"github.com/toskamesh/waterfall/internal/storage"
	"github.com/toskamesh/waterfall/internal/traceclient"
)

// Server wraps the MCP server with trace storage and the OTLP receiver.
// It exposes waterfall layout tools for agents inspecting traces.
type Server struct {
	mcpServer    *mcp.Server
	storage      *storage.TraceStorage
	otlpReceiver *otlpreceiver.Server
	api          *traceclient.Client // nil when no tracing API is configured

	// File sources - directories being watched for trace files
	fileSourcesMu sync.RWMutex
	fileSources   map[string]*filereader.FileSource
	verbose       bool
}

// ServerOptions configures the MCP server.
type ServerOptions struct {
	Verbose bool               // Enable verbose logging
	API     *traceclient.Client // Remote tracing API for fetch_trace
}

// NewServer creates a new MCP server exposing the waterfall tools.
// The otlpReceiver provides the endpoint reported by get_otlp_endpoint.
func NewServer(traceStorage *storage.TraceStorage, otlpReceiver *otlpreceiver.Server, opts ...ServerOptions) (*Server, error) {
	if traceStorage == nil {
		return nil, fmt.Errorf("trace storage cannot be nil")
	}

	if otlpReceiver == nil {
		return nil, fmt.Errorf("OTLP receiver cannot be nil")
	}

	var opt ServerOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	s := &Server{
		storage:      traceStorage,
		otlpReceiver: otlpReceiver,
		api:          opt.API,
		fileSources:  make(map[string]*filereader.FileSource),
		verbose:      opt.Verbose,
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "waterfall",
		Title:   "Trace Waterfall Layout",
		Version: "0.3.0",
	}, &mcp.ServerOptions{
		Instructions: `Trace waterfall server. Captures OTLP spans and trace documents in memory and lays them out as waterfalls.

Workflow: get_otlp_endpoint -> set OTEL_EXPORTER_OTLP_ENDPOINT -> run program -> list_traces -> get_trace_waterfall.

Tools: list_traces, get_trace_waterfall, get_trace_diagnostics, load_trace_document, fetch_trace, watch_directory/unwatch_directory, get_stats, clear_traces.
Resources: waterfall://endpoint, waterfall://stats, waterfall://services, waterfall://file-sources, waterfall://traces/{traceId}.`,
		SubscribeHandler:   func(_ context.Context, _ *mcp.SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(_ context.Context, _ *mcp.UnsubscribeRequest) error { return nil },
	})

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	s.registerResources()

	return s, nil
}

// Run starts the MCP server on stdio transport.
// This method blocks until the context is cancelled or EOF is received on stdin.
func (s *Server) Run(ctx context.Context) error {
	transport := &mcp.StdioTransport{}
	err := s.mcpServer.Run(ctx, transport)

	s.stopAllFileSources()

	return err
}

// MCPServer returns the underlying mcp.Server for use with alternative transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Shutdown performs cleanup when using non-stdio transports.
// For stdio transport, Run handles this.
func (s *Server) Shutdown() {
	s.stopAllFileSources()
}

// AddFileSource starts loading and watching trace files in a directory.
// When activeOnly is true, rotated JSONL archives are skipped.
// Returns an error if the directory is already being watched.
func (s *Server) AddFileSource(ctx context.Context, directory string, activeOnly bool) error {
	s.fileSourcesMu.Lock()
	defer s.fileSourcesMu.Unlock()

	if _, exists := s.fileSources[directory]; exists {
		return fmt.Errorf("directory %s is already being watched", directory)
	}

	fs, err := filereader.New(filereader.Config{
		Directory:  directory,
		Verbose:    s.verbose,
		ActiveOnly: activeOnly,
	}, s.storage)
	if err != nil {
		return fmt.Errorf("failed to create file source: %w", err)
	}

	if err := fs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file source: %w", err)
	}

	s.fileSources[directory] = fs
	return nil
}

// RemoveFileSource stops and removes a file source.
// The source is removed under the lock and stopped outside it.
func (s *Server) RemoveFileSource(directory string) error {
	s.fileSourcesMu.Lock()
	fs, exists := s.fileSources[directory]
	if !exists {
		s.fileSourcesMu.Unlock()
		return fmt.Errorf("directory %s is not being watched", directory)
	}
	delete(s.fileSources, directory)
	s.fileSourcesMu.Unlock()

	fs.Stop()
	return nil
}

// ListFileSources returns all watched directories, sorted.
func (s *Server) ListFileSources() []string {
	s.fileSourcesMu.RLock()
	defer s.fileSourcesMu.RUnlock()

	dirs := make([]string, 0, len(s.fileSources))
	for dir := range s.fileSources {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// FileSourceStats returns stats for all file sources, sorted by directory.
func (s *Server) FileSourceStats() []filereader.Stats {
	s.fileSourcesMu.RLock()
	stats := make([]filereader.Stats, 0, len(s.fileSources))
	for _, fs := range s.fileSources {
		stats = append(stats, fs.Stats())
	}
	s.fileSourcesMu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Directory < stats[j].Directory })
	return stats
}

// stopAllFileSources stops all file sources on shutdown. The map is
// cleared under the lock; sources are stopped outside it.
func (s *Server) stopAllFileSources() {
	s.fileSourcesMu.Lock()
	sources := make([]*filereader.FileSource, 0, len(s.fileSources))
	for _, fs := range s.fileSources {
		sources = append(sources, fs)
	}
	clear(s.fileSources)
	s.fileSourcesMu.Unlock()

	for _, fs := range sources {
		fs.Stop()
	}
}
