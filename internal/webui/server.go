// Package webui serves the JSON HTTP API, the websocket layout endpoint and
// Prometheus metrics.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/toskamesh/waterfall/internal/metrics"
	"github.com/toskamesh/waterfall/internal/storage"
	"github.com/toskamesh/waterfall/internal/viz"
	"github.com/toskamesh/waterfall/internal/waterfall"
)

const maxListLimit = 1000

// TraceStore is the read side of the trace store.
type TraceStore interface {
	GetTrace(traceID string) (waterfall.Trace, error)
	ListTraces(filter storage.TraceFilter) []waterfall.TraceSummary
	Services() []string
	Stats() storage.StorageStats
}

// Server serves trace layouts over HTTP and WebSocket.
type Server struct {
	store     TraceStore
	verbose   bool
	startTime time.Time
}

// New creates a new web UI server.
func New(store TraceStore, verbose bool) *Server {
	return &Server{store: store, verbose: verbose, startTime: time.Now()}
}

// RegisterRoutes attaches routes to an existing ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/services", s.handleServices)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/traces", s.handleListTraces)
	mux.HandleFunc("GET /api/traces/{traceId}", s.handleGetTrace)
	mux.HandleFunc("GET /api/traces/{traceId}/waterfall", s.handleWaterfall)
	mux.HandleFunc("GET /api/traces/{traceId}/waterfall.txt", s.handleWaterfallText)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", metrics.Handler())
}

// ListenAndServe starts a standalone HTTP server.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleServices returns the list of known service names.
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Services())
}

// statusResponse is the JSON shape for /api/status.
type statusResponse struct {
	storage.StorageStats
	Uptime float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		StorageStats: s.store.Stats(),
		Uptime:       time.Since(s.startTime).Seconds(),
	})
}

// handleListTraces returns trace summaries, most recent first.
func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.TraceFilter{
		ServiceName:   q.Get("service"),
		OperationName: q.Get("operation"),
		Status:        q.Get("status"),
		ErrorsOnly:    q.Get("errors_only") == "true",
	}

	for name, dst := range map[string]**float64{
		"min_duration_ms": &filter.MinDurationMs,
		"max_duration_ms": &filter.MaxDurationMs,
	} {
		if v := q.Get(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				http.Error(w, name+" must be a number", http.StatusBadRequest)
				return
			}
			*dst = &f
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	summaries := s.store.ListTraces(filter)
	if summaries == nil {
		summaries = []waterfall.TraceSummary{}
	}
	writeJSON(w, summaries)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, trace)
}

func (s *Server) handleWaterfall(w http.ResponseWriter, r *http.Request) {
	trace, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.build(trace))
}

func (s *Server) handleWaterfallText(w http.ResponseWriter, r *http.Request) {
	trace, ok := s.lookup(w, r)
	if !ok {
		return
	}

	width := 0
	if widthStr := r.URL.Query().Get("width"); widthStr != "" {
		n, err := strconv.Atoi(widthStr)
		if err != nil || n <= 0 {
			http.Error(w, "width must be a positive integer", http.StatusBadRequest)
			return
		}
		width = n
	}

	text := viz.Waterfall(viz.TraceView{
		TraceID: trace.Summary.TraceID,
		Summary: &trace.Summary,
		Layout:  s.build(trace),
	}, width)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (waterfall.Trace, bool) {
	traceID := r.PathValue("traceId")
	trace, err := s.store.GetTrace(traceID)
	if errors.Is(err, storage.ErrTraceNotFound) {
		http.Error(w, "trace not found", http.StatusNotFound)
		return waterfall.Trace{}, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return waterfall.Trace{}, false
	}
	return trace, true
}

func (s *Server) build(trace waterfall.Trace) waterfall.Waterfall {
	w := metrics.Build(trace.Spans)
	if s.verbose {
		for _, d := range w.Diagnostics {
			log.Printf("⚠️  webui: trace %s: %s\n", trace.Summary.TraceID, d)
		}
	}
	return w
}

// wsRequest asks for the layout of one trace.
type wsRequest struct {
	TraceID string `json:"traceId"`
}

type wsError struct {
	Error string `json:"error"`
}

// handleWebSocket answers layout requests over a websocket, one reply per
// request message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for localhost dev
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var reply any
		var req wsRequest
		switch {
		case json.Unmarshal(data, &req) != nil:
			reply = wsError{Error: "invalid request: expected {\"traceId\": \"...\"}"}
		case req.TraceID == "":
			reply = wsError{Error: "traceId is required"}
		default:
			trace, err := s.store.GetTrace(req.TraceID)
			if err != nil {
				reply = wsError{Error: err.Error()}
			} else {
				reply = s.build(trace)
			}
		}

		if err := writeWS(ctx, conn, reply); err != nil {
			return
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("webui: failed to marshal reply: %v", err)
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "")
	if err := enc.Encode(v); err != nil {
		log.Printf("webui: failed to write JSON: %v", err)
	}
}
