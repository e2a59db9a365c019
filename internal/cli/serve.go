package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"

	"github.com/toskamesh/waterfall/internal/mcpserver"
	"github.com/toskamesh/waterfall/internal/otlpreceiver"
	"github.com/toskamesh/waterfall/internal/storage"
	"github.com/toskamesh/waterfall/internal/traceclient"
	"github.com/toskamesh/waterfall/internal/webui"
)

// ServeCommand returns the CLI command definition for the 'serve' subcommand.
// It starts the OTLP gRPC receiver, file sources, the HTTP API and the MCP
// server.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the OTLP receiver, HTTP API and MCP server",
		Description: `Starts an OTLP gRPC receiver (ephemeral port by default), loads and
watches trace file directories, serves the waterfall HTTP API and runs an
MCP server on stdio or streamable HTTP.

Configuration is layered: defaults, ~/.config/waterfall/config.json, then
.waterfall.json in the project (or --config). Flags override all of them.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Config file (default: project .waterfall.json)",
			},
			&cli.IntFlag{
				Name:  "trace-buffer-size",
				Usage: "Number of spans to buffer",
			},
			&cli.StringFlag{
				Name:  "otlp-host",
				Usage: "OTLP server bind address",
			},
			&cli.IntFlag{
				Name:  "otlp-port",
				Usage: "OTLP server port (0 for ephemeral)",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "MCP transport: stdio, http or none",
			},
			&cli.StringFlag{
				Name:  "http-host",
				Usage: "HTTP server bind address",
			},
			&cli.IntFlag{
				Name:  "http-port",
				Usage: "HTTP server port",
			},
			&cli.BoolFlag{
				Name:  "stateless",
				Usage: "Run the HTTP MCP transport without sessions",
			},
			&cli.IntFlag{
				Name:  "webui-port",
				Usage: "Separate port for the HTTP API (0 shares the HTTP port)",
			},
			&cli.StringSliceFlag{
				Name:  "watch-dir",
				Usage: "Directory of *.json / *.jsonl trace files to load and watch (repeatable)",
			},
			&cli.StringFlag{
				Name:  "otel-config",
				Usage: "OpenTelemetry Collector config; its file exporter directories are watched",
			},
			&cli.BoolFlag{
				Name:  "active-only",
				Usage: "Skip rotated JSONL archives when loading directories",
			},
			&cli.StringFlag{
				Name:  "api-url",
				Usage: "Base URL of a tracing API for the fetch_trace tool",
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "Bearer token for the tracing API",
				Sources: cli.EnvVars("WATERFALL_API_KEY"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
			},
		},
		Action: runServe,
	}
}

// configFromFlags loads the layered config and applies explicitly set flags.
func configFromFlags(cmd *cli.Command) (*Config, error) {
	cfg, err := LoadEffectiveConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	flags := &Config{}
	if cmd.IsSet("trace-buffer-size") {
		flags.TraceBufferSize = cmd.Int("trace-buffer-size")
	}
	if cmd.IsSet("otlp-host") {
		flags.OTLPHost = cmd.String("otlp-host")
	}
	if cmd.IsSet("otlp-port") {
		flags.OTLPPort = cmd.Int("otlp-port")
	}
	if cmd.IsSet("transport") {
		flags.Transport = cmd.String("transport")
	}
	if cmd.IsSet("http-host") {
		flags.HTTPHost = cmd.String("http-host")
	}
	if cmd.IsSet("http-port") {
		flags.HTTPPort = cmd.Int("http-port")
	}
	if cmd.IsSet("webui-port") {
		flags.WebUIPort = cmd.Int("webui-port")
	}
	flags.Stateless = cmd.Bool("stateless")
	flags.WatchDirs = cmd.StringSlice("watch-dir")
	flags.OtelConfig = cmd.String("otel-config")
	flags.ActiveOnly = cmd.Bool("active-only")
	flags.APIBaseURL = cmd.String("api-url")
	flags.APIKey = cmd.String("api-key")
	flags.Verbose = cmd.Bool("verbose")

	cfg = MergeConfigs(cfg, flags)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runServe is the action handler for the serve command.
// It wires together all components: storage, OTLP receiver, file sources,
// HTTP API and MCP server.
func runServe(cliCtx context.Context, cmd *cli.Command) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	if cfg.Verbose {
		log.Println("🔧 Configuration:")
		log.Printf("  Trace buffer: %d spans\n", cfg.TraceBufferSize)
		log.Printf("  OTLP bind: %s:%d\n", cfg.OTLPHost, cfg.OTLPPort)
		log.Printf("  Transport: %s\n", cfg.Transport)
		log.Printf("  HTTP bind: %s:%d\n", cfg.HTTPHost, cfg.HTTPPort)
		if cfg.APIBaseURL != "" {
			log.Printf("  Tracing API: %s\n", cfg.APIBaseURL)
		}
		log.Println()
	}

	ctx, cancel := signal.NotifyContext(cliCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. Span store
	traceStorage := storage.NewTraceStorage(cfg.TraceBufferSize)
	if cfg.Verbose {
		log.Printf("✅ Created trace storage (capacity: %d spans)\n", cfg.TraceBufferSize)
	}

	// 2. OTLP gRPC receiver
	otlpServer, err := otlpreceiver.NewServer(otlpreceiver.Config{
		Host:    cfg.OTLPHost,
		Port:    cfg.OTLPPort,
		Verbose: cfg.Verbose,
	}, traceStorage)
	if err != nil {
		return fmt.Errorf("failed to create OTLP server: %w", err)
	}
	defer otlpServer.StopWait()

	go func() {
		if err := otlpServer.Start(ctx); err != nil {
			log.Printf("❌ OTLP server error: %v\n", err)
		}
	}()

	endpoint := otlpServer.Endpoint()
	log.Printf("🌐 OTLP gRPC server listening on %s\n", endpoint)
	if cfg.Verbose {
		log.Printf("   Programs can send traces with: OTEL_EXPORTER_OTLP_ENDPOINT=%s\n", endpoint)
	}

	// 3. MCP server, optionally backed by a remote tracing API
	opts := mcpserver.ServerOptions{Verbose: cfg.Verbose}
	if cfg.APIBaseURL != "" {
		client, err := newAPIClient(cfg)
		if err != nil {
			return err
		}
		opts.API = client
	}
	mcpServer, err := mcpserver.NewServer(traceStorage, otlpServer, opts)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer mcpServer.Shutdown()

	// 4. File sources
	watchDirs := append([]string(nil), cfg.WatchDirs...)
	if cfg.OtelConfig != "" {
		dirs, err := ParseOtelConfig(cfg.OtelConfig)
		if err != nil {
			return err
		}
		if len(dirs) == 0 {
			log.Printf("⚠️  No file exporters with paths in %s\n", cfg.OtelConfig)
		}
		watchDirs = appendUnique(watchDirs, dirs...)
	}
	for _, dir := range watchDirs {
		if err := mcpServer.AddFileSource(ctx, dir, cfg.ActiveOnly); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		log.Printf("📁 Watching %s\n", dir)
	}

	// 5. HTTP: API, websocket, metrics, and MCP when transport is http
	ui := webui.New(traceStorage, cfg.Verbose)
	mux := http.NewServeMux()

	if cfg.WebUIPort != 0 {
		addr := net.JoinHostPort(cfg.WebUIHost, strconv.Itoa(cfg.WebUIPort))
		go func() {
			if err := ui.ListenAndServe(ctx, addr); err != nil {
				log.Printf("⚠️  Web UI stopped: %v\n", err)
			}
		}()
		log.Printf("📊 Web UI on http://%s\n", addr)
	} else {
		ui.RegisterRoutes(mux)
	}

	httpAddr := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))

	switch cfg.Transport {
	case "http":
		handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer.MCPServer()
		}, &mcp.StreamableHTTPOptions{Stateless: cfg.Stateless})
		mux.Handle("/mcp", handler)

		log.Printf("🎯 MCP server ready on http://%s/mcp\n", httpAddr)
		return serveHTTP(ctx, httpAddr, originGuard(cfg.AllowedOrigins, mux))

	case "none":
		if cfg.WebUIPort != 0 {
			<-ctx.Done()
			return nil
		}
		log.Printf("📊 HTTP API on http://%s\n", httpAddr)
		return serveHTTP(ctx, httpAddr, originGuard(cfg.AllowedOrigins, mux))

	default:
		if cfg.WebUIPort == 0 {
			// Another instance may own the port; stdio keeps working without it.
			go func() {
				if err := serveHTTP(ctx, httpAddr, originGuard(cfg.AllowedOrigins, mux)); err != nil {
					log.Printf("⚠️  HTTP API disabled: %v\n", err)
				}
			}()
			log.Printf("📊 HTTP API on http://%s\n", httpAddr)
		}

		log.Println("🎯 MCP server ready on stdio")
		if err := mcpServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server error: %w", err)
		}
		if cfg.Verbose {
			log.Println("👋 Shutting down")
		}
		return nil
	}
}

func newAPIClient(cfg *Config) (*traceclient.Client, error) {
	timeout, err := cfg.APITimeoutDuration()
	if err != nil {
		return nil, err
	}
	opts := []traceclient.Option{traceclient.WithAPIKey(cfg.APIKey)}
	if timeout > 0 {
		opts = append(opts, traceclient.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	return traceclient.New(cfg.APIBaseURL, opts...), nil
}

// serveHTTP runs an HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
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

// originGuard rejects browser requests whose Origin matches none of the
// allowed patterns. Patterns use path.Match syntax, e.g. "http://localhost:*".
// Requests without an Origin header (CLI clients, agents) pass.
func originGuard(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || originAllowed(allowed, origin) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "origin not allowed", http.StatusForbidden)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, pattern := range allowed {
		if pattern == "*" {
			return true
		}
		if ok, err := path.Match(pattern, origin); err == nil && ok {
			return true
		}
	}
	return false
}
