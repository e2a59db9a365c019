package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/toskamesh/waterfall/internal/filereader"
	"github.com/toskamesh/waterfall/internal/viz"
	"github.com/toskamesh/waterfall/internal/waterfall"
)

// RenderCommand returns the CLI command definition for the 'render' subcommand.
// It lays out traces from a file, stdin or a tracing API and prints them.
func RenderCommand() *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "Lay out a trace and print it as text or JSON",
		ArgsUsage: " ",
		Description: `Reads trace-detail documents ({summary, spans} or an array of them) from
--file (use - for stdin), or fetches one from a tracing API with --url and
--trace-id, then prints the waterfall.

  waterfall render --file trace.json
  waterfall render --url http://localhost:5000 --trace-id abc123 --format json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Config file (default: project .waterfall.json)",
			},
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Trace-detail JSON file, or - for stdin",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "Base URL of the tracing API",
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "Bearer token for the tracing API",
				Sources: cli.EnvVars("WATERFALL_API_KEY"),
			},
			&cli.StringFlag{
				Name:  "trace-id",
				Usage: "Trace to render (required with --url; selects one trace from --file)",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: text or json",
				Value: "text",
			},
			&cli.IntFlag{
				Name:  "width",
				Usage: "Line width for text output",
			},
			&cli.StringFlag{
				Name:  "span",
				Usage: "Also print the grouped attributes of this span",
			},
		},
		Action: runRender,
	}
}

// renderOptions is the resolved input of one render run.
type renderOptions struct {
	File    string
	URL     string
	APIKey  string
	TraceID string
	Format  string
	Width   int
	SpanID  string
}

func runRender(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadEffectiveConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	opts := renderOptions{
		File:    cmd.String("file"),
		URL:     cmd.String("url"),
		APIKey:  cmd.String("api-key"),
		TraceID: cmd.String("trace-id"),
		Format:  cmd.String("format"),
		Width:   cmd.Int("width"),
		SpanID:  cmd.String("span"),
	}
	if opts.URL == "" && opts.File == "" {
		opts.URL = cfg.APIBaseURL
	}
	if opts.APIKey == "" {
		opts.APIKey = cfg.APIKey
	}
	if opts.Width == 0 {
		opts.Width = cfg.RenderWidth
	}
	cfg.APIBaseURL = opts.URL
	cfg.APIKey = opts.APIKey

	traces, err := loadTraces(ctx, cfg, opts, cmd.Reader)
	if err != nil {
		return err
	}

	return renderTraces(cmd.Writer, traces, opts)
}

// loadTraces reads traces from the file (or stdin) or fetches one from the API.
func loadTraces(ctx context.Context, cfg *Config, opts renderOptions, stdin io.Reader) ([]waterfall.Trace, error) {
	switch {
	case opts.File != "" && opts.URL != "":
		return nil, fmt.Errorf("use either --file or --url, not both")

	case opts.File == "-":
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		traces, err := filereader.DecodeTraces(data)
		if err != nil {
			return nil, fmt.Errorf("parse stdin: %w", err)
		}
		return selectTrace(traces, opts.TraceID)

	case opts.File != "":
		traces, err := filereader.LoadTraceFile(opts.File)
		if err != nil {
			return nil, err
		}
		return selectTrace(traces, opts.TraceID)

	case opts.URL != "":
		if opts.TraceID == "" {
			return nil, fmt.Errorf("--trace-id is required with --url")
		}
		client, err := newAPIClient(cfg)
		if err != nil {
			return nil, err
		}
		trace, err := client.GetTrace(ctx, opts.TraceID)
		if err != nil {
			return nil, fmt.Errorf("fetch trace %s: %w", opts.TraceID, err)
		}
		return []waterfall.Trace{trace}, nil
	}

	return nil, fmt.Errorf("nothing to render: pass --file or --url")
}

func selectTrace(traces []waterfall.Trace, traceID string) ([]waterfall.Trace, error) {
	if traceID == "" {
		return traces, nil
	}
	for _, t := range traces {
		if traceIDOf(t) == traceID {
			return []waterfall.Trace{t}, nil
		}
	}
	return nil, fmt.Errorf("trace %s not found in input", traceID)
}

func traceIDOf(t waterfall.Trace) string {
	if t.Summary.TraceID != "" {
		return t.Summary.TraceID
	}
	if len(t.Spans) > 0 {
		return t.Spans[0].TraceID
	}
	return ""
}

// renderTraces writes each trace's waterfall in the requested format.
func renderTraces(w io.Writer, traces []waterfall.Trace, opts renderOptions) error {
	if w == nil {
		w = os.Stdout
	}

	switch opts.Format {
	case "json":
		layouts := make([]waterfall.Waterfall, len(traces))
		for i, t := range traces {
			layouts[i] = waterfall.BuildTrace(t)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if len(layouts) == 1 {
			return enc.Encode(layouts[0])
		}
		return enc.Encode(layouts)

	case "text", "":
		for i, t := range traces {
			if i > 0 {
				fmt.Fprintln(w)
			}
			layout := waterfall.BuildTrace(t)
			view := viz.TraceView{TraceID: traceIDOf(t), Layout: layout}
			if t.Summary.TraceID != "" {
				summary := t.Summary
				view.Summary = &summary
			}
			fmt.Fprint(w, viz.Waterfall(view, opts.Width))

			if opts.SpanID == "" {
				continue
			}
			for _, ps := range layout.Spans {
				if ps.SpanID == opts.SpanID {
					fmt.Fprintln(w)
					fmt.Fprint(w, viz.SpanDetail(ps))
					break
				}
			}
		}
		return nil
	}

	return fmt.Errorf("unknown format %q: must be text or json", opts.Format)
}
