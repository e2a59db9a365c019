package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOtelConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "otelcol.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseOtelConfig(t *testing.T) {
	path := writeOtelConfig(t, `
receivers:
  otlp:
    protocols:
      grpc:
exporters:
  debug:
  otlp/upstream:
    endpoint: collector:4317
  file:
    path: /var/otel/all.jsonl
  file/traces:
    path: /var/otel/traces/traces.jsonl
  file/dup:
    path: /var/otel/traces/other.jsonl
  file/nopath:
    rotation:
      max_megabytes: 10
`)

	dirs, err := ParseOtelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/otel", "/var/otel/traces"}, dirs)
}

func TestParseOtelConfigPipelines(t *testing.T) {
	path := writeOtelConfig(t, `
exporters:
  file/traces:
    path: /data/traces/out.jsonl
  file/logs:
    path: /data/logs/out.jsonl
service:
  pipelines:
    traces:
      receivers: [otlp]
      exporters: [file/traces]
    logs:
      receivers: [otlp]
      exporters: [file/logs]
`)

	dirs, err := ParseOtelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/traces"}, dirs)
}

func TestParseOtelConfigRelativePath(t *testing.T) {
	path := writeOtelConfig(t, `
exporters:
  file/traces:
    path: ./out/traces.jsonl
`)

	dirs, err := ParseOtelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(filepath.Dir(path), "out")}, dirs)
}

func TestParseOtelConfigErrors(t *testing.T) {
	_, err := ParseOtelConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read otel config")

	path := writeOtelConfig(t, "exporters: [unclosed")
	_, err = ParseOtelConfig(path)
	assert.ErrorContains(t, err, "failed to parse otel config")
}

func TestParseOtelConfigNoExporters(t *testing.T) {
	path := writeOtelConfig(t, "receivers:\n  otlp:\n")
	dirs, err := ParseOtelConfig(path)
	require.NoError(t, err)
	assert.Empty(t, dirs)
}
