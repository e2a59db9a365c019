package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// OtelCollectorConfig is the part of an OpenTelemetry Collector config we
// read: the exporters section, to find file exporters, and the pipelines,
// to tell which of them carry traces.
type OtelCollectorConfig struct {
	Exporters map[string]FileExporter `yaml:"exporters"`
	Service   struct {
		Pipelines map[string]struct {
			Exporters []string `yaml:"exporters"`
		} `yaml:"pipelines"`
	} `yaml:"service"`
}

// FileExporter represents a file exporter configuration.
type FileExporter struct {
	Path string `yaml:"path"`
}

// ParseOtelConfig reads an OpenTelemetry Collector config file and returns
// the sorted parent directories of its file exporter paths. Exporters named
// "file" or "file/<name>" qualify. When the config declares pipelines, only
// exporters used by a traces pipeline are kept.
func ParseOtelConfig(configPath string) ([]string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read otel config: %w", err)
	}

	var config OtelCollectorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse otel config: %w", err)
	}

	var traceExporters map[string]bool
	if len(config.Service.Pipelines) > 0 {
		traceExporters = make(map[string]bool)
		for name, pipeline := range config.Service.Pipelines {
			if name != "traces" && !strings.HasPrefix(name, "traces/") {
				continue
			}
			for _, exp := range pipeline.Exporters {
				traceExporters[exp] = true
			}
		}
	}

	dirSet := make(map[string]struct{})
	for name, exporter := range config.Exporters {
		if name != "file" && !strings.HasPrefix(name, "file/") {
			continue
		}
		if exporter.Path == "" {
			continue
		}
		if traceExporters != nil && !traceExporters[name] {
			continue
		}
		path := exporter.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(configPath), path)
		}
		dirSet[filepath.Dir(path)] = struct{}{}
	}

	dirs := make([]string, 0, len(dirSet))
	for dir := range dirSet {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	return dirs, nil
}
