// Package filereader loads traces from disk and keeps loading them as files
// change. Two formats are understood:
//
//   - *.json  one dashboard trace-detail document ({summary, spans}), or an
//     array of them
//   - *.jsonl OTLP TracesData, one protojson object per line, as written by
//     the OpenTelemetry Collector's file exporter
//
// JSON documents are re-read whole on change; JSONL files are tailed from the
// last read offset.
package filereader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"google.golang.org/protobuf/encoding/protojson"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/toskamesh/waterfall/internal/metrics"
	"github.com/toskamesh/waterfall/internal/waterfall"
)

const (
	// Buffer sizes for JSONL line scanning. OTLP JSON can be large,
	// especially for batched spans with many attributes.
	jsonlBufferInitial = 1 * 1024 * 1024  // 1MB initial buffer
	jsonlBufferMax     = 10 * 1024 * 1024 // 10MB maximum line size
)

// rotatedFile matches collector archives such as traces-2025-12-09T13-10-56.jsonl.
var rotatedFile = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}T[\d-]+\.jsonl`)

// TraceSink receives loaded traces. storage.TraceStorage implements it.
type TraceSink interface {
	ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error
	AddTrace(ctx context.Context, trace waterfall.Trace) error
}

// Config holds configuration for a FileSource.
type Config struct {
	Directory string
	Verbose   bool

	// ActiveOnly skips rotated JSONL archives so startup does not replay
	// gigabytes of history.
	ActiveOnly bool
}

// FileSource loads trace files from one directory and watches it for changes.
type FileSource struct {
	directory  string
	sink       TraceSink
	verbose    bool
	activeOnly bool

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	fileOffsets map[string]int64 // JSONL read positions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a FileSource for the given directory.
func New(cfg Config, sink TraceSink) (*FileSource, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("trace sink cannot be nil")
	}

	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("cannot access directory %s: %w", cfg.Directory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Directory)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &FileSource{
		directory:   cfg.Directory,
		sink:        sink,
		verbose:     cfg.Verbose,
		activeOnly:  cfg.ActiveOnly,
		watcher:     watcher,
		fileOffsets: make(map[string]int64),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start loads existing files and begins watching. It returns after the
// initial load completes; watching continues in the background.
func (fs *FileSource) Start(ctx context.Context) error {
	if fs.verbose {
		log.Printf("📁 FileSource: starting with directory %s\n", fs.directory)
	}

	if err := fs.watcher.Add(fs.directory); err != nil {
		return fmt.Errorf("watch %s: %w", fs.directory, err)
	}

	if err := fs.loadInitialData(ctx); err != nil {
		return fmt.Errorf("initial data load failed: %w", err)
	}

	fs.wg.Add(1)
	go fs.watchLoop()

	return nil
}

// Stop stops the file watcher and waits for goroutines to finish.
func (fs *FileSource) Stop() {
	fs.cancel()
	fs.watcher.Close()
	fs.wg.Wait()
}

// Directory returns the directory being watched.
func (fs *FileSource) Directory() string {
	return fs.directory
}

func (fs *FileSource) loadInitialData(ctx context.Context) error {
	files, err := fs.findTraceFiles()
	if err != nil {
		return err
	}

	for _, file := range files {
		count, err := fs.loadFile(ctx, file)
		if err != nil {
			log.Printf("⚠️  FileSource: error loading %s: %v\n", file, err)
			continue
		}
		if fs.verbose && count > 0 {
			log.Printf("📁 FileSource: loaded %d traces from %s\n", count, filepath.Base(file))
		}
	}
	return nil
}

// findTraceFiles returns loadable files sorted by modification time, oldest first.
func (fs *FileSource) findTraceFiles() ([]string, error) {
	entries, err := os.ReadDir(fs.directory)
	if err != nil {
		return nil, err
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo

	for _, entry := range entries {
		if entry.IsDir() || !fs.wants(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(fs.directory, entry.Name()), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	result := make([]string, len(files))
	for i, f := range files {
		result[i] = f.path
	}
	return result, nil
}

func (fs *FileSource) wants(name string) bool {
	switch {
	case strings.HasSuffix(name, ".json"):
		return true
	case strings.HasSuffix(name, ".jsonl"):
		if fs.activeOnly && rotatedFile.MatchString(name) {
			if fs.verbose {
				log.Printf("📁 FileSource: skipping archived file %s (activeOnly mode)\n", name)
			}
			return false
		}
		return true
	}
	return false
}

// loadFile dispatches on extension and returns the number of traces or
// OTLP batches loaded.
func (fs *FileSource) loadFile(ctx context.Context, path string) (int, error) {
	if strings.HasSuffix(path, ".jsonl") {
		return fs.loadJSONL(ctx, path)
	}

	traces, err := LoadTraceFile(path)
	if err != nil {
		return 0, err
	}
	for _, tr := range traces {
		if err := fs.sink.AddTrace(ctx, tr); err != nil {
			return 0, fmt.Errorf("store trace from %s: %w", filepath.Base(path), err)
		}
		metrics.SpansReceived.WithLabelValues("file").Add(float64(len(tr.Spans)))
	}
	return len(traces), nil
}

// loadJSONL reads OTLP lines from the last known offset.
func (fs *FileSource) loadJSONL(ctx context.Context, path string) (int, error) {
	fs.mu.Lock()
	offset := fs.fileOffsets[path]
	fs.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil && info.Size() < offset {
		offset = 0 // truncated or rotated in place
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			offset = 0
		}
	}

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, jsonlBufferInitial)
	scanner.Buffer(buf, jsonlBufferMax)
	scanner.Split(scanTerminatedLines)

	count := 0
	read := offset
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}

		raw := scanner.Bytes()
		read += int64(len(raw))
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}

		var data tracepb.TracesData
		if err := protojson.Unmarshal(line, &data); err != nil {
			if fs.verbose {
				log.Printf("⚠️  FileSource: error processing line in %s: %v\n", filepath.Base(path), err)
			}
			continue
		}
		if len(data.ResourceSpans) == 0 {
			continue
		}
		if err := fs.sink.ReceiveSpans(ctx, data.ResourceSpans); err != nil {
			return count, fmt.Errorf("store spans from %s: %w", filepath.Base(path), err)
		}
		metrics.SpansReceived.WithLabelValues("file").Add(float64(spanCount(data.ResourceSpans)))
		count++
	}

	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("reading %s: %w", path, err)
	}

	fs.mu.Lock()
	fs.fileOffsets[path] = read
	fs.mu.Unlock()

	return count, nil
}

// scanTerminatedLines is a bufio.SplitFunc yielding only lines that end in
// '\n', with the terminator (and any '\r') left in the token so callers can
// count the bytes consumed. An unterminated tail is never returned: the
// writer may still be appending to it, so it is re-read from its start next
// time.
func scanTerminatedLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	return 0, nil, nil
}

func spanCount(resourceSpans []*tracepb.ResourceSpans) int {
	n := 0
	for _, rs := range resourceSpans {
		for _, ss := range rs.GetScopeSpans() {
			n += len(ss.GetSpans())
		}
	}
	return n
}

func (fs *FileSource) watchLoop() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.ctx.Done():
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !fs.wants(filepath.Base(event.Name)) {
				continue
			}

			count, err := fs.loadFile(fs.ctx, event.Name)
			if err != nil {
				// A JSON document caught mid-write fails to parse; the
				// following write event retries it.
				if fs.verbose {
					log.Printf("⚠️  FileSource: error reading %s: %v\n", event.Name, err)
				}
			} else if fs.verbose && count > 0 {
				log.Printf("📁 FileSource: loaded %d from %s\n", count, filepath.Base(event.Name))
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  FileSource: watcher error: %v\n", err)
		}
	}
}

// Stats describes a file source.
type Stats struct {
	Directory    string   `json:"directory"`
	WatchedDirs  []string `json:"watched_dirs"`
	FilesTracked int      `json:"files_tracked"`
}

// Stats returns current statistics.
func (fs *FileSource) Stats() Stats {
	fs.mu.Lock()
	filesTracked := len(fs.fileOffsets)
	fs.mu.Unlock()

	return Stats{
		Directory:    fs.directory,
		WatchedDirs:  fs.watcher.WatchList(),
		FilesTracked: filesTracked,
	}
}

// LoadTraceFile reads a trace-detail JSON file holding one document or an
// array of documents.
func LoadTraceFile(path string) ([]waterfall.Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	traces, err := DecodeTraces(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return traces, nil
}

// DecodeTraces parses one trace-detail document or an array of them.
func DecodeTraces(data []byte) ([]waterfall.Trace, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	if data[0] == '[' {
		var traces []waterfall.Trace
		if err := json.Unmarshal(data, &traces); err != nil {
			return nil, err
		}
		return traces, nil
	}

	var trace waterfall.Trace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, err
	}
	return []waterfall.Trace{trace}, nil
}
