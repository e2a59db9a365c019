package viz

import "github.com/toskamesh/waterfall/internal/waterfall"

// TraceView is one laid-out trace plus the facts shown in its header.
// Summary is optional; when set, a positive reported duration is shown
// beside the duration derived from the spans.
type TraceView struct {
	TraceID string
	Summary *waterfall.TraceSummary
	Layout  waterfall.Waterfall
}

// ServiceStats describes one service for the service summary bar chart.
type ServiceStats struct {
	Name       string
	SpanCount  int
	ErrorCount int
}

// BufferStats describes store fill levels for the stats overview.
type BufferStats struct {
	SpanCount    int
	SpanCapacity int
	TraceCount   int
}

// AttributeItem is one attribute within a group. Key has the group prefix
// removed; FullKey is the original key.
type AttributeItem struct {
	FullKey string `json:"fullKey"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// AttributeGroup collects attributes sharing the prefix before the first dot.
type AttributeGroup struct {
	Group string          `json:"group"`
	Items []AttributeItem `json:"items"`
}
