package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

func TestBuildMatchesWaterfall(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	spans := []waterfall.Span{
		{SpanID: "b", ParentSpanID: waterfall.StringPtr("missing"), StartTime: base.Add(10 * time.Millisecond), EndTime: base.Add(20 * time.Millisecond)},
		{SpanID: "a", StartTime: base, EndTime: base.Add(100 * time.Millisecond)},
	}

	got := Build(spans)
	assert.Equal(t, waterfall.Build(spans), got)
	require.Len(t, got.Diagnostics, 1)
	assert.Equal(t, waterfall.DiagOrphan, got.Diagnostics[0].Kind)
}

func TestHandlerExposesCollectors(t *testing.T) {
	SpansReceived.WithLabelValues("test").Add(3)
	Build(nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, `waterfall_spans_received_total{source="test"} 3`), out)
	assert.Contains(t, out, "waterfall_layouts_built_total")
	assert.Contains(t, out, "waterfall_layout_duration_seconds_bucket")
}
