package viz

import (
	"fmt"
	"strings"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

const (
	maxSpansPerTrace   = 100
	maxDiagnosticLines = 10
	defaultBarWidth    = 20
	wideBarThreshold   = 120
)

// Waterfall renders an ASCII waterfall for one laid-out trace. Rows appear in
// the layout's order; bars come from each span's left and width percentages.
// Width controls the total line width; 0 uses a sensible default (80).
func Waterfall(view TraceView, width int) string {
	spans := view.Layout.Spans
	if len(spans) == 0 {
		return ""
	}
	if width <= 0 {
		width = 80
	}

	barWidth := defaultBarWidth
	if width >= wideBarThreshold {
		barWidth = width / 3
	}

	var b strings.Builder

	shortID := firstRunes(view.TraceID, 8)
	fmt.Fprintf(&b, "Trace %s (%d spans, %s", shortID, len(spans), FormatDuration(view.Layout.DurationMs))
	if view.Summary != nil && view.Summary.DurationMs > 0 && view.Summary.DurationMs != view.Layout.DurationMs {
		fmt.Fprintf(&b, ", reported %s", FormatDuration(view.Summary.DurationMs))
	}
	b.WriteString(")\n")

	prefixes := treePrefixes(spans)

	rows := spans
	spanOverflow := 0
	if len(rows) > maxSpansPerTrace {
		spanOverflow = len(rows) - maxSpansPerTrace
		rows = rows[:maxSpansPerTrace]
	}

	// Pass 1: widest duration + error suffix, for alignment
	maxDurErrLen := 0
	for _, s := range rows {
		n := len(FormatDuration(s.DurationMs))
		if s.IsError() {
			n += len(errSuffix)
		}
		maxDurErrLen = max(maxDurErrLen, n)
	}

	// Pass 2: render each row
	for i, s := range rows {
		renderSpanRow(&b, s, prefixes[i], width, barWidth, maxDurErrLen)
	}

	if spanOverflow > 0 {
		fmt.Fprintf(&b, "  ... +%d more spans\n", spanOverflow)
	}

	diags := view.Layout.Diagnostics
	for i, d := range diags {
		if i == maxDiagnosticLines {
			fmt.Fprintf(&b, "  ... +%d more diagnostics\n", len(diags)-maxDiagnosticLines)
			break
		}
		fmt.Fprintf(&b, "  ⚠ %s\n", d)
	}

	return b.String()
}

const errSuffix = " !! ERR"

// rowPrefix is a rendered tree prefix and its display width. Box-drawing
// characters are multi-byte UTF-8 but occupy one column each.
type rowPrefix struct {
	text string
	cols int
}

// treePrefixes computes tree connectors for rows already in pre-order. It
// walks backwards, tracking for each depth whether a later row at that depth
// follows before the subtree closes.
func treePrefixes(spans []waterfall.PositionedSpan) []rowPrefix {
	out := make([]rowPrefix, len(spans))
	var hasLater []bool

	for i := len(spans) - 1; i >= 0; i-- {
		d := max(spans[i].Depth, 0)
		for len(hasLater) <= d {
			hasLater = append(hasLater, false)
		}

		var p strings.Builder
		cols := 1
		p.WriteString(" ")
		for k := 0; k < d-1; k++ {
			if hasLater[k+1] {
				p.WriteString("│  ")
			} else {
				p.WriteString("   ")
			}
			cols += 3
		}
		if d > 0 {
			if hasLater[d] {
				p.WriteString("├─ ")
			} else {
				p.WriteString("└─ ")
			}
			cols += 3
		}
		out[i] = rowPrefix{text: p.String(), cols: cols}

		hasLater[d] = true
		hasLater = hasLater[:d+1]
	}
	return out
}

func renderSpanRow(b *strings.Builder, s waterfall.PositionedSpan, prefix rowPrefix, width, barWidth, maxDurErrLen int) {
	label := s.ServiceName + "." + s.OperationName

	suffix := ""
	if s.IsError() {
		suffix = errSuffix
	}

	// Layout: prefix + label + " [" + bar + "] " + durErr
	fixedCols := prefix.cols + 2 + barWidth + 2 + maxDurErrLen
	labelBudget := max(width-fixedCols, 8)
	paddedLabel := padRight(truncate(label, labelBudget), labelBudget)

	durErr := FormatDuration(s.DurationMs) + suffix
	paddedDurErr := durErr + strings.Repeat(" ", max(0, maxDurErrLen-len(durErr)))

	fmt.Fprintf(b, "%s%s [%s] %s\n", prefix.text, paddedLabel, buildBar(s.Left, s.Width, barWidth), paddedDurErr)
}

// buildBar maps percentage offsets onto barWidth cells. Out-of-range values
// are clamped here only; the layout itself is never altered. Every span gets
// at least one cell.
func buildBar(left, width float64, barWidth int) string {
	startPos := int(left * float64(barWidth) / 100)
	endPos := int((left + width) * float64(barWidth) / 100)

	startPos = min(max(startPos, 0), barWidth-1)
	endPos = min(max(endPos, startPos+1), barWidth)

	bar := make([]byte, barWidth)
	for i := range bar {
		if i >= startPos && i < endPos {
			bar[i] = '#'
		} else {
			bar[i] = '.'
		}
	}
	return string(bar)
}

// FormatDuration renders milliseconds the way the dashboard does: "<1ms"
// below one millisecond, one decimal below a second, else seconds.
func FormatDuration(ms float64) string {
	if ms < 1 {
		return "<1ms"
	}
	if ms < 1000 {
		return fmt.Sprintf("%.1fms", ms)
	}
	return fmt.Sprintf("%.2fs", ms/1000)
}
