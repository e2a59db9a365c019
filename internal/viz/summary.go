package viz

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

// StatsOverview renders store fill-level bars.
func StatsOverview(stats BufferStats) string {
	var b strings.Builder

	b.WriteString("Store Health\n")
	writeBar(&b, "Spans", stats.SpanCount, stats.SpanCapacity)
	fmt.Fprintf(&b, "  Traces: %s\n", formatCount(stats.TraceCount))

	return b.String()
}

func writeBar(b *strings.Builder, label string, count, capacity int) {
	barWidth := 20
	filled := 0
	if capacity > 0 {
		filled = count * barWidth / capacity
	}
	if filled > barWidth {
		filled = barWidth
	}

	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)

	// Pad label to 8 chars for alignment
	paddedLabel := fmt.Sprintf("%-8s", label)
	fmt.Fprintf(b, "  %s [%s]  %s / %s\n", paddedLabel, bar, formatCount(count), formatCount(capacity))
}

// ServiceStatsFromSpans counts spans and errors per service, busiest first.
func ServiceStatsFromSpans(spans []waterfall.Span) []ServiceStats {
	byName := make(map[string]*ServiceStats)
	for _, s := range spans {
		st, ok := byName[s.ServiceName]
		if !ok {
			st = &ServiceStats{Name: s.ServiceName}
			byName[s.ServiceName] = st
		}
		st.SpanCount++
		if s.IsError() {
			st.ErrorCount++
		}
	}

	out := make([]ServiceStats, 0, len(byName))
	for _, st := range byName {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpanCount != out[j].SpanCount {
			return out[i].SpanCount > out[j].SpanCount
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ServiceSummary renders a horizontal bar chart of services.
// Width controls total line width; 0 uses default (80).
func ServiceSummary(services []ServiceStats, width int) string {
	if len(services) == 0 {
		return ""
	}
	if width <= 0 {
		width = 80
	}

	totalSpans := 0
	maxCount := 0
	maxNameLen := 0
	for _, s := range services {
		totalSpans += s.SpanCount
		maxCount = max(maxCount, s.SpanCount)
		maxNameLen = max(maxNameLen, utf8.RuneCountInString(s.Name))
	}
	maxNameLen = min(maxNameLen, 20)

	var b strings.Builder
	fmt.Fprintf(&b, "Services (%d active, %d spans)\n", len(services), totalSpans)

	// Bars shrink on narrow terminals but never below 10 cells.
	barBudget := min(20, max(10, width-maxNameLen-30))

	for _, s := range services {
		paddedName := padRight(truncate(s.Name, maxNameLen), maxNameLen)

		barLen := 0
		if maxCount > 0 {
			barLen = s.SpanCount * barBudget / maxCount
		}
		if barLen < 1 && s.SpanCount > 0 {
			barLen = 1
		}
		bar := strings.Repeat("#", barLen)
		barPad := strings.Repeat(" ", barBudget-barLen)

		errStr := ""
		if s.ErrorCount > 0 {
			errStr = fmt.Sprintf(" (%d errors)", s.ErrorCount)
		}

		fmt.Fprintf(&b, "  %s  %s%s  %d spans%s\n", paddedName, bar, barPad, s.SpanCount, errStr)
	}

	return b.String()
}

func formatCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1_000_000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1_000_000, (n%1_000_000)/1000, n%1000)
}
