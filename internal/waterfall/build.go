package waterfall

// Build runs the full pipeline: Layout, then Order, plus Diagnose.
func Build(spans []Span) Waterfall {
	w := Waterfall{
		Spans:       Order(Layout(spans)),
		Diagnostics: Diagnose(spans),
	}
	if len(spans) > 0 {
		w.Start, w.End = bounds(spans)
		w.DurationMs = millisBetween(w.Start, w.End)
	}
	return w
}

// BuildTrace is Build over a trace-detail document's spans.
func BuildTrace(t Trace) Waterfall {
	return Build(t.Spans)
}
