package waterfall

import "time"

// Layout positions every span on a 0..100 timeline spanning the earliest
// start to the latest end in the set. Output order matches input order.
//
// A trace with zero total duration gets full-width bars. Values are not
// clamped: a span outside the bounds, or one that ends before it starts,
// yields negative or oversized numbers and a negative DurationMs.
func Layout(spans []Span) []PositionedSpan {
	if len(spans) == 0 {
		return []PositionedSpan{}
	}

	traceStart, traceEnd := bounds(spans)
	traceDur := millisBetween(traceStart, traceEnd)
	depths := ResolveDepths(spans)

	out := make([]PositionedSpan, len(spans))
	for i, s := range spans {
		p := PositionedSpan{Span: s, Depth: depths[s.SpanID]}
		if traceDur == 0 {
			p.Left = 0
			p.Width = 100
			p.DurationMs = 0
		} else {
			dur := millisBetween(s.StartTime, s.EndTime)
			p.Left = millisBetween(traceStart, s.StartTime) * 100 / traceDur
			p.Width = dur * 100 / traceDur
			p.DurationMs = dur
		}
		out[i] = p
	}
	return out
}

// bounds returns min(StartTime) and max(EndTime). spans must be non-empty.
func bounds(spans []Span) (start, end time.Time) {
	start = spans[0].StartTime
	end = spans[0].EndTime
	for _, s := range spans[1:] {
		if s.StartTime.Before(start) {
			start = s.StartTime
		}
		if s.EndTime.After(end) {
			end = s.EndTime
		}
	}
	return start, end
}

// millisBetween returns b-a in fractional milliseconds. Unlike time.Time.Sub
// it does not saturate at ~292 years, so a zero-valued timestamp mixed with
// real ones still scales linearly.
func millisBetween(a, b time.Time) float64 {
	secs := b.Unix() - a.Unix()
	nanos := b.Nanosecond() - a.Nanosecond()
	return float64(secs)*1e3 + float64(nanos)/1e6
}
