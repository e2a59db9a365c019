package waterfall

// ResolveDepths returns the nesting depth of every span, keyed by span id.
//
// A span without a parent, or whose parent is not in the set, has depth 0.
// Otherwise its depth is one more than its parent's. When a parent chain
// loops back on itself, the span whose parent edge closes the loop gets
// depth 0 and the rest of the chain is numbered from there.
func ResolveDepths(spans []Span) map[string]int {
	depths, _ := resolveDepths(spans)
	return depths
}

// resolveDepths walks each parent chain once with an explicit stack.
// It also returns the ids of spans that closed a cycle, in discovery order.
func resolveDepths(spans []Span) (map[string]int, []string) {
	byID := indexByID(spans)
	depths := make(map[string]int, len(byID))
	onPath := make(map[string]bool)
	var cycleClosers []string

	path := make([]string, 0, 16)
	for _, s := range spans {
		if _, done := depths[s.SpanID]; done {
			continue
		}

		path = path[:0]
		id := s.SpanID
		base := 0 // depth of the last span pushed on path
		for {
			path = append(path, id)
			onPath[id] = true

			pid := byID[id].ParentID()
			if pid == "" {
				break
			}
			if _, ok := byID[pid]; !ok {
				break // orphan
			}
			if d, ok := depths[pid]; ok {
				base = d + 1
				break
			}
			if onPath[pid] {
				cycleClosers = append(cycleClosers, id)
				break
			}
			id = pid
		}

		last := len(path) - 1
		for i := last; i >= 0; i-- {
			depths[path[i]] = base + (last - i)
			delete(onPath, path[i])
		}
	}

	return depths, cycleClosers
}

// indexByID maps span ids to spans. The first occurrence of a duplicate id wins.
func indexByID(spans []Span) map[string]Span {
	byID := make(map[string]Span, len(spans))
	for _, s := range spans {
		if _, seen := byID[s.SpanID]; !seen {
			byID[s.SpanID] = s
		}
	}
	return byID
}
