package waterfall

import "sort"

// Order arranges positioned spans for depth-indented rendering: every span
// reachable from a root is emitted right after its parent, with siblings in
// (start time, depth) order. Spans that no root reaches, such as members of
// a parent cycle, are appended flat at the end. The result is a permutation
// of the input.
func Order(positioned []PositionedSpan) []PositionedSpan {
	if len(positioned) == 0 {
		return []PositionedSpan{}
	}

	sorted := make([]PositionedSpan, len(positioned))
	copy(sorted, positioned)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.Depth < b.Depth
	})

	present := make(map[string]bool, len(sorted))
	for _, p := range sorted {
		present[p.SpanID] = true
	}

	// parent id -> child positions in sorted order
	children := make(map[string][]int)
	var roots []int
	for i, p := range sorted {
		pid := p.ParentID()
		if pid == "" || !present[pid] {
			roots = append(roots, i)
			continue
		}
		children[pid] = append(children[pid], i)
	}

	result := make([]PositionedSpan, 0, len(sorted))
	visited := make([]bool, len(sorted))
	stack := make([]int, 0, len(sorted))

	for _, root := range roots {
		stack = append(stack[:0], root)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[i] {
				continue
			}
			visited[i] = true
			result = append(result, sorted[i])

			// Push in reverse so the earliest sibling pops first.
			kids := children[sorted[i].SpanID]
			for k := len(kids) - 1; k >= 0; k-- {
				if !visited[kids[k]] {
					stack = append(stack, kids[k])
				}
			}
		}
	}

	for i, p := range sorted {
		if !visited[i] {
			result = append(result, p)
		}
	}

	return result
}
