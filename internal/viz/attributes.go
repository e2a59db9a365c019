package viz

import (
	"fmt"
	"sort"
	"strings"

	"github.com/toskamesh/waterfall/internal/waterfall"
)

// GroupAttributes groups span attributes by the prefix before the first dot.
// Keys without a prefix land in "other". Items sort by short key; groups sort
// by name with "other" last. Nil values render as "-".
func GroupAttributes(attrs map[string]*string) []AttributeGroup {
	if len(attrs) == 0 {
		return nil
	}

	byGroup := make(map[string][]AttributeItem)
	for key, value := range attrs {
		group, short := "other", key
		if i := strings.IndexByte(key, '.'); i > 0 {
			group, short = key[:i], key[i+1:]
		}

		v := "-"
		if value != nil {
			v = *value
		}
		byGroup[group] = append(byGroup[group], AttributeItem{FullKey: key, Key: short, Value: v})
	}

	groups := make([]AttributeGroup, 0, len(byGroup))
	for name, items := range byGroup {
		sort.Slice(items, func(i, j int) bool {
			if items[i].Key != items[j].Key {
				return items[i].Key < items[j].Key
			}
			return items[i].FullKey < items[j].FullKey
		})
		groups = append(groups, AttributeGroup{Group: name, Items: items})
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Group == "other" {
			return false
		}
		if groups[j].Group == "other" {
			return true
		}
		return groups[i].Group < groups[j].Group
	})

	return groups
}

// SpanDetail renders the expanded view of one span: identity, timing and
// grouped attributes.
func SpanDetail(s waterfall.PositionedSpan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s.%s\n", s.ServiceName, s.OperationName)
	fmt.Fprintf(&b, "  Span ID:   %s\n", s.SpanID)
	if pid := s.ParentID(); pid != "" {
		fmt.Fprintf(&b, "  Parent:    %s\n", pid)
	}
	kind := "-"
	if s.Kind != nil && *s.Kind != "" {
		kind = *s.Kind
	}
	fmt.Fprintf(&b, "  Kind:      %s\n", kind)
	fmt.Fprintf(&b, "  Status:    %s %s\n", statusIcon(s.Status), s.Status)
	fmt.Fprintf(&b, "  Duration:  %s\n", FormatDuration(s.DurationMs))
	fmt.Fprintf(&b, "  Offset:    %.1f%% (depth %d)\n", s.Left, s.Depth)

	for _, g := range GroupAttributes(s.Attributes) {
		fmt.Fprintf(&b, "\n  [%s]\n", g.Group)
		for _, item := range g.Items {
			fmt.Fprintf(&b, "    %-24s %s\n", item.Key, item.Value)
		}
	}

	return b.String()
}
