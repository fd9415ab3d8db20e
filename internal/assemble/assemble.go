// Package assemble reconstructs trace trees from flat, parent-pointer
// linked span records. Pure functions; no backend dependencies.
package assemble

import (
	"sort"

	"github.com/ashita-ai/oikake/internal/model"
)

// Option configures forest assembly.
type Option func(*options)

type options struct {
	sortByStart bool
}

// SortByStart orders siblings (and roots) by StartedAt ascending instead
// of input order.
func SortByStart() Option {
	return func(o *options) { o.sortByStart = true }
}

// Forest turns a flat span list into an ordered forest of trace trees.
//
// Spans may arrive in any order and links may be incomplete: a span
// whose parent never shows up is promoted to a pseudo-root rather than
// dropped, so no data disappears from a rendered trace. Parent links
// resolve only within the same trace ID, so a mixed-trace input yields
// one tree (or more) per trace.
func Forest(spans []model.Span, opts ...Option) []*model.TraceNode {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	nodes := make([]*model.TraceNode, 0, len(spans))
	byKey := make(map[string]*model.TraceNode, len(spans))
	for _, s := range spans {
		n := &model.TraceNode{Span: s, LatencyMS: latency(s)}
		nodes = append(nodes, n)
		byKey[model.SpanKey(s.TraceID, s.SpanID)] = n
	}

	var roots []*model.TraceNode
	var orphans []*model.TraceNode
	for _, n := range nodes {
		if n.IsRoot() {
			roots = append(roots, n)
			continue
		}
		parent, ok := byKey[model.SpanKey(n.TraceID, *n.ParentSpanID)]
		if !ok || parent == n {
			orphans = append(orphans, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	// Orphans surface after the real roots so a well-formed trace renders
	// its root first.
	roots = append(roots, orphans...)

	if o.sortByStart {
		sortForest(roots)
	}
	return roots
}

func sortForest(nodes []*model.TraceNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].StartedAt.Before(nodes[j].StartedAt)
	})
	for _, n := range nodes {
		sortForest(n.Children)
	}
}

func latency(s model.Span) *float64 {
	if s.EndedAt == nil || s.StartedAt.IsZero() {
		return nil
	}
	ms := float64(s.EndedAt.Sub(s.StartedAt).Microseconds()) / 1000.0
	return &ms
}
