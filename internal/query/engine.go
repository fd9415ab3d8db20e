// Package query implements the paginated trace listing contract as a
// single backend-agnostic algorithm over the store's Scan capability,
// so every storage engine paginates and filters identically.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ashita-ai/oikake/internal/assemble"
	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/store"
)

// DefaultPerPage is used when a caller passes a non-positive page size.
const DefaultPerPage = 50

// Engine lists and hydrates traces.
type Engine struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an Engine over the given store.
func New(st store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger}
}

// ListTraces returns one page of traces. Filters, sorting and the total
// count apply to root spans only; every descendant of a root on the
// page is appended after the roots, unfiltered, so the caller can
// render complete trees.
func (e *Engine) ListTraces(ctx context.Context, filters model.TraceFilters, page, perPage int) (model.PagedSpans, error) {
	if err := validateFilters(filters); err != nil {
		return model.PagedSpans{}, err
	}
	if page < 0 {
		page = 0
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}

	spans, err := e.store.Scan(ctx)
	if err != nil {
		return model.PagedSpans{}, fmt.Errorf("query: scan spans: %w", err)
	}

	var roots, children []model.Span
	for _, s := range spans {
		if s.IsRoot() {
			roots = append(roots, s)
		} else {
			children = append(children, s)
		}
	}

	filtered := roots[:0:0]
	for _, r := range roots {
		if matchesFilters(r, filters) {
			filtered = append(filtered, r)
		}
	}

	// Most recent first.
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := len(filtered)
	start := page * perPage
	end := start + perPage
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	pageRoots := filtered[start:end]

	// Hydrate: collect every child of the traces on this page, whether
	// or not the child itself would match the filters. Filters identify
	// traces; trees render whole.
	traceIDs := make(map[string]struct{}, len(pageRoots))
	for _, r := range pageRoots {
		traceIDs[r.TraceID] = struct{}{}
	}
	out := make([]model.Span, 0, len(pageRoots))
	out = append(out, pageRoots...)
	for _, c := range children {
		if _, ok := traceIDs[c.TraceID]; ok {
			out = append(out, c)
		}
	}

	return model.PagedSpans{
		Spans:   out,
		Total:   total,
		Page:    page,
		PerPage: perPage,
		HasMore: (page+1)*perPage < total,
	}, nil
}

// GetTrace returns the assembled tree for one trace, or nil when the
// trace has no spans.
func (e *Engine) GetTrace(ctx context.Context, traceID string) ([]*model.TraceNode, error) {
	tr, err := e.store.GetTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return assemble.Forest(tr.Spans), nil
}

func validateFilters(f model.TraceFilters) error {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return model.ValidationError{Field: "from", Message: "from date is after to date"}
	}
	if f.SpanType != nil && !f.SpanType.Valid() {
		return model.ValidationError{Field: "span_type", Message: fmt.Sprintf("unknown span type %q", *f.SpanType)}
	}
	return nil
}

func matchesFilters(s model.Span, f model.TraceFilters) bool {
	if f.Name != nil && s.Name != *f.Name {
		return false
	}
	if f.SpanType != nil && s.SpanType != *f.SpanType {
		return false
	}
	if f.TraceID != nil && s.TraceID != *f.TraceID {
		return false
	}
	if f.From != nil && s.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && s.CreatedAt.After(*f.To) {
		return false
	}
	if !matchesMap(s.Scope, f.Scope) {
		return false
	}
	if !matchesMap(s.Attributes, f.Attributes) {
		return false
	}
	if len(f.ErrorFields) > 0 && !matchesMap(errorView(s.Error), f.ErrorFields) {
		return false
	}
	return true
}

// matchesMap reports whether every key in want equals the corresponding
// key in got (AND semantics). Missing keys fail the match.
func matchesMap(got map[string]any, want map[string]any) bool {
	for k, wv := range want {
		gv, ok := got[k]
		if !ok || !valuesEqual(wv, gv) {
			return false
		}
	}
	return true
}

// errorView exposes a span's error as a flat map for filter matching:
// the message plus every detail key.
func errorView(e *model.SpanError) map[string]any {
	if e == nil {
		return nil
	}
	view := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		view[k] = v
	}
	view["message"] = e.Message
	return view
}
