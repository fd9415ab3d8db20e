package model

import "time"

// TraceFilters narrows a trace listing. All filters apply to root spans
// only; descendants are always returned with their root regardless of
// whether they match.
type TraceFilters struct {
	// Name matches by exact string equality.
	Name *string `json:"name,omitempty"`
	// SpanType matches by exact equality.
	SpanType *SpanType `json:"span_type,omitempty"`
	// TraceID matches by exact equality.
	TraceID *string `json:"trace_id,omitempty"`
	// Scope, Attributes and ErrorFields match when every key in the
	// filter map equals the corresponding key on the span, with strict
	// type equality (1 does not match "1", true does not match 1).
	Scope      map[string]any `json:"scope,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	// ErrorFields matches against a flattened view of the span's error:
	// "message" plus every key of Details hoisted to the top level. The
	// nested {message, details} shape is not addressable directly.
	ErrorFields map[string]any `json:"error,omitempty"`
	// From and To bound CreatedAt inclusively.
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// PagedSpans is one page of a trace listing: the filtered root spans for
// the page followed by every descendant span of those roots.
type PagedSpans struct {
	Spans   []Span `json:"spans"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
	HasMore bool   `json:"has_more"`
}
