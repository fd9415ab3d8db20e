// Package model defines the span and trace types shared by every
// storage backend, the query engine, and the export pipeline.
package model

import (
	"fmt"
	"time"
)

// SpanType tags the unit of work a span represents. Used only for
// filtering and rendering, never for identity.
type SpanType string

const (
	SpanTypeAgentRun        SpanType = "agent-run"
	SpanTypeWorkflowRun     SpanType = "workflow-run"
	SpanTypeWorkflowStep    SpanType = "workflow-step"
	SpanTypeModelGeneration SpanType = "model-generation"
	SpanTypeToolCall        SpanType = "tool-call"
)

// Valid reports whether t is one of the closed set of span types.
func (t SpanType) Valid() bool {
	switch t {
	case SpanTypeAgentRun, SpanTypeWorkflowRun, SpanTypeWorkflowStep,
		SpanTypeModelGeneration, SpanTypeToolCall:
		return true
	}
	return false
}

// SpanError is a structured failure payload attached to a span.
type SpanError struct {
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Span is one timed unit of work. Spans nest via ParentSpanID into a
// tree rooted at the span with no parent.
type Span struct {
	ID           string         `json:"id"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id,omitempty"`
	SpanType     SpanType       `json:"span_type"`
	Name         string         `json:"name"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Scope        map[string]any `json:"scope,omitempty"`
	Input        any            `json:"input,omitempty"`
	Output       any            `json:"output,omitempty"`
	Error        *SpanError     `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SpanKey derives the globally unique span ID from its trace and span
// identifiers. This is the idempotency key for creation.
func SpanKey(traceID, spanID string) string {
	return traceID + "-" + spanID
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == nil || *s.ParentSpanID == ""
}

// Ended reports whether the span has been closed.
func (s Span) Ended() bool {
	return s.EndedAt != nil
}

// Validate checks the fields required at ingestion.
func (s Span) Validate() error {
	if s.TraceID == "" {
		return ValidationError{Field: "trace_id", Message: "must not be empty"}
	}
	if s.SpanID == "" {
		return ValidationError{Field: "span_id", Message: "must not be empty"}
	}
	if s.SpanType != "" && !s.SpanType.Valid() {
		return ValidationError{Field: "span_type", Message: fmt.Sprintf("unknown span type %q", s.SpanType)}
	}
	return nil
}

// Clone returns a copy of the span with its own top-level maps, so a
// caller mutating the copy cannot corrupt a stored record.
func (s Span) Clone() Span {
	c := s
	if s.ParentSpanID != nil {
		p := *s.ParentSpanID
		c.ParentSpanID = &p
	}
	if s.EndedAt != nil {
		e := *s.EndedAt
		c.EndedAt = &e
	}
	c.Attributes = cloneMap(s.Attributes)
	c.Metadata = cloneMap(s.Metadata)
	c.Scope = cloneMap(s.Scope)
	if s.Error != nil {
		e := SpanError{Message: s.Error.Message, Details: cloneMap(s.Error.Details)}
		c.Error = &e
	}
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Merge overlays the set fields of overlay onto base and returns the
// result. Zero-valued overlay fields keep the base value; this is the
// upsert semantics used by the export buffer when a start and an end
// event for the same span arrive separately.
func Merge(base, overlay Span) Span {
	out := base
	if overlay.Name != "" {
		out.Name = overlay.Name
	}
	if overlay.SpanType != "" {
		out.SpanType = overlay.SpanType
	}
	if overlay.ParentSpanID != nil {
		out.ParentSpanID = overlay.ParentSpanID
	}
	if !overlay.StartedAt.IsZero() {
		out.StartedAt = overlay.StartedAt
	}
	if overlay.EndedAt != nil {
		out.EndedAt = overlay.EndedAt
	}
	if overlay.Attributes != nil {
		out.Attributes = overlay.Attributes
	}
	if overlay.Metadata != nil {
		out.Metadata = overlay.Metadata
	}
	if overlay.Scope != nil {
		out.Scope = overlay.Scope
	}
	if overlay.Input != nil {
		out.Input = overlay.Input
	}
	if overlay.Output != nil {
		out.Output = overlay.Output
	}
	if overlay.Error != nil {
		out.Error = overlay.Error
	}
	return out
}

// Trace is the set of all spans sharing a trace ID. Derived, never persisted.
type Trace struct {
	TraceID string `json:"trace_id"`
	Spans   []Span `json:"spans"`
}

// TraceNode is a span hydrated into its position in the trace tree,
// with derived presentation fields.
type TraceNode struct {
	Span
	Children []*TraceNode `json:"children,omitempty"`
	// LatencyMS is EndedAt minus StartedAt in milliseconds, present only
	// when both timestamps exist.
	LatencyMS *float64 `json:"latency_ms,omitempty"`
}

// ValidationError rejects malformed input (spans or query filters)
// before it reaches a storage backend.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "model: " + e.Message
	}
	return fmt.Sprintf("model: %s: %s", e.Field, e.Message)
}
