package model

import "time"

// SpanEventType distinguishes start and end events on the ingestion path.
type SpanEventType string

const (
	SpanStarted SpanEventType = "started"
	SpanEnded   SpanEventType = "ended"
)

// SpanEventRequest is the request body for POST /v1/spans/events.
type SpanEventRequest struct {
	EventType SpanEventType `json:"event_type"`
	Span      Span          `json:"span"`
}

// SpanUpdate is a partial span used by single-record and batch updates.
// Nil fields are preserved on the stored record; set fields replace it.
type SpanUpdate struct {
	Name       *string        `json:"name,omitempty"`
	SpanType   *SpanType      `json:"span_type,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Scope      map[string]any `json:"scope,omitempty"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      *SpanError     `json:"error,omitempty"`
}

// Apply merges the update into s and bumps UpdatedAt. Shared by every
// backend so merge semantics cannot diverge between engines.
func (u SpanUpdate) Apply(s *Span, now time.Time) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.SpanType != nil {
		s.SpanType = *u.SpanType
	}
	if u.StartedAt != nil {
		s.StartedAt = *u.StartedAt
	}
	if u.EndedAt != nil {
		s.EndedAt = u.EndedAt
	}
	if u.Attributes != nil {
		s.Attributes = u.Attributes
	}
	if u.Metadata != nil {
		s.Metadata = u.Metadata
	}
	if u.Scope != nil {
		s.Scope = u.Scope
	}
	if u.Input != nil {
		s.Input = u.Input
	}
	if u.Output != nil {
		s.Output = u.Output
	}
	if u.Error != nil {
		s.Error = u.Error
	}
	s.UpdatedAt = now
}

// BatchSpanUpdate pairs a span ID with its partial update for batch paths.
type BatchSpanUpdate struct {
	ID     string     `json:"id"`
	Update SpanUpdate `json:"update"`
}

// APIResponse is the standard envelope for single-object responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)
