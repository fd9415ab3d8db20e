// Package store defines the durable span storage contract. Every
// backend (memory, sqlite, postgres) implements the same interface and
// must pass the shared conformance suite in storetest, so query and
// export behavior is identical regardless of engine.
package store

import (
	"context"

	"github.com/ashita-ai/oikake/internal/model"
)

// Store is the backend-agnostic CRUD contract for spans.
//
// Single-record operations are strict: UpdateSpan and GetSpan return
// ErrNotFound for missing IDs. Batch operations are resilient: missing
// records are silently skipped so one bad ID cannot poison a batch.
type Store interface {
	// CreateSpan persists the span, deriving ID from (TraceID, SpanID)
	// when absent and stamping CreatedAt/UpdatedAt when zero. Creation
	// is idempotent: re-creating the same (TraceID, SpanID) overwrites
	// the existing record.
	CreateSpan(ctx context.Context, span model.Span) (model.Span, error)

	// GetSpan returns the span or ErrNotFound.
	GetSpan(ctx context.Context, id string) (model.Span, error)

	// UpdateSpan merges the partial update into the stored record and
	// returns the result. Returns ErrNotFound when the ID does not exist.
	UpdateSpan(ctx context.Context, id string, update model.SpanUpdate) (model.Span, error)

	// DeleteSpan removes the span. Deleting a missing ID is a no-op.
	DeleteSpan(ctx context.Context, id string) error

	// BatchCreateSpans applies CreateSpan semantics to each span.
	BatchCreateSpans(ctx context.Context, spans []model.Span) error

	// BatchUpdateSpans applies each update, silently skipping missing IDs.
	BatchUpdateSpans(ctx context.Context, updates []model.BatchSpanUpdate) error

	// BatchDeleteSpans removes each span, silently skipping missing IDs.
	BatchDeleteSpans(ctx context.Context, ids []string) error

	// GetTrace returns every span sharing traceID, or ErrNotFound when
	// none exist.
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)

	// Scan returns all spans. The minimal capability the query engine
	// needs; filtering, sorting and pagination are layered on top in a
	// single backend-agnostic implementation.
	Scan(ctx context.Context) ([]model.Span, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}
