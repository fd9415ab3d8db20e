// Package oikake is the embeddable span trace pipeline for agentic
// runtimes. An execution engine feeds span start/end events in; the
// pipeline persists them, buffers each trace in memory, and exports
// completed traces to a configured telemetry backend. A rendering
// layer reads back paginated trace listings and assembled trace trees.
//
//	st := memory.New()
//	p, err := oikake.New(
//	    oikake.WithStore(st),
//	    oikake.WithLogger(logger),
//	)
//	if err != nil { ... }
//	p.OnSpanStarted(ctx, span)
//	...
//	_ = p.Shutdown(ctx) // drain buffers before process exit
//
// The import graph enforces a strict no-cycle rule: oikake (root)
// imports internal/*, but internal/* never imports oikake (root).
package oikake

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/oikake/internal/export"
	"github.com/ashita-ai/oikake/internal/export/provider"
	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/query"
	"github.com/ashita-ai/oikake/internal/store"
	"github.com/ashita-ai/oikake/internal/store/memory"
)

// Re-exported types so embedding consumers never import internal packages.
type (
	// Span is one timed unit of work in a trace tree.
	Span = model.Span
	// SpanError is a structured failure payload on a span.
	SpanError = model.SpanError
	// SpanUpdate is a partial span for merge updates.
	SpanUpdate = model.SpanUpdate
	// BatchSpanUpdate pairs a span ID with its partial update.
	BatchSpanUpdate = model.BatchSpanUpdate
	// Trace is the flat set of spans sharing a trace ID.
	Trace = model.Trace
	// TraceNode is a span hydrated into its tree position.
	TraceNode = model.TraceNode
	// TraceFilters narrows a trace listing.
	TraceFilters = model.TraceFilters
	// PagedSpans is one page of a trace listing.
	PagedSpans = model.PagedSpans
	// Store is the durable span storage contract.
	Store = store.Store
)

// ErrNotFound is returned by single-record reads and updates on missing IDs.
var ErrNotFound = store.ErrNotFound

// Pipeline owns one store, one query engine and one export scheduler.
// Multiple independent pipelines may coexist in a process; nothing is
// process-global.
type Pipeline struct {
	store     store.Store
	engine    *query.Engine
	scheduler *export.Scheduler
	logger    *slog.Logger
}

// New constructs a Pipeline. Without options it uses an in-memory
// store and a no-op exporter.
func New(opts ...Option) (*Pipeline, error) {
	o := resolvedOptions{
		flushDelay: export.DefaultFlushDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.store == nil {
		o.store = memory.New()
	}
	if o.exporter == nil {
		exp, err := provider.New(o.providerConfig, o.logger)
		if err != nil {
			return nil, fmt.Errorf("oikake: build exporter: %w", err)
		}
		o.exporter = exp
	}

	sched := export.NewScheduler(o.exporter, o.logger, o.flushDelay)
	if o.registerMetrics {
		sched.RegisterMetrics()
	}

	return &Pipeline{
		store:     o.store,
		engine:    query.New(o.store, o.logger),
		scheduler: sched,
		logger:    o.logger,
	}, nil
}

// OnSpanStarted ingests a span start event: the span is persisted and
// buffered for export. Returns an error only for malformed spans; a
// storage failure is logged and the span stays buffered so it is still
// exported at flush or shutdown.
func (p *Pipeline) OnSpanStarted(ctx context.Context, span Span) error {
	return p.onEvent(ctx, model.SpanStarted, span)
}

// OnSpanEnded ingests a span end event. A span whose start was never
// observed is created already closed.
func (p *Pipeline) OnSpanEnded(ctx context.Context, span Span) error {
	return p.onEvent(ctx, model.SpanEnded, span)
}

func (p *Pipeline) onEvent(ctx context.Context, eventType model.SpanEventType, span Span) error {
	if err := span.Validate(); err != nil {
		return err
	}

	id := model.SpanKey(span.TraceID, span.SpanID)
	persisted := span
	if existing, err := p.store.GetSpan(ctx, id); err == nil {
		persisted = model.Merge(existing, span)
	}
	if _, err := p.store.CreateSpan(ctx, persisted); err != nil {
		// Storage trouble must not fail the producer; the buffered copy
		// still reaches the exporter.
		p.logger.Error("oikake: persist span event failed",
			"error", err, "trace_id", span.TraceID, "span_id", span.SpanID)
	}

	p.scheduler.OnEvent(eventType, persisted)
	return nil
}

// Shutdown drains every buffered trace, complete or not, and waits for
// in-flight exports. Must be awaited before process exit.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.scheduler.Shutdown(ctx)
}

// GetTrace returns the assembled tree for one trace, or ErrNotFound.
func (p *Pipeline) GetTrace(ctx context.Context, traceID string) ([]*TraceNode, error) {
	return p.engine.GetTrace(ctx, traceID)
}

// ListTraces returns one page of traces per the root-first contract:
// filters and pagination apply to root spans; every descendant of the
// returned roots is appended after them.
func (p *Pipeline) ListTraces(ctx context.Context, filters TraceFilters, page, perPage int) (PagedSpans, error) {
	return p.engine.ListTraces(ctx, filters, page, perPage)
}

// CreateSpan persists a span with idempotent upsert semantics.
func (p *Pipeline) CreateSpan(ctx context.Context, span Span) (Span, error) {
	if err := span.Validate(); err != nil {
		return Span{}, err
	}
	return p.store.CreateSpan(ctx, span)
}

// GetSpan returns the span or ErrNotFound.
func (p *Pipeline) GetSpan(ctx context.Context, id string) (Span, error) {
	return p.store.GetSpan(ctx, id)
}

// UpdateSpan merges the partial update into the stored span.
func (p *Pipeline) UpdateSpan(ctx context.Context, id string, update SpanUpdate) (Span, error) {
	return p.store.UpdateSpan(ctx, id, update)
}

// DeleteSpan removes the span; a missing ID is a no-op.
func (p *Pipeline) DeleteSpan(ctx context.Context, id string) error {
	return p.store.DeleteSpan(ctx, id)
}

// BatchCreateSpans creates each span with upsert semantics.
func (p *Pipeline) BatchCreateSpans(ctx context.Context, spans []Span) error {
	return p.store.BatchCreateSpans(ctx, spans)
}

// BatchUpdateSpans applies each update, skipping missing IDs.
func (p *Pipeline) BatchUpdateSpans(ctx context.Context, updates []BatchSpanUpdate) error {
	return p.store.BatchUpdateSpans(ctx, updates)
}

// BatchDeleteSpans removes each span, skipping missing IDs.
func (p *Pipeline) BatchDeleteSpans(ctx context.Context, ids []string) error {
	return p.store.BatchDeleteSpans(ctx, ids)
}

// BufferedTraces reports how many traces are currently buffered. Mainly
// for health endpoints and tests.
func (p *Pipeline) BufferedTraces() int {
	return p.scheduler.BufferedTraces()
}
