// Package export buffers in-flight spans per trace and ships completed
// traces to a provider exporter without blocking ingestion.
package export

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/oikake/internal/assemble"
	"github.com/ashita-ai/oikake/internal/export/provider"
	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/telemetry"
)

// DefaultFlushDelay is the window between a root span closing and the
// trace being exported. It tolerates descendant events that arrive
// slightly after the root closes, coalescing them into one export.
const DefaultFlushDelay = 5 * time.Second

// exportTimeout bounds a single provider call fired from a flush timer.
const exportTimeout = 30 * time.Second

// bufferEntry is the in-memory state for one active trace.
type bufferEntry struct {
	spans        map[string]model.Span // keyed by span ID within the trace
	order        []string              // span IDs in arrival order
	rootSeen     bool
	rootComplete bool
	timer        *time.Timer // non-nil once a flush is scheduled
}

// Scheduler decides when a trace is export-ready and flushes it.
//
// One Scheduler owns one buffer map; construct one per exporter
// configuration rather than sharing process-global state. OnEvent is a
// fast, memory-only operation; provider calls run on their own
// goroutines so a slow backend cannot delay ingestion of other traces.
type Scheduler struct {
	exporter   provider.Exporter
	logger     *slog.Logger
	flushDelay time.Duration

	mu      sync.Mutex
	entries map[string]*bufferEntry

	draining atomic.Bool
	exports  sync.WaitGroup

	exportedTraces atomic.Int64
	exportFailures atomic.Int64
}

// NewScheduler creates a Scheduler flushing to the given exporter.
// A non-positive flushDelay falls back to DefaultFlushDelay.
func NewScheduler(exp provider.Exporter, logger *slog.Logger, flushDelay time.Duration) *Scheduler {
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	return &Scheduler{
		exporter:   exp,
		logger:     logger,
		flushDelay: flushDelay,
		entries:    make(map[string]*bufferEntry),
	}
}

// OnEvent buffers a span start or end event. It never returns an error:
// malformed spans are logged and dropped, and events arriving after
// Shutdown are ignored. The ingestion path must not fail the producer.
func (s *Scheduler) OnEvent(eventType model.SpanEventType, span model.Span) {
	if s.draining.Load() {
		s.logger.Debug("export: event after shutdown ignored",
			"trace_id", span.TraceID, "span_id", span.SpanID)
		return
	}
	if span.TraceID == "" || span.SpanID == "" {
		s.logger.Warn("export: span without identifiers dropped", "event_type", string(eventType))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[span.TraceID]
	if !ok {
		e = &bufferEntry{spans: make(map[string]model.Span)}
		s.entries[span.TraceID] = e
	}

	if existing, ok := e.spans[span.SpanID]; ok {
		span = model.Merge(existing, span)
	} else {
		e.order = append(e.order, span.SpanID)
	}
	e.spans[span.SpanID] = span

	if span.IsRoot() {
		e.rootSeen = true
		if span.Ended() {
			e.rootComplete = true
		}
	}

	// Arm the flush timer once the root completes. The deadline is fixed
	// at scheduling time: later events keep upserting into the entry but
	// never push the flush out.
	if e.rootComplete && e.timer == nil {
		traceID := span.TraceID
		e.timer = time.AfterFunc(s.flushDelay, func() {
			s.flushTrace(traceID)
		})
	}
}

// flushTrace removes the trace's entry and exports it asynchronously.
// A no-op when the entry is already gone (drained by Shutdown).
func (s *Scheduler) flushTrace(traceID string) {
	s.mu.Lock()
	e, ok := s.entries[traceID]
	if ok {
		delete(s.entries, traceID)
		// Register the in-flight export while still holding the lock:
		// once the entry is gone, Shutdown's drain cannot see this trace,
		// so the counter must already cover it when Shutdown waits.
		s.exports.Add(1)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		defer s.exports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		s.export(ctx, traceID, e)
	}()
}

// export assembles the buffered spans and hands them to the provider.
// Failures are logged and counted, never propagated: a failed export
// must not crash the process or poison other traces.
func (s *Scheduler) export(ctx context.Context, traceID string, e *bufferEntry) {
	spans := make([]model.Span, 0, len(e.order))
	for _, id := range e.order {
		spans = append(spans, e.spans[id])
	}
	roots := assemble.Forest(spans, assemble.SortByStart())

	if err := s.exporter.Export(ctx, traceID, roots); err != nil {
		s.exportFailures.Add(1)
		s.logger.Error("export: trace export failed",
			"error", err,
			"provider", s.exporter.Name(),
			"trace_id", traceID,
			"spans", len(spans))
		return
	}
	s.exportedTraces.Add(1)
	s.logger.Debug("export: trace exported",
		"provider", s.exporter.Name(),
		"trace_id", traceID,
		"spans", len(spans))
}

// Shutdown flushes every buffered trace, complete or not, bypassing
// timers, then waits for in-flight exports. Subsequent OnEvent calls
// are no-ops. Must be called before process exit so no telemetry is
// lost.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.draining.Swap(true) {
		return nil // already shut down
	}

	s.mu.Lock()
	drained := make(map[string]*bufferEntry, len(s.entries))
	for traceID, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		drained[traceID] = e
	}
	s.entries = make(map[string]*bufferEntry)
	s.mu.Unlock()

	if len(drained) > 0 {
		s.logger.Info("export: draining buffered traces", "traces", len(drained))
	}

	g, gctx := errgroup.WithContext(ctx)
	for traceID, e := range drained {
		g.Go(func() error {
			s.export(gctx, traceID, e)
			return nil // export logs its own failures; drain everything
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Wait for exports already fired by timers.
	done := make(chan struct{})
	go func() {
		s.exports.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("export: shutdown timed out waiting for in-flight exports")
		return ctx.Err()
	}
}

// BufferedTraces returns the number of traces currently buffered.
func (s *Scheduler) BufferedTraces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ExportFailures returns the total number of failed exports.
func (s *Scheduler) ExportFailures() int64 {
	return s.exportFailures.Load()
}

// RegisterMetrics registers observable OTEL gauges for buffer health.
// Call after the global meter provider has been initialized.
func (s *Scheduler) RegisterMetrics() {
	meter := telemetry.Meter("oikake/export")

	_, _ = meter.Int64ObservableGauge("oikake.export.buffered_traces",
		metric.WithDescription("Traces currently buffered awaiting export"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.BufferedTraces()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("oikake.export.failures_total",
		metric.WithDescription("Total trace exports that failed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.ExportFailures())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("oikake.export.exported_total",
		metric.WithDescription("Total traces exported successfully"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.exportedTraces.Load())
			return nil
		}),
	)
}
