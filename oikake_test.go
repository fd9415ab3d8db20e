package oikake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/oikake/internal/testutil"
)

type recordingExporter struct {
	mu     sync.Mutex
	traces map[string][]*TraceNode
}

func newRecordingExporter() *recordingExporter {
	return &recordingExporter{traces: make(map[string][]*TraceNode)}
}

func (r *recordingExporter) Export(_ context.Context, traceID string, roots []*TraceNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces[traceID] = roots
	return nil
}

func (r *recordingExporter) Name() string { return "recording" }

func (r *recordingExporter) get(traceID string) []*TraceNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.traces[traceID]
}

func newSpan(traceID, spanID string, parent *string) Span {
	return Span{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parent,
		SpanType:     "tool-call",
		Name:         spanID,
		StartedAt:    time.Now().UTC(),
	}
}

func endOf(s Span) Span {
	end := s.StartedAt.Add(time.Millisecond)
	s.EndedAt = &end
	return s
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	exp := newRecordingExporter()
	p, err := New(
		WithExporter(exp),
		WithFlushDelay(20*time.Millisecond),
		WithLogger(testutil.TestLogger()),
	)
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	parent := "root"
	require.NoError(t, p.OnSpanStarted(ctx, newSpan("t1", "root", nil)))
	require.NoError(t, p.OnSpanStarted(ctx, newSpan("t1", "step", &parent)))
	require.NoError(t, p.OnSpanEnded(ctx, endOf(newSpan("t1", "step", &parent))))
	require.NoError(t, p.OnSpanEnded(ctx, endOf(newSpan("t1", "root", nil))))

	// Persisted and queryable immediately, before any export.
	roots, err := p.GetTrace(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "root", roots[0].SpanID)
	require.Len(t, roots[0].Children, 1)

	// Exported shortly after the root completes.
	deadline := time.Now().Add(2 * time.Second)
	for exp.get("t1") == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	exported := exp.get("t1")
	require.Len(t, exported, 1)
	assert.True(t, exported[0].Ended())
}

func TestPipelineRejectsMalformedSpans(t *testing.T) {
	p, err := New(WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	err = p.OnSpanStarted(context.Background(), Span{SpanID: "s1"})
	require.Error(t, err)
	err = p.OnSpanStarted(context.Background(), Span{TraceID: "t1", SpanID: "s1", SpanType: "bogus"})
	require.Error(t, err)
}

func TestPipelineCRUDAndQueries(t *testing.T) {
	ctx := context.Background()
	p, err := New(WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	created, err := p.CreateSpan(ctx, newSpan("t1", "root", nil))
	require.NoError(t, err)
	assert.Equal(t, "t1-root", created.ID)

	got, err := p.GetSpan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	name := "renamed"
	updated, err := p.UpdateSpan(ctx, created.ID, SpanUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	page, err := p.ListTraces(ctx, TraceFilters{}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	require.NoError(t, p.DeleteSpan(ctx, created.ID))
	_, err = p.GetSpan(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPipelineShutdownDrains(t *testing.T) {
	ctx := context.Background()
	exp := newRecordingExporter()
	p, err := New(
		WithExporter(exp),
		WithFlushDelay(time.Hour),
		WithLogger(testutil.TestLogger()),
	)
	require.NoError(t, err)

	require.NoError(t, p.OnSpanStarted(ctx, newSpan("t1", "root", nil)))
	assert.Equal(t, 1, p.BufferedTraces())

	require.NoError(t, p.Shutdown(ctx))
	assert.NotNil(t, exp.get("t1"), "shutdown flushes traces that never completed")
	assert.Zero(t, p.BufferedTraces())
}

func TestPipelineBatchOperations(t *testing.T) {
	ctx := context.Background()
	p, err := New(WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	require.NoError(t, p.BatchCreateSpans(ctx, []Span{
		newSpan("t1", "a", nil),
		newSpan("t1", "b", nil),
	}))

	name := "batched"
	require.NoError(t, p.BatchUpdateSpans(ctx, []BatchSpanUpdate{
		{ID: "t1-a", Update: SpanUpdate{Name: &name}},
		{ID: "missing", Update: SpanUpdate{Name: &name}},
	}))
	got, err := p.GetSpan(ctx, "t1-a")
	require.NoError(t, err)
	assert.Equal(t, "batched", got.Name)

	require.NoError(t, p.BatchDeleteSpans(ctx, []string{"t1-a", "t1-b", "missing"}))
	_, err = p.GetSpan(ctx, "t1-a")
	assert.ErrorIs(t, err, ErrNotFound)
}
