// Package storetest is the shared conformance suite every span store
// backend must pass, so CRUD semantics cannot drift between engines.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the full Store contract against the backend produced
// by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateIsIdempotent", func(t *testing.T) { testCreateIdempotent(t, factory(t)) })
	t.Run("CreateDerivesID", func(t *testing.T) { testCreateDerivesID(t, factory(t)) })
	t.Run("GetMissingReturnsNotFound", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("UpdateMergesFields", func(t *testing.T) { testUpdateMerges(t, factory(t)) })
	t.Run("UpdateMissingReturnsNotFound", func(t *testing.T) { testUpdateMissing(t, factory(t)) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory(t)) })
	t.Run("BatchSkipsMissing", func(t *testing.T) { testBatchSkipsMissing(t, factory(t)) })
	t.Run("GetTrace", func(t *testing.T) { testGetTrace(t, factory(t)) })
	t.Run("ScanReturnsEverything", func(t *testing.T) { testScan(t, factory(t)) })
	t.Run("RoundTripPreservesFields", func(t *testing.T) { testRoundTrip(t, factory(t)) })
}

// NewSpan builds a minimal valid span for tests.
func NewSpan(traceID, spanID string, parent *string) model.Span {
	return model.Span{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parent,
		SpanType:     model.SpanTypeAgentRun,
		Name:         "test-span",
		StartedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testCreateIdempotent(t *testing.T, st store.Store) {
	ctx := context.Background()
	span := NewSpan("t1", "s1", nil)

	first, err := st.CreateSpan(ctx, span)
	require.NoError(t, err)
	assert.Equal(t, "t1-s1", first.ID)

	span.Name = "renamed"
	second, err := st.CreateSpan(ctx, span)
	require.NoError(t, err)
	assert.Equal(t, "t1-s1", second.ID)

	all, err := st.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "re-creating the same (trace, span) must overwrite, not duplicate")
	assert.Equal(t, "renamed", all[0].Name)
}

func testCreateDerivesID(t *testing.T, st store.Store) {
	ctx := context.Background()
	created, err := st.CreateSpan(ctx, NewSpan("trace-a", "span-b", nil))
	require.NoError(t, err)
	assert.Equal(t, "trace-a-span-b", created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())
}

func testGetMissing(t *testing.T, st store.Store) {
	_, err := st.GetSpan(context.Background(), "missing-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateMerges(t *testing.T, st store.Store) {
	ctx := context.Background()
	span := NewSpan("t1", "s1", nil)
	span.Attributes = map[string]any{"service": "auth"}
	span.Input = map[string]any{"prompt": "hello"}
	created, err := st.CreateSpan(ctx, span)
	require.NoError(t, err)

	output := map[string]any{"answer": "world"}
	updated, err := st.UpdateSpan(ctx, created.ID, model.SpanUpdate{Output: output})
	require.NoError(t, err)

	// Only output and updated_at change; everything else is preserved.
	assert.Equal(t, created.Name, updated.Name)
	assert.Equal(t, created.Attributes, updated.Attributes)
	assert.Equal(t, created.Input, updated.Input)
	assert.Equal(t, output, toMap(t, updated.Output))

	got, err := st.GetSpan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, output, toMap(t, got.Output))
	assert.Equal(t, created.Attributes, got.Attributes)
}

func testUpdateMissing(t *testing.T, st store.Store) {
	name := "x"
	_, err := st.UpdateSpan(context.Background(), "missing-id", model.SpanUpdate{Name: &name})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteIdempotent(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.DeleteSpan(ctx, "missing-id"))

	created, err := st.CreateSpan(ctx, NewSpan("t1", "s1", nil))
	require.NoError(t, err)
	require.NoError(t, st.DeleteSpan(ctx, created.ID))
	require.NoError(t, st.DeleteSpan(ctx, created.ID))

	_, err = st.GetSpan(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testBatchSkipsMissing(t *testing.T, st store.Store) {
	ctx := context.Background()
	created, err := st.CreateSpan(ctx, NewSpan("t1", "s1", nil))
	require.NoError(t, err)

	name := "batch-renamed"
	err = st.BatchUpdateSpans(ctx, []model.BatchSpanUpdate{
		{ID: "missing-id", Update: model.SpanUpdate{Name: &name}},
		{ID: created.ID, Update: model.SpanUpdate{Name: &name}},
	})
	require.NoError(t, err, "a missing record must not poison the batch")

	got, err := st.GetSpan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "batch-renamed", got.Name)

	require.NoError(t, st.BatchDeleteSpans(ctx, []string{"missing-id", created.ID}))
	_, err = st.GetSpan(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testGetTrace(t *testing.T, st store.Store) {
	ctx := context.Background()
	parent := "root"
	require.NoError(t, st.BatchCreateSpans(ctx, []model.Span{
		NewSpan("t1", "root", nil),
		NewSpan("t1", "child", &parent),
		NewSpan("t2", "other", nil),
	}))

	tr, err := st.GetTrace(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tr.TraceID)
	assert.Len(t, tr.Spans, 2)

	_, err = st.GetTrace(ctx, "no-such-trace")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testScan(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.BatchCreateSpans(ctx, []model.Span{
		NewSpan("t1", "s1", nil),
		NewSpan("t2", "s1", nil),
		NewSpan("t3", "s1", nil),
	}))
	all, err := st.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testRoundTrip(t *testing.T, st store.Store) {
	ctx := context.Background()
	parent := "root"
	ended := time.Now().UTC().Truncate(time.Millisecond)
	span := model.Span{
		TraceID:      "t1",
		SpanID:       "s1",
		ParentSpanID: &parent,
		SpanType:     model.SpanTypeToolCall,
		Name:         "fetch-weather",
		StartedAt:    ended.Add(-250 * time.Millisecond),
		EndedAt:      &ended,
		Attributes:   map[string]any{"service": "tools", "attempts": float64(2)},
		Metadata:     map[string]any{"usage.tokens": float64(128)},
		Scope:        map[string]any{"project": "demo"},
		Input:        map[string]any{"city": "Osaka"},
		Output:       map[string]any{"temp_c": float64(21)},
		Error:        &model.SpanError{Message: "rate limited", Details: map[string]any{"code": "429"}},
	}
	created, err := st.CreateSpan(ctx, span)
	require.NoError(t, err)

	got, err := st.GetSpan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, span.TraceID, got.TraceID)
	assert.Equal(t, span.SpanID, got.SpanID)
	require.NotNil(t, got.ParentSpanID)
	assert.Equal(t, parent, *got.ParentSpanID)
	assert.Equal(t, span.SpanType, got.SpanType)
	assert.Equal(t, span.Name, got.Name)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))
	assert.Equal(t, span.Attributes, got.Attributes)
	assert.Equal(t, span.Metadata, got.Metadata)
	assert.Equal(t, span.Scope, got.Scope)
	assert.Equal(t, span.Input, toMap(t, got.Input))
	assert.Equal(t, span.Output, toMap(t, got.Output))
	require.NotNil(t, got.Error)
	assert.Equal(t, "rate limited", got.Error.Message)
	assert.Equal(t, span.Error.Details, got.Error.Details)
}

// toMap normalizes a free-form payload for comparison: SQL backends
// round-trip Input/Output through JSON, so the concrete type may be
// map[string]any either way.
func toMap(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected map payload, got %T", v)
	return m
}
