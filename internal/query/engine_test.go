package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/store"
	"github.com/ashita-ai/oikake/internal/store/memory"
	"github.com/ashita-ai/oikake/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// seedTrace inserts a root span (created at t0+offset) plus children.
func seedTrace(t *testing.T, st store.Store, traceID string, offset time.Duration, root model.Span, children ...model.Span) {
	t.Helper()
	ctx := context.Background()

	root.TraceID = traceID
	root.SpanID = "root"
	if root.SpanType == "" {
		root.SpanType = model.SpanTypeAgentRun
	}
	root.StartedAt = t0.Add(offset)
	root.CreatedAt = t0.Add(offset)
	root.UpdatedAt = root.CreatedAt
	_, err := st.CreateSpan(ctx, root)
	require.NoError(t, err)

	parent := "root"
	for i, c := range children {
		c.TraceID = traceID
		if c.SpanID == "" {
			c.SpanID = "child-" + string(rune('a'+i))
		}
		c.ParentSpanID = &parent
		if c.SpanType == "" {
			c.SpanType = model.SpanTypeToolCall
		}
		c.StartedAt = t0.Add(offset + time.Second)
		c.CreatedAt = c.StartedAt
		c.UpdatedAt = c.CreatedAt
		_, err := st.CreateSpan(ctx, c)
		require.NoError(t, err)
	}
}

func newEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := memory.New()
	return New(st, testutil.TestLogger()), st
}

func TestListTracesPagination(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{Name: "run"})
	seedTrace(t, st, "t2", time.Minute, model.Span{Name: "run"})
	seedTrace(t, st, "t3", 2*time.Minute, model.Span{Name: "run"})

	page0, err := eng.ListTraces(context.Background(), model.TraceFilters{}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page0.Total)
	assert.True(t, page0.HasMore)
	require.Len(t, page0.Spans, 2)
	// Newest roots first.
	assert.Equal(t, "t3", page0.Spans[0].TraceID)
	assert.Equal(t, "t2", page0.Spans[1].TraceID)

	page1, err := eng.ListTraces(context.Background(), model.TraceFilters{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page1.Total)
	assert.False(t, page1.HasMore)
	require.Len(t, page1.Spans, 1)
	assert.Equal(t, "t1", page1.Spans[0].TraceID)

	empty, err := eng.ListTraces(context.Background(), model.TraceFilters{}, 5, 2)
	require.NoError(t, err)
	assert.Empty(t, empty.Spans)
	assert.Equal(t, 3, empty.Total)
	assert.False(t, empty.HasMore)
}

func TestListTracesCountsRootsNotSpans(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{Name: "run"},
		model.Span{Name: "step-1"}, model.Span{Name: "step-2"})

	page, err := eng.ListTraces(context.Background(), model.TraceFilters{}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total, "total counts matching roots, not spans")
	assert.Len(t, page.Spans, 3, "the page carries the root plus every child of its trace")
}

func TestListTracesHydratesNonMatchingChildren(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{Name: "checkout"},
		model.Span{Name: "unrelated-step"})
	seedTrace(t, st, "t2", time.Minute, model.Span{Name: "other-run"})

	name := "checkout"
	page, err := eng.ListTraces(context.Background(), model.TraceFilters{Name: &name}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Spans, 2, "a selected trace returns whole, child filter mismatch notwithstanding")

	names := []string{page.Spans[0].Name, page.Spans[1].Name}
	assert.Contains(t, names, "checkout")
	assert.Contains(t, names, "unrelated-step")
	for _, s := range page.Spans {
		assert.Equal(t, "t1", s.TraceID)
	}
}

func TestListTracesChildMatchNeverSelectsTrace(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{Name: "run"},
		model.Span{Name: "special-step"})

	name := "special-step"
	page, err := eng.ListTraces(context.Background(), model.TraceFilters{Name: &name}, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total, "filters apply to root spans only")
	assert.Empty(t, page.Spans)
}

func TestListTracesFilterCombination(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{
		Name:       "run",
		Scope:      map[string]any{"project": "alpha"},
		Attributes: map[string]any{"env": "prod"},
	})
	seedTrace(t, st, "t2", time.Minute, model.Span{
		Name:       "run",
		Scope:      map[string]any{"project": "alpha"},
		Attributes: map[string]any{"env": "dev"},
	})

	// Both filters must hold on the same root.
	page, err := eng.ListTraces(context.Background(), model.TraceFilters{
		Scope:      map[string]any{"project": "alpha"},
		Attributes: map[string]any{"env": "prod"},
	}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "t1", page.Spans[0].TraceID)
}

func TestListTracesStrictValueTyping(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{
		Name:       "run",
		Attributes: map[string]any{"retries": float64(1), "cached": true},
	})

	// A string never matches a number.
	page, err := eng.ListTraces(context.Background(), model.TraceFilters{
		Attributes: map[string]any{"retries": "1"},
	}, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	// Numbers compare numerically across Go widths: an int filter value
	// matches the float64 a JSON decoder produced.
	page, err = eng.ListTraces(context.Background(), model.TraceFilters{
		Attributes: map[string]any{"retries": 1},
	}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	// A bool never matches a number.
	page, err = eng.ListTraces(context.Background(), model.TraceFilters{
		Attributes: map[string]any{"cached": 1},
	}, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestListTracesErrorFields(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{
		Name: "run",
		Error: &model.SpanError{
			Message: "tool exploded",
			Details: map[string]any{"code": "E42"},
		},
	})
	seedTrace(t, st, "t2", time.Minute, model.Span{Name: "run"})

	page, err := eng.ListTraces(context.Background(), model.TraceFilters{
		ErrorFields: map[string]any{"message": "tool exploded"},
	}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "t1", page.Spans[0].TraceID)

	page, err = eng.ListTraces(context.Background(), model.TraceFilters{
		ErrorFields: map[string]any{"code": "E42"},
	}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestListTracesDateRange(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{Name: "run"})
	seedTrace(t, st, "t2", time.Hour, model.Span{Name: "run"})

	from := t0.Add(30 * time.Minute)
	page, err := eng.ListTraces(context.Background(), model.TraceFilters{From: &from}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "t2", page.Spans[0].TraceID)

	// Bounds are inclusive.
	exact := t0
	to := t0
	page, err = eng.ListTraces(context.Background(), model.TraceFilters{From: &exact, To: &to}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "t1", page.Spans[0].TraceID)
}

func TestListTracesInvalidFilters(t *testing.T) {
	eng, _ := newEngine(t)

	from := t0.Add(time.Hour)
	to := t0
	_, err := eng.ListTraces(context.Background(), model.TraceFilters{From: &from, To: &to}, 0, 10)
	var verr model.ValidationError
	require.ErrorAs(t, err, &verr)

	bad := model.SpanType("bogus")
	_, err = eng.ListTraces(context.Background(), model.TraceFilters{SpanType: &bad}, 0, 10)
	require.ErrorAs(t, err, &verr)
}

func TestListTracesDefaultPerPage(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{Name: "run"})

	page, err := eng.ListTraces(context.Background(), model.TraceFilters{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPerPage, page.PerPage)
}

func TestGetTrace(t *testing.T) {
	eng, st := newEngine(t)
	seedTrace(t, st, "t1", 0, model.Span{Name: "run"}, model.Span{Name: "step"})

	forest, err := eng.GetTrace(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, forest, 1)
	assert.Equal(t, "root", forest[0].SpanID)
	require.Len(t, forest[0].Children, 1)

	_, err = eng.GetTrace(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
