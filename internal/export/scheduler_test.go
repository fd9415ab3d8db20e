package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/testutil"
)

// captureExporter records every exported trace for assertions.
type captureExporter struct {
	mu     sync.Mutex
	traces map[string][]*model.TraceNode
	err    error
}

func newCaptureExporter() *captureExporter {
	return &captureExporter{traces: make(map[string][]*model.TraceNode)}
}

func (c *captureExporter) Export(_ context.Context, traceID string, roots []*model.TraceNode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.traces[traceID] = roots
	return nil
}

func (c *captureExporter) Name() string { return "capture" }

func (c *captureExporter) get(traceID string) []*model.TraceNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traces[traceID]
}

func (c *captureExporter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.traces)
}

func startEvent(traceID, spanID string, parent string) model.Span {
	s := model.Span{
		TraceID:   traceID,
		SpanID:    spanID,
		SpanType:  model.SpanTypeToolCall,
		Name:      spanID,
		StartedAt: time.Now().UTC(),
	}
	if parent != "" {
		s.ParentSpanID = &parent
	}
	return s
}

func endEvent(traceID, spanID string, parent string) model.Span {
	s := startEvent(traceID, spanID, parent)
	end := s.StartedAt.Add(time.Millisecond)
	s.EndedAt = &end
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestExportAfterRootCompletes(t *testing.T) {
	exp := newCaptureExporter()
	sched := NewScheduler(exp, testutil.TestLogger(), 20*time.Millisecond)

	sched.OnEvent(model.SpanStarted, startEvent("t1", "root", ""))
	sched.OnEvent(model.SpanStarted, startEvent("t1", "child", "root"))
	sched.OnEvent(model.SpanEnded, endEvent("t1", "child", "root"))

	// Root still open, nothing may flush.
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, exp.count())
	assert.Equal(t, 1, sched.BufferedTraces())

	sched.OnEvent(model.SpanEnded, endEvent("t1", "root", ""))

	waitFor(t, func() bool { return exp.count() == 1 })
	roots := exp.get("t1")
	require.Len(t, roots, 1)
	assert.Equal(t, "root", roots[0].SpanID)
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, "child", roots[0].Children[0].SpanID)
	assert.Zero(t, sched.BufferedTraces())
}

func TestLateEventsJoinPendingFlush(t *testing.T) {
	exp := newCaptureExporter()
	sched := NewScheduler(exp, testutil.TestLogger(), 50*time.Millisecond)

	sched.OnEvent(model.SpanStarted, startEvent("t1", "root", ""))
	sched.OnEvent(model.SpanEnded, endEvent("t1", "root", ""))

	// The flush is already scheduled; a straggler arriving inside the
	// delay window still rides along.
	sched.OnEvent(model.SpanEnded, endEvent("t1", "late-child", "root"))

	waitFor(t, func() bool { return exp.count() == 1 })
	roots := exp.get("t1")
	require.Len(t, roots, 1)
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, "late-child", roots[0].Children[0].SpanID)
}

func TestStartThenEndMergeIntoOneSpan(t *testing.T) {
	exp := newCaptureExporter()
	sched := NewScheduler(exp, testutil.TestLogger(), 10*time.Millisecond)

	start := startEvent("t1", "root", "")
	start.Input = map[string]any{"question": "why"}
	sched.OnEvent(model.SpanStarted, start)

	end := endEvent("t1", "root", "")
	end.Output = map[string]any{"answer": "because"}
	sched.OnEvent(model.SpanEnded, end)

	waitFor(t, func() bool { return exp.count() == 1 })
	roots := exp.get("t1")
	require.Len(t, roots, 1, "start and end events for one span must merge, not duplicate")
	assert.Equal(t, map[string]any{"question": "why"}, roots[0].Input)
	assert.Equal(t, map[string]any{"answer": "because"}, roots[0].Output)
	assert.True(t, roots[0].Ended())
}

func TestTracesBufferIndependently(t *testing.T) {
	exp := newCaptureExporter()
	sched := NewScheduler(exp, testutil.TestLogger(), 20*time.Millisecond)

	sched.OnEvent(model.SpanStarted, startEvent("t1", "root", ""))
	sched.OnEvent(model.SpanStarted, startEvent("t2", "root", ""))
	sched.OnEvent(model.SpanEnded, endEvent("t1", "root", ""))

	waitFor(t, func() bool { return exp.count() == 1 })
	assert.NotNil(t, exp.get("t1"))
	assert.Nil(t, exp.get("t2"), "t2's open root must not be dragged out by t1's flush")
	assert.Equal(t, 1, sched.BufferedTraces())

	require.NoError(t, sched.Shutdown(context.Background()))
}

func TestShutdownDrainsIncompleteTraces(t *testing.T) {
	exp := newCaptureExporter()
	sched := NewScheduler(exp, testutil.TestLogger(), time.Hour)

	sched.OnEvent(model.SpanStarted, startEvent("t1", "root", ""))
	sched.OnEvent(model.SpanStarted, startEvent("t2", "root", ""))
	sched.OnEvent(model.SpanEnded, endEvent("t2", "root", ""))

	require.NoError(t, sched.Shutdown(context.Background()))
	assert.Equal(t, 2, exp.count(), "shutdown exports every buffered trace, complete or not")
	assert.Zero(t, sched.BufferedTraces())

	// Events after shutdown are ignored.
	sched.OnEvent(model.SpanStarted, startEvent("t3", "root", ""))
	assert.Zero(t, sched.BufferedTraces())

	// A second shutdown is a no-op.
	require.NoError(t, sched.Shutdown(context.Background()))
}

func TestExportFailureIsIsolated(t *testing.T) {
	exp := newCaptureExporter()
	exp.err = errors.New("provider unreachable")
	sched := NewScheduler(exp, testutil.TestLogger(), 10*time.Millisecond)

	sched.OnEvent(model.SpanEnded, endEvent("t1", "root", ""))

	waitFor(t, func() bool { return sched.ExportFailures() == 1 })
	assert.Zero(t, sched.BufferedTraces(), "a failed trace does not linger in the buffer")

	// The scheduler keeps working after a failure.
	exp.mu.Lock()
	exp.err = nil
	exp.mu.Unlock()
	sched.OnEvent(model.SpanEnded, endEvent("t2", "root", ""))
	waitFor(t, func() bool { return exp.count() == 1 })
}

func TestShutdownWaitsForTimerFiredExport(t *testing.T) {
	exp := newCaptureExporter()
	release := make(chan struct{})
	slow := &gatedExporter{inner: exp, release: release}
	sched := NewScheduler(slow, testutil.TestLogger(), time.Millisecond)

	sched.OnEvent(model.SpanEnded, endEvent("t1", "root", ""))

	// Let the flush timer fire and launch its export, which then blocks
	// on the gate. The entry is already out of the buffer by now, so
	// Shutdown's drain pass has nothing to flush; it must still wait for
	// the in-flight export instead of returning with it unfinished.
	waitFor(t, func() bool { return sched.BufferedTraces() == 0 })

	done := make(chan error, 1)
	go func() { done <- sched.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned while an export was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, exp.count())
}

// gatedExporter blocks each export until release is closed.
type gatedExporter struct {
	inner   *captureExporter
	release chan struct{}
}

func (g *gatedExporter) Export(ctx context.Context, traceID string, roots []*model.TraceNode) error {
	<-g.release
	return g.inner.Export(ctx, traceID, roots)
}

func (g *gatedExporter) Name() string { return "gated" }

func TestEventsWithoutIdentifiersDropped(t *testing.T) {
	exp := newCaptureExporter()
	sched := NewScheduler(exp, testutil.TestLogger(), 10*time.Millisecond)

	sched.OnEvent(model.SpanStarted, model.Span{SpanID: "s1"})
	sched.OnEvent(model.SpanStarted, model.Span{TraceID: "t1"})
	assert.Zero(t, sched.BufferedTraces())
}

func TestFlushDeadlineIsFixed(t *testing.T) {
	exp := newCaptureExporter()
	sched := NewScheduler(exp, testutil.TestLogger(), 60*time.Millisecond)

	sched.OnEvent(model.SpanEnded, endEvent("t1", "root", ""))

	// Keep feeding events; none of them may push the flush out.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			sched.OnEvent(model.SpanEnded, endEvent("t1", "child", "root"))
			time.Sleep(15 * time.Millisecond)
		}
	}()

	waitFor(t, func() bool { return exp.count() == 1 })
	<-done
}
