package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/testutil"
)

func testTree() []*model.TraceNode {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Second)
	parent := "root"
	lat := 1000.0
	root := &model.TraceNode{
		Span: model.Span{
			TraceID:    "t1",
			SpanID:     "root",
			SpanType:   model.SpanTypeAgentRun,
			Name:       "run",
			StartedAt:  start,
			EndedAt:    &end,
			Attributes: map[string]any{"env": "prod"},
			Metadata:   map[string]any{"tokens": float64(42)},
		},
		LatencyMS: &lat,
	}
	root.Children = []*model.TraceNode{{
		Span: model.Span{
			TraceID:      "t1",
			SpanID:       "child",
			ParentSpanID: &parent,
			SpanType:     model.SpanTypeToolCall,
			Name:         "tool",
			StartedAt:    start,
			Error:        &model.SpanError{Message: "timeout"},
		},
	}}
	return []*model.TraceNode{root}
}

func TestOTLPExport(t *testing.T) {
	var captured *coltracepb.ExportTraceServiceRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/traces", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		captured = &coltracepb.ExportTraceServiceRequest{}
		require.NoError(t, protojson.Unmarshal(body, captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp, err := NewOTLP(OTLPConfig{
		Endpoint:    srv.URL,
		Headers:     map[string]string{"Authorization": "Bearer sekrit"},
		ServiceName: "oikake-test",
	}, testutil.TestLogger())
	require.NoError(t, err)

	require.NoError(t, exp.Export(context.Background(), "t1", testTree()))
	require.NotNil(t, captured)
	assert.Equal(t, "Bearer sekrit", gotAuth)

	require.Len(t, captured.ResourceSpans, 1)
	rs := captured.ResourceSpans[0]
	require.Len(t, rs.Resource.Attributes, 1)
	assert.Equal(t, "service.name", rs.Resource.Attributes[0].Key)
	assert.Equal(t, "oikake-test", rs.Resource.Attributes[0].Value.GetStringValue())

	require.Len(t, rs.ScopeSpans, 1)
	spans := rs.ScopeSpans[0].Spans
	require.Len(t, spans, 2, "the tree is flattened depth-first into the batch")

	byName := map[string]*tracepb.Span{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	root, child := byName["run"], byName["tool"]
	require.NotNil(t, root)
	require.NotNil(t, child)

	assert.Len(t, root.TraceId, 16)
	assert.Len(t, root.SpanId, 8)
	assert.Equal(t, root.TraceId, child.TraceId)
	assert.Equal(t, root.SpanId, child.ParentSpanId, "parent link survives the hash mapping")
	assert.Equal(t, tracepb.Status_STATUS_CODE_OK, root.Status.Code)
	assert.Equal(t, tracepb.Status_STATUS_CODE_ERROR, child.Status.Code)
	assert.Equal(t, "timeout", child.Status.Message)

	// An open span exports as zero-length rather than being dropped.
	assert.Equal(t, child.StartTimeUnixNano, child.EndTimeUnixNano)

	attrs := map[string]string{}
	for _, kv := range root.Attributes {
		attrs[kv.Key] = kv.Value.GetStringValue()
	}
	assert.Equal(t, "agent-run", attrs["oikake.span_type"])
	assert.Equal(t, "prod", attrs["env"])
	assert.Contains(t, attrs, "metadata.tokens")
}

func TestOTLPExportNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	exp, err := NewOTLP(OTLPConfig{Endpoint: srv.URL}, testutil.TestLogger())
	require.NoError(t, err)
	err = exp.Export(context.Background(), "t1", testTree())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestOTLPRequiresEndpoint(t *testing.T) {
	_, err := NewOTLP(OTLPConfig{}, testutil.TestLogger())
	require.Error(t, err)
}

func TestOTLPIDsAreDeterministic(t *testing.T) {
	assert.Equal(t, otlpTraceID("t1"), otlpTraceID("t1"))
	assert.NotEqual(t, otlpTraceID("t1"), otlpTraceID("t2"))
	// Span IDs are only trace-unique, so the trace ID participates.
	assert.NotEqual(t, otlpSpanID("t1", "s1"), otlpSpanID("t2", "s1"))
}
