package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ashita-ai/oikake/internal/model"
)

// OTLPConfig is the custom-endpoint OTLP profile: any collector that
// accepts OTLP/HTTP JSON on /v1/traces.
type OTLPConfig struct {
	// Endpoint is the collector base URL, e.g. "https://otel.example.com".
	Endpoint string
	// Headers are added to every export request (authorization etc.).
	Headers map[string]string
	// RetryMax is the HTTP retry count; zero means no retries.
	RetryMax int
	// Timeout bounds a single export call.
	Timeout time.Duration
	// ServiceName is reported as the OTLP resource service.name.
	ServiceName string
}

// OTLPExporter ships traces as OTLP/HTTP JSON.
type OTLPExporter struct {
	cfg    OTLPConfig
	client *retryablehttp.Client
	logger *slog.Logger
}

// NewOTLP creates an OTLP exporter for a custom collector endpoint.
func NewOTLP(cfg OTLPConfig, logger *slog.Logger) (*OTLPExporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("provider: otlp endpoint must not be empty")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "oikake"
	}
	return &OTLPExporter{
		cfg:    cfg,
		client: newHTTPClient(cfg.RetryMax, cfg.Timeout),
		logger: logger,
	}, nil
}

func (e *OTLPExporter) Name() string { return "otlp" }

func (e *OTLPExporter) Export(ctx context.Context, traceID string, roots []*model.TraceNode) error {
	var pbSpans []*tracepb.Span
	walk(roots, func(n *model.TraceNode) {
		pbSpans = append(pbSpans, toOTLPSpan(n.Span))
	})

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{{
					Key:   "service.name",
					Value: anyValue(e.cfg.ServiceName),
				}},
			},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "oikake"},
				Spans: pbSpans,
			}},
		}},
	}

	body, err := protojson.Marshal(req)
	if err != nil {
		return fmt.Errorf("provider: marshal otlp request: %w", err)
	}

	url := strings.TrimSuffix(e.cfg.Endpoint, "/") + "/v1/traces"
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provider: build otlp request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range e.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("provider: otlp export %s: %w", traceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider: otlp export %s: unexpected status %d", traceID, resp.StatusCode)
	}
	return nil
}

func toOTLPSpan(s model.Span) *tracepb.Span {
	pb := &tracepb.Span{
		TraceId:           otlpTraceID(s.TraceID),
		SpanId:            otlpSpanID(s.TraceID, s.SpanID),
		Name:              s.Name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: unixNano(s.StartedAt),
	}
	if s.ParentSpanID != nil && *s.ParentSpanID != "" {
		pb.ParentSpanId = otlpSpanID(s.TraceID, *s.ParentSpanID)
	}
	if s.EndedAt != nil {
		pb.EndTimeUnixNano = unixNano(*s.EndedAt)
	} else {
		// OTLP requires an end time; an open span exports as zero-length.
		pb.EndTimeUnixNano = pb.StartTimeUnixNano
	}

	pb.Attributes = append(pb.Attributes, &commonpb.KeyValue{
		Key: "oikake.span_type", Value: anyValue(string(s.SpanType)),
	})
	for k, v := range s.Attributes {
		pb.Attributes = append(pb.Attributes, &commonpb.KeyValue{Key: k, Value: anyValue(v)})
	}
	for k, v := range s.Metadata {
		pb.Attributes = append(pb.Attributes, &commonpb.KeyValue{Key: "metadata." + k, Value: anyValue(v)})
	}

	if s.Error != nil {
		pb.Status = &tracepb.Status{
			Code:    tracepb.Status_STATUS_CODE_ERROR,
			Message: s.Error.Message,
		}
	} else if s.EndedAt != nil {
		pb.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
	}
	return pb
}

// otlpTraceID derives a deterministic 16-byte OTLP trace ID from an
// opaque internal trace ID.
func otlpTraceID(traceID string) []byte {
	sum := sha256.Sum256([]byte(traceID))
	return sum[:16]
}

// otlpSpanID derives a deterministic 8-byte OTLP span ID. The trace ID
// participates because span IDs are only unique within a trace.
func otlpSpanID(traceID, spanID string) []byte {
	sum := sha256.Sum256([]byte(traceID + "-" + spanID))
	return sum[:8]
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func anyValue(v any) *commonpb.AnyValue {
	switch x := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: x}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: x}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(x)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: x}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: x}}
	case float32:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: float64(x)}}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("%v", v)}}
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: string(b)}}
	}
}
