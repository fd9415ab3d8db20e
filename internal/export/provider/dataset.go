package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ashita-ai/oikake/internal/model"
)

// DatasetConfig is the named vendor profile: an event-store backend
// addressed by API key, region and dataset, taking one flat JSON event
// per span.
type DatasetConfig struct {
	APIKey  string
	Dataset string
	// Region selects the regional ingest host ("us" or "eu"). Ignored
	// when BaseURL is set.
	Region string
	// BaseURL overrides the regional host, mainly for tests.
	BaseURL  string
	RetryMax int
	Timeout  time.Duration
}

// DatasetExporter ships each span of a trace as one event in a batch
// POST to the vendor's regional ingest endpoint.
type DatasetExporter struct {
	cfg     DatasetConfig
	baseURL string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// NewDataset creates a dataset-profile exporter.
func NewDataset(cfg DatasetConfig, logger *slog.Logger) (*DatasetExporter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: dataset api key must not be empty")
	}
	if cfg.Dataset == "" {
		return nil, errors.New("provider: dataset name must not be empty")
	}
	base := cfg.BaseURL
	if base == "" {
		region := cfg.Region
		if region == "" {
			region = "us"
		}
		base = fmt.Sprintf("https://ingest.%s.oikake.dev", region)
	}
	return &DatasetExporter{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(base, "/"),
		client:  newHTTPClient(cfg.RetryMax, cfg.Timeout),
		logger:  logger,
	}, nil
}

func (e *DatasetExporter) Name() string { return "dataset" }

// datasetEvent is the wire shape of one span: a timestamp plus a flat
// field map.
type datasetEvent struct {
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data"`
}

func (e *DatasetExporter) Export(ctx context.Context, traceID string, roots []*model.TraceNode) error {
	var events []datasetEvent
	walk(roots, func(n *model.TraceNode) {
		events = append(events, datasetEvent{
			Time: n.StartedAt,
			Data: flattenSpan(n),
		})
	})

	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("provider: marshal dataset batch: %w", err)
	}

	endpoint := e.baseURL + "/1/batch/" + url.PathEscape(e.cfg.Dataset)
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provider: build dataset request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("provider: dataset export %s: %w", traceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider: dataset export %s: unexpected status %d", traceID, resp.StatusCode)
	}
	return nil
}

func flattenSpan(n *model.TraceNode) map[string]any {
	data := map[string]any{
		"name":           n.Name,
		"span_type":      string(n.SpanType),
		"trace.trace_id": n.TraceID,
		"trace.span_id":  n.SpanID,
	}
	if n.ParentSpanID != nil {
		data["trace.parent_id"] = *n.ParentSpanID
	}
	if n.LatencyMS != nil {
		data["duration_ms"] = *n.LatencyMS
	}
	for k, v := range n.Attributes {
		data[k] = v
	}
	for k, v := range n.Metadata {
		data["metadata."+k] = v
	}
	for k, v := range n.Scope {
		data["scope."+k] = v
	}
	if n.Error != nil {
		data["error"] = true
		data["error.message"] = n.Error.Message
	}
	return data
}
