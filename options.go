package oikake

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/oikake/internal/export/provider"
	"github.com/ashita-ai/oikake/internal/store"
)

// Exporter ships one assembled trace to a telemetry backend. Implement
// it to plug a custom backend into the pipeline via WithExporter.
type Exporter interface {
	Export(ctx context.Context, traceID string, roots []*TraceNode) error
	Name() string
}

// OTLPProviderConfig is the custom-endpoint OTLP/HTTP profile.
type OTLPProviderConfig struct {
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

// DatasetProviderConfig is the named vendor profile addressed by API
// key, region and dataset.
type DatasetProviderConfig struct {
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

// Option configures a Pipeline.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	store           store.Store
	exporter        provider.Exporter
	providerConfig  provider.Config
	flushDelay      time.Duration
	logger          *slog.Logger
	registerMetrics bool
}

// WithStore sets the durable span store. Defaults to an in-memory store.
func WithStore(st Store) Option {
	return func(o *resolvedOptions) { o.store = st }
}

// WithOTLPProvider exports completed traces to a custom OTLP/HTTP
// collector endpoint. Exactly one provider profile may be active.
func WithOTLPProvider(cfg OTLPProviderConfig) Option {
	return func(o *resolvedOptions) {
		o.providerConfig.OTLP = &provider.OTLPConfig{
			Endpoint:    cfg.Endpoint,
			Headers:     cfg.Headers,
			RetryMax:    cfg.RetryMax,
			Timeout:     cfg.Timeout,
			ServiceName: cfg.ServiceName,
		}
	}
}

// WithDatasetProvider exports completed traces to the dataset-profile
// vendor backend. Exactly one provider profile may be active.
func WithDatasetProvider(cfg DatasetProviderConfig) Option {
	return func(o *resolvedOptions) {
		o.providerConfig.Dataset = &provider.DatasetConfig{
			APIKey:   cfg.APIKey,
			Dataset:  cfg.Dataset,
			Region:   cfg.Region,
			BaseURL:  cfg.BaseURL,
			RetryMax: cfg.RetryMax,
			Timeout:  cfg.Timeout,
		}
	}
}

// WithExporter replaces the provider adapter entirely. Takes precedence
// over the profile options; mainly for tests and custom backends.
func WithExporter(exp Exporter) Option {
	return func(o *resolvedOptions) { o.exporter = exp }
}

// WithFlushDelay sets the window between a trace's root span closing
// and the trace being exported. Late descendant events arriving inside
// the window are included in the export.
func WithFlushDelay(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushDelay = d }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithMetrics registers OTEL gauges for buffer health. Call only after
// the global meter provider has been initialized.
func WithMetrics() Option {
	return func(o *resolvedOptions) { o.registerMetrics = true }
}
