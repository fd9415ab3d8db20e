// Package provider ships assembled traces to external telemetry
// backends. Each exporter maps the internal span model onto one named
// backend profile's wire shape and performs the network call.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ashita-ai/oikake/internal/model"
)

// Exporter ships one assembled trace to a telemetry backend.
type Exporter interface {
	// Export serializes the trace forest and performs the network call.
	// A failed export returns an error; it is the caller's job to log
	// and move on (no retry beyond the adapter's own HTTP policy).
	Export(ctx context.Context, traceID string, roots []*model.TraceNode) error
	// Name identifies the backend profile, for logs.
	Name() string
}

// Config selects exactly one backend profile.
type Config struct {
	OTLP    *OTLPConfig
	Dataset *DatasetConfig
}

// New builds the exporter for the single active profile. A zero Config
// yields a no-op exporter.
func New(cfg Config, logger *slog.Logger) (Exporter, error) {
	switch {
	case cfg.OTLP != nil && cfg.Dataset != nil:
		return nil, errors.New("provider: more than one profile configured")
	case cfg.OTLP != nil:
		return NewOTLP(*cfg.OTLP, logger)
	case cfg.Dataset != nil:
		return NewDataset(*cfg.Dataset, logger)
	default:
		return Noop{}, nil
	}
}

// Noop discards every trace. Used when no provider is configured.
type Noop struct{}

func (Noop) Export(context.Context, string, []*model.TraceNode) error { return nil }

func (Noop) Name() string { return "noop" }

const defaultTimeout = 10 * time.Second

// newHTTPClient builds the shared HTTP client. RetryMax defaults to
// zero: the scheduler never retries a failed export, so retries are an
// opt-in extension point per profile.
func newHTTPClient(retryMax int, timeout time.Duration) *retryablehttp.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.Logger = nil
	client.HTTPClient.Timeout = timeout
	return client
}

// walk flattens a trace forest depth-first, parents before children.
func walk(roots []*model.TraceNode, visit func(*model.TraceNode)) {
	for _, n := range roots {
		visit(n)
		walk(n.Children, visit)
	}
}
