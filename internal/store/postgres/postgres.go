// Package postgres is a span store backed by PostgreSQL via pgxpool.
// Structured span fields live in jsonb columns; the schema is created
// on startup when missing.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS spans (
	id             TEXT PRIMARY KEY,
	trace_id       TEXT NOT NULL,
	span_id        TEXT NOT NULL,
	parent_span_id TEXT,
	span_type      TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ,
	ended_at       TIMESTAMPTZ,
	attributes     JSONB,
	metadata       JSONB,
	scope          JSONB,
	input          JSONB,
	output         JSONB,
	error          JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	seq            BIGINT GENERATED ALWAYS AS IDENTITY
);
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans (trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_created_at ON spans (created_at DESC);
`

const spanColumns = `id, trace_id, span_id, parent_span_id, span_type, name,
	started_at, ended_at, attributes, metadata, scope, input, output, error,
	created_at, updated_at`

// Store is a PostgreSQL-backed span store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store with a connection pool and ensures the schema.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, store.Backendf(store.CodeConn, "postgres parse DSN", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, store.Backendf(store.CodeConn, "postgres create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Backendf(store.CodeConn, "postgres ping", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, store.Backendf(store.CodeMigrate, "postgres ensure schema", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateSpan(ctx context.Context, span model.Span) (model.Span, error) {
	now := time.Now().UTC()
	if span.ID == "" {
		span.ID = model.SpanKey(span.TraceID, span.SpanID)
	}
	if span.CreatedAt.IsZero() {
		span.CreatedAt = now
	}
	if span.UpdatedAt.IsZero() {
		span.UpdatedAt = now
	}

	input, err := encodeAny(span.Input)
	if err != nil {
		return model.Span{}, store.Backendf(store.CodeEncode, "postgres create span", err)
	}
	output, err := encodeAny(span.Output)
	if err != nil {
		return model.Span{}, store.Backendf(store.CodeEncode, "postgres create span", err)
	}

	var started *time.Time
	if !span.StartedAt.IsZero() {
		started = &span.StartedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO spans (`+spanColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			span_id = EXCLUDED.span_id,
			parent_span_id = EXCLUDED.parent_span_id,
			span_type = EXCLUDED.span_type,
			name = EXCLUDED.name,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			attributes = EXCLUDED.attributes,
			metadata = EXCLUDED.metadata,
			scope = EXCLUDED.scope,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		span.ID, span.TraceID, span.SpanID, span.ParentSpanID, string(span.SpanType), span.Name,
		started, span.EndedAt, span.Attributes, span.Metadata, span.Scope,
		input, output, span.Error, span.CreatedAt, span.UpdatedAt,
	)
	if err != nil {
		return model.Span{}, store.Backendf(store.CodeIO, "postgres create span", err)
	}
	return span, nil
}

func (s *Store) GetSpan(ctx context.Context, id string) (model.Span, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+spanColumns+` FROM spans WHERE id = $1`, id)
	span, err := scanSpan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Span{}, store.ErrNotFound
		}
		return model.Span{}, store.Backendf(store.CodeDecode, "postgres get span", err)
	}
	return span, nil
}

func (s *Store) UpdateSpan(ctx context.Context, id string, update model.SpanUpdate) (model.Span, error) {
	span, err := s.GetSpan(ctx, id)
	if err != nil {
		return model.Span{}, err
	}
	update.Apply(&span, time.Now().UTC())
	return s.CreateSpan(ctx, span)
}

func (s *Store) DeleteSpan(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM spans WHERE id = $1`, id); err != nil {
		return store.Backendf(store.CodeIO, "postgres delete span", err)
	}
	return nil
}

func (s *Store) BatchCreateSpans(ctx context.Context, spans []model.Span) error {
	for _, span := range spans {
		if _, err := s.CreateSpan(ctx, span); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) BatchUpdateSpans(ctx context.Context, updates []model.BatchSpanUpdate) error {
	for _, u := range updates {
		if _, err := s.UpdateSpan(ctx, u.ID, u.Update); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // missing records are skipped in batch paths
			}
			return err
		}
	}
	return nil
}

func (s *Store) BatchDeleteSpans(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.DeleteSpan(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	spans, err := s.query(ctx,
		`SELECT `+spanColumns+` FROM spans WHERE trace_id = $1 ORDER BY seq`, traceID)
	if err != nil {
		return model.Trace{}, err
	}
	if len(spans) == 0 {
		return model.Trace{}, store.ErrNotFound
	}
	return model.Trace{TraceID: traceID, Spans: spans}, nil
}

func (s *Store) Scan(ctx context.Context) ([]model.Span, error) {
	return s.query(ctx, `SELECT `+spanColumns+` FROM spans ORDER BY seq`)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]model.Span, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, store.Backendf(store.CodeIO, "postgres query spans", err)
	}
	defer rows.Close()

	var out []model.Span
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, store.Backendf(store.CodeDecode, "postgres scan span", err)
		}
		out = append(out, span)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Backendf(store.CodeIO, "postgres query spans", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return store.Backendf(store.CodeConn, "postgres ping", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func scanSpan(row pgx.Row) (model.Span, error) {
	var (
		span          model.Span
		spanType      string
		started       *time.Time
		input, output []byte
	)
	err := row.Scan(
		&span.ID, &span.TraceID, &span.SpanID, &span.ParentSpanID, &spanType, &span.Name,
		&started, &span.EndedAt, &span.Attributes, &span.Metadata, &span.Scope,
		&input, &output, &span.Error, &span.CreatedAt, &span.UpdatedAt,
	)
	if err != nil {
		return model.Span{}, err
	}
	span.SpanType = model.SpanType(spanType)
	if started != nil {
		span.StartedAt = *started
	}
	if input != nil {
		if err := json.Unmarshal(input, &span.Input); err != nil {
			return model.Span{}, err
		}
	}
	if output != nil {
		if err := json.Unmarshal(output, &span.Output); err != nil {
			return model.Span{}, err
		}
	}
	return span, nil
}

func encodeAny(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
