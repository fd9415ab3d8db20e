// Package sqlite is a span store backed by an embedded SQLite database
// (modernc.org/sqlite, no cgo). Timestamps are stored as RFC 3339 text
// and structured fields as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

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
	started_at     TEXT NOT NULL DEFAULT '',
	ended_at       TEXT,
	attributes     TEXT,
	metadata       TEXT,
	scope          TEXT,
	input          TEXT,
	output         TEXT,
	error          TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans (trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_created_at ON spans (created_at);
`

const spanColumns = `id, trace_id, span_id, parent_span_id, span_type, name,
	started_at, ended_at, attributes, metadata, scope, input, output, error,
	created_at, updated_at`

// Store is a SQLite-backed span store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral store.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, store.Backendf(store.CodeConn, "sqlite open", err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// and keeps :memory: databases from silently splitting per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, store.Backendf(store.CodeConn, "sqlite ping", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, store.Backendf(store.CodeMigrate, "sqlite ensure schema", err)
	}
	return &Store{db: db, logger: logger}, nil
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

	args, err := encodeSpan(span)
	if err != nil {
		return model.Span{}, store.Backendf(store.CodeEncode, "sqlite create span", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spans (`+spanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			trace_id = excluded.trace_id,
			span_id = excluded.span_id,
			parent_span_id = excluded.parent_span_id,
			span_type = excluded.span_type,
			name = excluded.name,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			attributes = excluded.attributes,
			metadata = excluded.metadata,
			scope = excluded.scope,
			input = excluded.input,
			output = excluded.output,
			error = excluded.error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		args...)
	if err != nil {
		return model.Span{}, store.Backendf(store.CodeIO, "sqlite create span", err)
	}
	return span, nil
}

func (s *Store) GetSpan(ctx context.Context, id string) (model.Span, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+spanColumns+` FROM spans WHERE id = ?`, id)
	span, err := scanSpan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Span{}, store.ErrNotFound
		}
		return model.Span{}, store.Backendf(store.CodeDecode, "sqlite get span", err)
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spans WHERE id = ?`, id); err != nil {
		return store.Backendf(store.CodeIO, "sqlite delete span", err)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+spanColumns+` FROM spans WHERE trace_id = ? ORDER BY rowid`, traceID)
	if err != nil {
		return model.Trace{}, store.Backendf(store.CodeIO, "sqlite get trace", err)
	}
	defer rows.Close()

	tr := model.Trace{TraceID: traceID}
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return model.Trace{}, store.Backendf(store.CodeDecode, "sqlite scan trace span", err)
		}
		tr.Spans = append(tr.Spans, span)
	}
	if err := rows.Err(); err != nil {
		return model.Trace{}, store.Backendf(store.CodeIO, "sqlite get trace", err)
	}
	if len(tr.Spans) == 0 {
		return model.Trace{}, store.ErrNotFound
	}
	return tr, nil
}

func (s *Store) Scan(ctx context.Context) ([]model.Span, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+spanColumns+` FROM spans ORDER BY rowid`)
	if err != nil {
		return nil, store.Backendf(store.CodeIO, "sqlite scan", err)
	}
	defer rows.Close()

	var out []model.Span
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, store.Backendf(store.CodeDecode, "sqlite scan span", err)
		}
		out = append(out, span)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.Backendf(store.CodeConn, "sqlite ping", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// encodeSpan renders a span as the positional arguments for an insert,
// in spanColumns order.
func encodeSpan(span model.Span) ([]any, error) {
	attrs, err := encodeJSON(span.Attributes)
	if err != nil {
		return nil, err
	}
	meta, err := encodeJSON(span.Metadata)
	if err != nil {
		return nil, err
	}
	scope, err := encodeJSON(span.Scope)
	if err != nil {
		return nil, err
	}
	input, err := encodeAny(span.Input)
	if err != nil {
		return nil, err
	}
	output, err := encodeAny(span.Output)
	if err != nil {
		return nil, err
	}
	var spanErr sql.NullString
	if span.Error != nil {
		b, err := json.Marshal(span.Error)
		if err != nil {
			return nil, err
		}
		spanErr = sql.NullString{String: string(b), Valid: true}
	}

	var parent sql.NullString
	if span.ParentSpanID != nil {
		parent = sql.NullString{String: *span.ParentSpanID, Valid: true}
	}
	var ended sql.NullString
	if span.EndedAt != nil {
		ended = sql.NullString{String: encodeTime(*span.EndedAt), Valid: true}
	}
	var started string
	if !span.StartedAt.IsZero() {
		started = encodeTime(span.StartedAt)
	}

	return []any{
		span.ID, span.TraceID, span.SpanID, parent, string(span.SpanType), span.Name,
		started, ended, attrs, meta, scope, input, output, spanErr,
		encodeTime(span.CreatedAt), encodeTime(span.UpdatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (model.Span, error) {
	var (
		span                   model.Span
		spanType, started      string
		parent, ended          sql.NullString
		attrs, meta, scope     sql.NullString
		input, output, spanErr sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(
		&span.ID, &span.TraceID, &span.SpanID, &parent, &spanType, &span.Name,
		&started, &ended, &attrs, &meta, &scope, &input, &output, &spanErr,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return model.Span{}, err
	}

	span.SpanType = model.SpanType(spanType)
	if parent.Valid {
		span.ParentSpanID = &parent.String
	}
	if started != "" {
		if span.StartedAt, err = decodeTime(started); err != nil {
			return model.Span{}, err
		}
	}
	if ended.Valid {
		t, err := decodeTime(ended.String)
		if err != nil {
			return model.Span{}, err
		}
		span.EndedAt = &t
	}
	if span.CreatedAt, err = decodeTime(createdAt); err != nil {
		return model.Span{}, err
	}
	if span.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return model.Span{}, err
	}
	if err := decodeJSON(attrs, &span.Attributes); err != nil {
		return model.Span{}, err
	}
	if err := decodeJSON(meta, &span.Metadata); err != nil {
		return model.Span{}, err
	}
	if err := decodeJSON(scope, &span.Scope); err != nil {
		return model.Span{}, err
	}
	if input.Valid {
		if err := json.Unmarshal([]byte(input.String), &span.Input); err != nil {
			return model.Span{}, err
		}
	}
	if output.Valid {
		if err := json.Unmarshal([]byte(output.String), &span.Output); err != nil {
			return model.Span{}, err
		}
	}
	if spanErr.Valid {
		var e model.SpanError
		if err := json.Unmarshal([]byte(spanErr.String), &e); err != nil {
			return model.Span{}, err
		}
		span.Error = &e
	}
	return span, nil
}

func encodeJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func encodeAny(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(v sql.NullString, target *map[string]any) error {
	if !v.Valid {
		return nil
	}
	return json.Unmarshal([]byte(v.String), target)
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
