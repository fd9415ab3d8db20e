// Package memory is an in-memory span store: a mutex-guarded map keyed
// by span ID with insertion order preserved for stable scans. Suitable
// for tests and single-process deployments without durability needs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/store"
)

// Store is an unbounded in-memory span store.
type Store struct {
	mu    sync.RWMutex
	spans map[string]model.Span
	order []string // span IDs in first-insertion order
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{spans: make(map[string]model.Span)}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateSpan(_ context.Context, span model.Span) (model.Span, error) {
	rec := span.Clone()
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = model.SpanKey(rec.TraceID, rec.SpanID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.spans[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.spans[rec.ID] = rec
	return rec.Clone(), nil
}

func (s *Store) GetSpan(_ context.Context, id string) (model.Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.spans[id]
	if !ok {
		return model.Span{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) UpdateSpan(_ context.Context, id string, update model.SpanUpdate) (model.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.spans[id]
	if !ok {
		return model.Span{}, store.ErrNotFound
	}
	update.Apply(&rec, time.Now().UTC())
	s.spans[id] = rec
	return rec.Clone(), nil
}

func (s *Store) DeleteSpan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
	return nil
}

func (s *Store) deleteLocked(id string) {
	if _, ok := s.spans[id]; !ok {
		return
	}
	delete(s.spans, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) BatchCreateSpans(ctx context.Context, spans []model.Span) error {
	for _, span := range spans {
		if _, err := s.CreateSpan(ctx, span); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) BatchUpdateSpans(_ context.Context, updates []model.BatchSpanUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, u := range updates {
		rec, ok := s.spans[u.ID]
		if !ok {
			continue // missing records are skipped in batch paths
		}
		u.Update.Apply(&rec, now)
		s.spans[u.ID] = rec
	}
	return nil
}

func (s *Store) BatchDeleteSpans(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.deleteLocked(id)
	}
	return nil
}

func (s *Store) GetTrace(_ context.Context, traceID string) (model.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr := model.Trace{TraceID: traceID}
	for _, id := range s.order {
		if rec := s.spans[id]; rec.TraceID == traceID {
			tr.Spans = append(tr.Spans, rec.Clone())
		}
	}
	if len(tr.Spans) == 0 {
		return model.Trace{}, store.ErrNotFound
	}
	return tr, nil
}

func (s *Store) Scan(_ context.Context) ([]model.Span, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Span, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.spans[id].Clone())
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close(context.Context) error { return nil }
