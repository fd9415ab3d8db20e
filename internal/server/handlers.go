package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/oikake/internal/export"
	"github.com/ashita-ai/oikake/internal/model"
	"github.com/ashita-ai/oikake/internal/query"
	"github.com/ashita-ai/oikake/internal/store"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	store               store.Store
	engine              *query.Engine
	scheduler           *export.Scheduler
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps configures NewHandlers.
type HandlersDeps struct {
	Store               store.Store
	Engine              *query.Engine
	Scheduler           *export.Scheduler
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		store:               deps.Store,
		engine:              deps.Engine,
		scheduler:           deps.Scheduler,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "store unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok", "version": h.version})
}

// HandleSpanEvent handles POST /v1/spans/events: the ingestion entry
// point for span start and end events from the execution engine. The
// span is persisted (create-or-merge) and fed to the export scheduler.
func (h *Handlers) HandleSpanEvent(w http.ResponseWriter, r *http.Request) {
	var req model.SpanEventRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.EventType != model.SpanStarted && req.EventType != model.SpanEnded {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "event_type must be started or ended")
		return
	}
	if err := req.Span.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	span, err := h.persistEvent(r, req)
	if err != nil {
		h.writeInternalError(w, r, "failed to persist span event", err)
		return
	}

	h.scheduler.OnEvent(req.EventType, span)
	writeJSON(w, r, http.StatusAccepted, span)
}

// persistEvent upserts the event's span: merge into the stored record
// when it exists, create it otherwise. An end event for a span whose
// start was never observed creates the record already closed.
func (h *Handlers) persistEvent(r *http.Request, req model.SpanEventRequest) (model.Span, error) {
	id := model.SpanKey(req.Span.TraceID, req.Span.SpanID)
	existing, err := h.store.GetSpan(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.store.CreateSpan(r.Context(), req.Span)
		}
		return model.Span{}, err
	}
	merged := model.Merge(existing, req.Span)
	return h.store.CreateSpan(r.Context(), merged)
}

// HandleListTraces handles GET /v1/traces.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	filters, page, perPage, err := parseListParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	result, err := h.engine.ListTraces(r.Context(), filters, page, perPage)
	if err != nil {
		var verr model.ValidationError
		if errors.As(err, &verr) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error())
			return
		}
		h.writeInternalError(w, r, "failed to list traces", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleGetTrace handles GET /v1/traces/{trace_id}.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	roots, err := h.engine.GetTrace(r.Context(), traceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
			return
		}
		h.writeInternalError(w, r, "failed to get trace", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"trace_id": traceID, "roots": roots})
}

// HandleCreateSpan handles POST /v1/spans.
func (h *Handlers) HandleCreateSpan(w http.ResponseWriter, r *http.Request) {
	var span model.Span
	if err := decodeJSON(r, &span, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := span.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	created, err := h.store.CreateSpan(r.Context(), span)
	if err != nil {
		h.writeInternalError(w, r, "failed to create span", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetSpan handles GET /v1/spans/{id}.
func (h *Handlers) HandleGetSpan(w http.ResponseWriter, r *http.Request) {
	span, err := h.store.GetSpan(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "span not found")
			return
		}
		h.writeInternalError(w, r, "failed to get span", err)
		return
	}
	writeJSON(w, r, http.StatusOK, span)
}

// HandleUpdateSpan handles PATCH /v1/spans/{id}.
func (h *Handlers) HandleUpdateSpan(w http.ResponseWriter, r *http.Request) {
	var update model.SpanUpdate
	if err := decodeJSON(r, &update, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	span, err := h.store.UpdateSpan(r.Context(), r.PathValue("id"), update)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "span not found")
			return
		}
		h.writeInternalError(w, r, "failed to update span", err)
		return
	}
	writeJSON(w, r, http.StatusOK, span)
}

// HandleDeleteSpan handles DELETE /v1/spans/{id}. Deleting a missing
// span succeeds: delete is idempotent.
func (h *Handlers) HandleDeleteSpan(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSpan(r.Context(), r.PathValue("id")); err != nil {
		h.writeInternalError(w, r, "failed to delete span", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBatchCreate handles POST /v1/spans/batch.
func (h *Handlers) HandleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spans []model.Span `json:"spans"`
	}
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	for _, s := range req.Spans {
		if err := s.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if err := h.store.BatchCreateSpans(r.Context(), req.Spans); err != nil {
		h.writeInternalError(w, r, "failed to batch create spans", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"created": len(req.Spans)})
}

// HandleBatchUpdate handles POST /v1/spans/batch/update. Missing IDs
// are skipped, not failed.
func (h *Handlers) HandleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []model.BatchSpanUpdate `json:"updates"`
	}
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := h.store.BatchUpdateSpans(r.Context(), req.Updates); err != nil {
		h.writeInternalError(w, r, "failed to batch update spans", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"applied": len(req.Updates)})
}

// HandleBatchDelete handles POST /v1/spans/batch/delete.
func (h *Handlers) HandleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := h.store.BatchDeleteSpans(r.Context(), req.IDs); err != nil {
		h.writeInternalError(w, r, "failed to batch delete spans", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": len(req.IDs)})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseListParams(r *http.Request) (model.TraceFilters, int, int, error) {
	q := r.URL.Query()
	var filters model.TraceFilters

	if v := q.Get("name"); v != "" {
		filters.Name = &v
	}
	if v := q.Get("span_type"); v != "" {
		st := model.SpanType(v)
		filters.SpanType = &st
	}
	if v := q.Get("trace_id"); v != "" {
		filters.TraceID = &v
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return model.TraceFilters{}, 0, 0, model.ValidationError{Field: "from", Message: "must be RFC 3339"}
		}
		filters.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return model.TraceFilters{}, 0, 0, model.ValidationError{Field: "to", Message: "must be RFC 3339"}
		}
		filters.To = &t
	}

	page := 0
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return model.TraceFilters{}, 0, 0, model.ValidationError{Field: "page", Message: "must be a non-negative integer"}
		}
		page = n
	}
	perPage := 0
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return model.TraceFilters{}, 0, 0, model.ValidationError{Field: "per_page", Message: "must be a positive integer"}
		}
		perPage = n
	}
	return filters, page, perPage, nil
}
