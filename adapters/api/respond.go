package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/xpload/voicecore-events-go/core/es"
)

// Error kinds exposed on the wire. Stable strings, part of the API.
const (
	kindValidation          = "schema_validation"
	kindUnknownEventType    = "unknown_event_type"
	kindUnknownAggregate    = "unknown_aggregate_type"
	kindConcurrencyConflict = "concurrency_conflict"
	kindNotFound            = "not_found"
	kindStorageUnavailable  = "storage_unavailable"
	kindInternal            = "internal"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:          kind,
		Message:       message,
		CorrelationID: correlationFrom(r),
	}})
}

// writeServiceError maps the error taxonomy onto HTTP statuses. Storage and
// internal failures get a generic message; their detail carries driver text
// that stays in the server log, keyed by the correlation id.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, es.ErrConcurrencyConflict):
		writeError(w, r, http.StatusConflict, kindConcurrencyConflict, err.Error())
	case errors.Is(err, es.ErrUnknownEventType):
		writeError(w, r, http.StatusBadRequest, kindUnknownEventType, err.Error())
	case errors.Is(err, es.ErrUnknownAggregateType):
		writeError(w, r, http.StatusBadRequest, kindUnknownAggregate, err.Error())
	case errors.Is(err, es.ErrSchemaValidation):
		writeError(w, r, http.StatusBadRequest, kindValidation, err.Error())
	case errors.Is(err, es.ErrAggregateNotFound),
		errors.Is(err, es.ErrReadModelNotFound),
		errors.Is(err, es.ErrSnapshotNotFound):
		writeError(w, r, http.StatusNotFound, kindNotFound, err.Error())
	case errors.Is(err, es.ErrStorageUnavailable):
		s.logInternal(r, kindStorageUnavailable, err)
		writeError(w, r, http.StatusServiceUnavailable, kindStorageUnavailable, "storage unavailable, retry later")
	default:
		s.logInternal(r, kindInternal, err)
		writeError(w, r, http.StatusInternalServerError, kindInternal, "internal error")
	}
}

func (s *Server) logInternal(r *http.Request, kind string, err error) {
	s.log.Error("request failed",
		slog.String("kind", kind),
		slog.String("path", r.URL.Path),
		slog.String("correlation_id", correlationFrom(r)),
		slog.Any("error", err),
	)
}
