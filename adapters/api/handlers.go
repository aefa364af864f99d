package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xpload/voicecore-events-go/core/es"
)

type storeEventRequest struct {
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	EventType        string          `json:"event_type"`
	EventVersion     int             `json:"event_version"`
	Payload          json.RawMessage `json:"payload"`
	Metadata         es.Metadata     `json:"metadata,omitempty"`
	CausationID      string          `json:"causation_id,omitempty"`
	ExpectedSequence *uint64         `json:"expected_sequence,omitempty"`
}

func (s *Server) handleStoreEvent(w http.ResponseWriter, r *http.Request) {
	var body storeEventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, kindValidation, "malformed request body: "+err.Error())
		return
	}
	if body.EventVersion == 0 {
		body.EventVersion = 1
	}

	ev, err := s.svc.Append(r.Context(), es.AppendRequest{
		TenantID:         tenantFrom(r),
		AggregateID:      body.AggregateID,
		AggregateType:    body.AggregateType,
		EventType:        body.EventType,
		EventVersion:     body.EventVersion,
		Payload:          body.Payload,
		Metadata:         body.Metadata,
		CausationID:      body.CausationID,
		CorrelationID:    correlationFrom(r),
		ExpectedSequence: body.ExpectedSequence,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleAggregateEvents(w http.ResponseWriter, r *http.Request) {
	aggregateID := chi.URLParam(r, "aggregateID")

	var opts []es.RangeOption
	if from, ok, err := queryUint(r, "from_sequence"); err != nil {
		writeError(w, r, http.StatusBadRequest, kindValidation, err.Error())
		return
	} else if ok {
		opts = append(opts, es.FromSequence(from))
	}
	if to, ok, err := queryUint(r, "to_sequence"); err != nil {
		writeError(w, r, http.StatusBadRequest, kindValidation, err.Error())
		return
	} else if ok {
		opts = append(opts, es.ToSequence(to))
	}

	events, err := es.CollectEvents(s.svc.Events(r.Context(), tenantFrom(r), aggregateID, opts...))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []es.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEventsByType(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "eventType")

	var opts []es.TimeRangeOption
	if since, ok, err := queryTime(r, "from_date"); err != nil {
		writeError(w, r, http.StatusBadRequest, kindValidation, err.Error())
		return
	} else if ok {
		opts = append(opts, es.RecordedSince(since))
	}
	if until, ok, err := queryTime(r, "to_date"); err != nil {
		writeError(w, r, http.StatusBadRequest, kindValidation, err.Error())
		return
	} else if ok {
		opts = append(opts, es.RecordedUntil(until))
	}

	events, err := es.CollectEvents(s.svc.EventsByType(r.Context(), tenantFrom(r), eventType, opts...))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []es.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAggregateState(w http.ResponseWriter, r *http.Request) {
	aggregateID := chi.URLParam(r, "aggregateID")
	aggregateType := r.URL.Query().Get("aggregate_type")
	if aggregateType == "" {
		writeError(w, r, http.StatusBadRequest, kindValidation, "missing aggregate_type query parameter")
		return
	}

	result, err := s.svc.State(r.Context(), tenantFrom(r), aggregateID, aggregateType)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if result.Sequence == 0 {
		writeError(w, r, http.StatusNotFound, kindNotFound, "aggregate has no events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aggregate_id":   aggregateID,
		"aggregate_type": aggregateType,
		"sequence":       result.Sequence,
		"from_snapshot":  result.FromSnapshot,
		"state":          result.State,
	})
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	aggregateID := chi.URLParam(r, "aggregateID")
	aggregateType := r.URL.Query().Get("aggregate_type")
	if aggregateType == "" {
		writeError(w, r, http.StatusBadRequest, kindValidation, "missing aggregate_type query parameter")
		return
	}

	through, err := s.svc.CreateSnapshot(r.Context(), tenantFrom(r), aggregateID, aggregateType)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if through == 0 {
		writeError(w, r, http.StatusNotFound, kindNotFound, "aggregate has no events")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"through_sequence": through})
}

func (s *Server) handleSetAnchor(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var body struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Ref == "" {
		writeError(w, r, http.StatusBadRequest, kindValidation, "body must carry a non-empty ref")
		return
	}

	if err := s.svc.SetExternalAnchorRef(r.Context(), tenantFrom(r), eventID, body.Ref); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetReadModel(w http.ResponseWriter, r *http.Request) {
	rm, err := s.svc.ReadModel(r.Context(), tenantFrom(r),
		chi.URLParam(r, "modelType"), chi.URLParam(r, "modelID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func (s *Server) handleListReadModels(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := queryPage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, kindValidation, err.Error())
		return
	}

	models, err := s.svc.ReadModels(r.Context(), tenantFrom(r), chi.URLParam(r, "modelType"), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if models == nil {
		models = []es.ReadModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"read_models": models})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := queryPage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, kindValidation, err.Error())
		return
	}

	letters, err := s.svc.DeadLetters(r.Context(), tenantFrom(r), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if letters == nil {
		letters = []es.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (s *Server) handleEventTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"event_types":     s.svc.EventTypes(),
		"aggregate_types": s.svc.AggregateTypes(),
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	var opts []es.StatsOption
	if aggType := r.URL.Query().Get("aggregate_type"); aggType != "" {
		opts = append(opts, es.StatsForAggregateType(aggType))
	}
	if since, ok, err := queryTime(r, "from_date"); err != nil {
		writeError(w, r, http.StatusBadRequest, kindValidation, err.Error())
		return
	} else if ok {
		opts = append(opts, es.StatsSince(since))
	}

	stats, err := s.svc.Statistics(r.Context(), tenantFrom(r), opts...)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryUint(r *http.Request, name string) (uint64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, errQuery(name)
	}
	return v, true, nil
}

func queryTime(r *http.Request, name string) (time.Time, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, errQuery(name)
	}
	return t, true, nil
}

func queryPage(r *http.Request) (limit, offset int, err error) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return 0, 0, errQuery("limit")
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errQuery("offset")
		}
	}
	return limit, offset, nil
}

type queryError string

func (e queryError) Error() string { return "invalid query parameter " + string(e) }

func errQuery(name string) error { return queryError(name) }
