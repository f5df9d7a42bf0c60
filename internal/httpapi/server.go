// Package httpapi serves the read-only inspection endpoints: errored
// streams by fingerprint, event discovery after a cursor, health and
// metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sequent/internal/domain"
)

const defaultDiscoveryLimit = 100

type Store interface {
	StatusesByErrorHash(ctx context.Context, hash string) ([]domain.StreamStatus, error)
	EventNumberOf(ctx context.Context, id uuid.UUID) (int64, bool, error)
	LinkedEventsFrom(ctx context.Context, from int64, limit int) ([]domain.LinkedEvent, error)
	HighestEventNumber(ctx context.Context) (int64, error)
}

type Server struct {
	store Store
	log   *logrus.Entry
}

func NewServer(store Store, log *logrus.Logger) *Server {
	return &Server{store: store, log: log.WithField("component", "httpapi")}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/streams", s.handleStreamsByErrorHash)
	r.Get("/events-discovery", s.handleEventsDiscovery)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type streamStatusView struct {
	StreamID      string     `json:"streamId"`
	Source        string     `json:"source"`
	Component     string     `json:"component"`
	Position      int64      `json:"position"`
	ErrorID       *uuid.UUID `json:"errorId,omitempty"`
	ErrorPosition *int64     `json:"errorPosition,omitempty"`
	UpToDate      bool       `json:"upToDate"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type linkedEventView struct {
	ID                  string          `json:"id"`
	StreamID            string          `json:"streamId"`
	PositionInStream    int64           `json:"positionInStream"`
	Name                string          `json:"name"`
	EventNumber         int64           `json:"eventNumber"`
	PreviousEventNumber int64           `json:"previousEventNumber"`
	CreatedAt           time.Time       `json:"createdAt"`
	Metadata            json.RawMessage `json:"metadata"`
	Payload             json.RawMessage `json:"payload"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.HighestEventNumber(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "highestEventNumber": n})
}

func (s *Server) handleStreamsByErrorHash(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("errorHash")
	if hash == "" {
		s.writeBadRequest(w, "errorHash query parameter is required")
		return
	}
	statuses, err := s.store.StatusesByErrorHash(r.Context(), hash)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]streamStatusView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, streamStatusView{
			StreamID:      st.StreamID.String(),
			Source:        st.Source,
			Component:     st.Component,
			Position:      st.Position,
			ErrorID:       st.ErrorID,
			ErrorPosition: st.ErrorPosition,
			UpToDate:      st.UpToDate,
			UpdatedAt:     st.UpdatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEventsDiscovery(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("afterEventId")
	if raw == "" {
		s.writeBadRequest(w, "afterEventId query parameter is required")
		return
	}
	after, err := uuid.Parse(raw)
	if err != nil {
		s.writeBadRequest(w, "afterEventId must be a uuid")
		return
	}
	limit := defaultDiscoveryLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 1 {
			s.writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	from := int64(1)
	if n, ok, err := s.store.EventNumberOf(r.Context(), after); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	} else if ok {
		from = n + 1
	}
	events, err := s.store.LinkedEventsFrom(r.Context(), from, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]linkedEventView, 0, len(events))
	for _, e := range events {
		out = append(out, linkedEventView{
			ID:                  e.ID.String(),
			StreamID:            e.StreamID.String(),
			PositionInStream:    e.PositionInStream,
			Name:                e.Name,
			EventNumber:         e.EventNumber,
			PreviousEventNumber: e.PreviousEventNumber,
			CreatedAt:           e.CreatedAt,
			Metadata:            json.RawMessage(e.Metadata),
			Payload:             json.RawMessage(e.Payload),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("write response")
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.WithError(err).Error("request failed")
	// Do not leak internals to callers.
	s.writeJSON(w, status, map[string]string{"error": "internal error"})
}
