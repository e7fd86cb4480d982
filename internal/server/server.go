// Package server is the operator/domain HTTP surface: enqueue and job
// status, DLQ actions, schedule triggers, presence queries, direct sends,
// the websocket endpoint, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/dlq"
	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/health"
	"github.com/you/pulse/internal/queue"
	"github.com/you/pulse/internal/realtime"
	"github.com/you/pulse/internal/scheduler"
	"github.com/you/pulse/internal/storage"
)

// Authenticator is the external identity check invoked at connection
// time. The core never issues credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (realtime.Identity, error)
}

type Server struct {
	registry  *queue.Registry
	store     storage.Store
	dlq       *dlq.Manager
	scheduler *scheduler.Scheduler
	hub       *realtime.Hub
	monitor   *health.Monitor
	auth      Authenticator
	upgrader  websocket.Upgrader
	log       *zap.Logger
}

func New(registry *queue.Registry, store storage.Store, dlqMgr *dlq.Manager, sched *scheduler.Scheduler, hub *realtime.Hub, monitor *health.Monitor, auth Authenticator, log *zap.Logger) *Server {
	return &Server{
		registry:  registry,
		store:     store,
		dlq:       dlqMgr,
		scheduler: sched,
		hub:       hub,
		monitor:   monitor,
		auth:      auth,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		log:       log.Named("http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/ws", s.handleWS)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Get("/dlq/{queue}", s.handleDLQList)
		r.Get("/dlq/{queue}/stats", s.handleDLQStats)
		r.Post("/dlq/{queue}/{id}/retry", s.handleDLQRetry)
		r.Post("/dlq/{queue}/{id}/ignore", s.handleDLQIgnore)

		r.Get("/schedules", s.handleSchedules)
		r.Post("/schedules/{name}/trigger", s.handleTrigger)

		r.Get("/presence", s.handlePresence)
		r.Get("/presence/{agentID}", s.handlePresenceAgent)
		r.Get("/rooms/{room}/agents", s.handleRoomAgents)

		r.Post("/rooms/{room}/send", s.handleSendRoom)
		r.Post("/agents/{agentID}/send", s.handleSendAgent)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, queue.ErrQueueNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyResolved):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type enqueueRequest struct {
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	DelaySec    int             `json:"delaySec,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Queue == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "queue and name are required"})
		return
	}
	var opts []queue.Opt
	if req.DelaySec > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelaySec)*time.Second))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(req.MaxAttempts))
	}
	id, err := s.registry.Enqueue(r.Context(), req.Queue, req.Name, req.Payload, opts...)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type jobResponse struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	RunAt       time.Time       `json:"runAt"`
	Status      domain.Status   `json:"status"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		ID: job.ID, Queue: job.Queue, Name: job.Name, Payload: job.Payload,
		Attempt: job.Attempt, MaxAttempts: job.MaxAttempts, RunAt: job.RunAt,
		Status: job.Status, Error: job.Error, CreatedAt: job.CreatedAt, UpdatedAt: job.UpdatedAt,
	})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.dlq.List(r.Context(), chi.URLParam(r, "queue"), 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dlq.Stats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetQueue string `json:"targetQueue"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	jobID, err := s.dlq.RetryJob(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "queue"), body.TargetQueue)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

func (s *Server) handleDLQIgnore(w http.ResponseWriter, r *http.Request) {
	if err := s.dlq.IgnoreJob(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "queue")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.scheduler.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.scheduler.TriggerJob(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.hub.Presence().OnlineAgents()})
}

func (s *Server) handlePresenceAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	p, ok := s.hub.Presence().Get(agentID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"agentId": agentID,
			"status":  domain.PresenceOffline,
			"online":  false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": p, "online": true})
}

func (s *Server) handleRoomAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.hub.AgentsInRoom(chi.URLParam(r, "room"))
	if agents == nil {
		agents = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

type sendRequest struct {
	Type  string          `json:"type"`
	Actor string          `json:"actor"`
	Data  json.RawMessage `json:"data"`
}

func (req sendRequest) envelope(visibility domain.Visibility) *domain.Envelope {
	return &domain.Envelope{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Visibility: visibility,
		Actor:      req.Actor,
		Data:       req.Data,
		Timestamp:  time.Now(),
	}
}

func (s *Server) handleSendRoom(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	room := chi.URLParam(r, "room")
	if err := s.hub.SendToRoom(r.Context(), room, req.envelope(realtime.RoomVisibility(room))); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"room": room})
}

func (s *Server) handleSendAgent(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if err := s.hub.SendToAgent(r.Context(), agentID, req.envelope(domain.VisibilityAgent)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"agent": agentID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.Snapshot(r.Context())
	status := http.StatusOK
	if report.Status == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.Snapshot(r.Context())
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	health.WriteMetrics(w, report)
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.ServeWS(ws, identity)
}
