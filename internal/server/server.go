// Package server exposes the admin HTTP API: health and status probes,
// conversation inspection and mutation, and the prometheus metrics
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/inference"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/messaging"
)

// version is reported by the health and status endpoints.
const version = "1.0.0"

// DeadLetterStore is the broker transport's dead-letter queue, exposed
// so operators can inspect parked envelopes and retry them after a
// fix. Satisfied by messaging.DeadLetterQueue.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context, count int) ([]messaging.DeadLetter, error)
	Retry(ctx context.Context, dlqID string) error
	Delete(ctx context.Context, dlqID string) error
	Count(ctx context.Context) (int64, error)
}

// Server is the admin HTTP server. Conversation routes resolve ids
// through the registry and never create actors implicitly; only the
// create endpoint does.
type Server struct {
	cfg        *config.Config
	registry   *conversation.Registry
	router     *inference.Router
	hub        *channel.Hub
	dlq        DeadLetterStore
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse describes the running system.
type StatusResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	Uptime        string   `json:"uptime"`
	Adapters      []string `json:"adapters"`
	Engines       []string `json:"engines"`
	DefaultEngine string   `json:"default_engine"`
	Conversations int      `json:"conversations"`
	Timestamp     string   `json:"timestamp"`
}

// HistoryTurn is one dialogue turn in API form.
type HistoryTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// HistoryResponse carries a conversation's ordered turns.
type HistoryResponse struct {
	ID    channel.ConversationID `json:"id"`
	Turns []HistoryTurn          `json:"turns"`
}

// DeadLetterEntry is one parked broker envelope in API form.
type DeadLetterEntry struct {
	ID     string                 `json:"id"`
	Values map[string]interface{} `json:"values"`
	Error  string                 `json:"error"`
	DeadAt int64                  `json:"dead_at"`
}

// DLQResponse carries the dead-letter queue depth and its most recent
// entries, newest first.
type DLQResponse struct {
	Depth   int64             `json:"depth"`
	Letters []DeadLetterEntry `json:"letters"`
}

// New wires the admin API around the registry, inference router, and
// transport hub. dlq may be nil when the broker transport is disabled;
// the DLQ routes then answer 404.
func New(cfg *config.Config, reg *conversation.Registry, router *inference.Router, hub *channel.Hub, dlq DeadLetterStore) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		router:    router,
		hub:       hub,
		dlq:       dlq,
		startTime: time.Now(),
		logger:    logging.WithComponent("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/v1/status", s.statusHandler)
	mux.HandleFunc("/api/v1/conversations", s.createHandler)
	mux.HandleFunc("/api/v1/conversations/", s.conversationHandler)
	mux.HandleFunc("/api/v1/dlq", s.dlqListHandler)
	mux.HandleFunc("/api/v1/dlq/", s.dlqItemHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("admin server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   version,
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ids, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:        "healthy",
		Version:       version,
		Uptime:        time.Since(s.startTime).String(),
		Adapters:      s.hub.AdapterNames(),
		Engines:       s.router.Names(),
		DefaultEngine: s.router.Default(),
		Conversations: len(ids),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// createHandler handles POST /api/v1/conversations. The body may name
// an id; without one an unused random id is drawn.
func (s *Server) createHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID *channel.ConversationID `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	a, err := s.registry.FetchOrCreate(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	info, err := a.Snapshot(r.Context())
	if err != nil {
		s.actorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// conversationHandler dispatches /api/v1/conversations/{id}/{action}.
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	idPart, action, _ := strings.Cut(rest, "/")
	if idPart == "" {
		writeError(w, http.StatusBadRequest, "conversation id required")
		return
	}
	id, err := channel.ParseConversationID(idPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch action {
	case "history":
		s.historyHandler(w, r, id)
	case "clear":
		s.clearHandler(w, r, id)
	case "wake":
		s.wakeHandler(w, r, id)
	case "model":
		s.modelHandler(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown conversation route")
	}
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request, id channel.ConversationID) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a, ok := s.resolve(w, r, id)
	if !ok {
		return
	}
	turns, err := a.History(r.Context())
	if err != nil {
		s.actorError(w, err)
		return
	}
	out := make([]HistoryTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, HistoryTurn{Speaker: t.Speaker, Text: t.Text})
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ID: id, Turns: out})
}

func (s *Server) clearHandler(w http.ResponseWriter, r *http.Request, id channel.ConversationID) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a, ok := s.resolve(w, r, id)
	if !ok {
		return
	}
	if err := a.Clear(r.Context()); err != nil {
		s.actorError(w, err)
		return
	}
	s.logger.Info("context cleared", "conversation", id.String())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) wakeHandler(w http.ResponseWriter, r *http.Request, id channel.ConversationID) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Phrase string `json:"phrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	a, ok := s.resolve(w, r, id)
	if !ok {
		return
	}
	// An empty phrase is legal: it removes the engagement gate.
	if err := a.SetWakePhrase(r.Context(), req.Phrase); err != nil {
		s.actorError(w, err)
		return
	}
	s.logger.Info("wake phrase updated", "conversation", id.String())
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) modelHandler(w http.ResponseWriter, r *http.Request, id channel.ConversationID) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model required")
		return
	}
	a, ok := s.resolve(w, r, id)
	if !ok {
		return
	}
	if err := a.SetModel(r.Context(), req.Model); err != nil {
		s.actorError(w, err)
		return
	}
	s.logger.Info("model switched", "conversation", id.String(), "model", req.Model)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// dlqListHandler answers GET /api/v1/dlq with the queue depth and up to
// count parked envelopes (default 50).
func (s *Server) dlqListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.dlq == nil {
		writeError(w, http.StatusNotFound, "dead-letter queue unavailable: broker transport disabled")
		return
	}
	count := 50
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}
	depth, err := s.dlq.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	letters, err := s.dlq.DeadLetters(r.Context(), count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := DLQResponse{Depth: depth, Letters: make([]DeadLetterEntry, 0, len(letters))}
	for _, l := range letters {
		resp.Letters = append(resp.Letters, DeadLetterEntry{
			ID:     l.DLQID,
			Values: l.Values,
			Error:  l.Error,
			DeadAt: l.DeadAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// dlqItemHandler dispatches /api/v1/dlq/{id} and /api/v1/dlq/{id}/retry.
// DELETE on the id drops the envelope, POST on /retry re-enqueues it on
// the inbound stream.
func (s *Server) dlqItemHandler(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeError(w, http.StatusNotFound, "dead-letter queue unavailable: broker transport disabled")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/dlq/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "dead letter id required")
		return
	}
	switch {
	case action == "retry" && r.Method == http.MethodPost:
		if err := s.dlq.Retry(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Info("dead letter requeued", "id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
	case action == "" && r.Method == http.MethodDelete:
		if err := s.dlq.Delete(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Info("dead letter deleted", "id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// resolve looks the actor up without creating it. Reads and mutations
// on unknown ids answer 404.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request, id channel.ConversationID) (*conversation.Actor, bool) {
	a, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("conversation %s not found", id))
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return a, true
}

func (s *Server) actorError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrStopped) {
		writeError(w, http.StatusNotFound, "conversation stopped")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
