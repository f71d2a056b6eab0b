// Package server exposes research tasks over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/throw-if-null/deepresearch/internal/api"
	"github.com/throw-if-null/deepresearch/internal/logsink"
	"github.com/throw-if-null/deepresearch/internal/paths"
	"github.com/throw-if-null/deepresearch/internal/projector"
	"github.com/throw-if-null/deepresearch/internal/store"
	"github.com/throw-if-null/deepresearch/internal/task"
)

// maximum accepted submission body
const maxBodyBytes = 1 << 20

const maxLogPage = 1000

// Tasks accepts and cancels work; the orchestrator manager implements it.
type Tasks interface {
	Submit(ctx context.Context, q task.Query) (*task.Task, error)
	Cancel(ctx context.Context, id string) error
}

// Store is the read side the handlers query directly.
type Store interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts store.ListOptions) ([]*task.Task, error)
	ListLogs(ctx context.Context, taskID string, after int64, limit int) ([]task.LogEntry, error)
	CountLogs(ctx context.Context, taskID string) (int, error)
}

type Live interface {
	Subscribe(taskID string) *logsink.Subscription
}

type Server struct {
	store     Store
	tasks     Tasks
	live      Live
	projector *projector.Projector
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(s Store, tasks Tasks, live Live, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:     s,
		tasks:     tasks,
		live:      live,
		projector: projector.New(s),
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/research", s.handleSubmit)
	mux.HandleFunc("GET /v1/research", s.handleList)
	mux.HandleFunc("GET /v1/research/{task_id}", s.handleGet)
	mux.HandleFunc("GET /v1/research/{task_id}/status", s.handleStatus)
	mux.HandleFunc("POST /v1/research/{task_id}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /v1/research/{task_id}", s.handleCancel)
	mux.HandleFunc("GET /v1/research/{task_id}/logs", s.handleLogs)
	mux.HandleFunc("GET /v1/research/{task_id}/live", s.handleLive)
	mux.HandleFunc("GET /ws/{task_id}", s.handleLive)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// MonitoringPath is the live channel path for a task.
func MonitoringPath(id string) string {
	return "/v1/research/" + id + "/live"
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "")
		return
	}

	t, err := s.tasks.Submit(r.Context(), req.Query())
	if err != nil {
		s.fail(w, "submit", err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.SubmitResponse{
		TaskID:        t.ID,
		Status:        t.Status,
		Message:       "research task accepted",
		MonitoringURL: MonitoringPath(t.ID),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	st, err := s.projector.Status(r.Context(), id)
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts store.ListOptions
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("status"); v != "" {
		st, err := task.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "status")
			return
		}
		opts.Status = st
	}

	tasks, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.fail(w, "list", err)
		return
	}
	out := make([]projector.Status, 0, len(tasks))
	for _, t := range tasks {
		n, err := s.store.CountLogs(r.Context(), t.ID)
		if err != nil {
			s.fail(w, "list", err)
			return
		}
		out = append(out, projector.Project(t, n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.tasks.Cancel(r.Context(), id); err != nil {
		s.fail(w, "cancel", err)
		return
	}
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.CancelResponse{
		TaskID:          t.ID,
		Status:          t.Status,
		CancelRequested: t.CancelRequested,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid after", "after")
			return
		}
		after = n
	}
	limit := maxLogPage
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "limit")
			return
		}
		limit = min(n, maxLogPage)
	}

	// unknown task is a 404, not an empty page
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.fail(w, "logs", err)
		return
	}
	entries, err := s.store.ListLogs(r.Context(), id, after, limit)
	if err != nil {
		s.fail(w, "logs", err)
		return
	}
	next := after
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}
	if entries == nil {
		entries = []task.LogEntry{}
	}
	writeJSON(w, http.StatusOK, api.LogsResponse{TaskID: id, Entries: entries, Next: next})
}

func taskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("task_id")
	if err := paths.ValidateTaskID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task_id", "task_id")
		return "", false
	}
	return id, true
}

// fail maps err onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error(), verr.Field)
	case errors.Is(err, task.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, store.ErrTerminal):
		writeError(w, http.StatusConflict, "task already finished", "")
	default:
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to "+op, "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, field string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg, Field: field})
}
