package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go-analysisqueue/intake"
	"go-analysisqueue/model"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// Submitter accepts tasks and reports whether a task is still pending.
type Submitter interface {
	Submit(ctx context.Context, req intake.Request) (intake.Accepted, error)
	Pending(ctx context.Context, taskID string) (bool, error)
}

// HistorySource lists the recorded outcomes of a task.
type HistorySource interface {
	History(ctx context.Context, taskID string) ([]model.TaskOutcome, error)
}

type Server struct {
	intake  Submitter
	history HistorySource
	logger  *slog.Logger
}

type errorResponse struct {
	Code           string   `json:"code"`
	Message        string   `json:"message"`
	DisplayMessage string   `json:"display_message,omitempty"`
	Field          string   `json:"field,omitempty"`
	Expected       []string `json:"expected,omitempty"`
}

type taskStatus struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// NewServer builds the HTTP server. history may be nil, in which case the
// history route is not registered.
func NewServer(addr string, submitter Submitter, history HistorySource, logger *slog.Logger) *http.Server {
	srv := &Server{
		intake:  submitter,
		history: history,
		logger:  logger.With("component", "api"),
	}
	return &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/tasks", s.postTask)
	r.Get("/tasks/{id}", s.getTask)
	if s.history != nil {
		r.Get("/tasks/{id}/history", s.getTaskHistory)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondJSON(w, r, http.StatusBadRequest, errorResponse{
			Code:           "MALFORMED_REQUEST",
			Message:        "request body is not valid JSON: " + err.Error(),
			DisplayMessage: "The request could not be read.",
		})
		return
	}

	accepted, err := s.intake.Submit(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, r, http.StatusAccepted, accepted)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pending, err := s.intake.Pending(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to look up task", "task_id", id, "error", err)
		s.respondJSON(w, r, http.StatusInternalServerError, errorResponse{
			Code:           "STORE_UNAVAILABLE",
			Message:        "failed to look up task",
			DisplayMessage: "The service is temporarily unavailable. Please try again later.",
		})
		return
	}
	if !pending {
		s.respondJSON(w, r, http.StatusNotFound, errorResponse{
			Code:    "TASK_NOT_FOUND",
			Message: "task is not pending",
		})
		return
	}

	s.respondJSON(w, r, http.StatusOK, taskStatus{TaskID: id, Status: model.StatusPending})
}

func (s *Server) getTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	outcomes, err := s.history.History(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load task history", "task_id", id, "error", err)
		s.respondJSON(w, r, http.StatusInternalServerError, errorResponse{
			Code:    "JOURNAL_UNAVAILABLE",
			Message: "failed to load task history",
		})
		return
	}
	if len(outcomes) == 0 {
		s.respondJSON(w, r, http.StatusNotFound, errorResponse{
			Code:    "TASK_NOT_FOUND",
			Message: "no recorded outcomes for task",
		})
		return
	}

	s.respondJSON(w, r, http.StatusOK, outcomes)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ie *intake.Error
	if !errors.As(err, &ie) {
		s.logger.Error("unexpected intake error", "error", err)
		s.respondJSON(w, r, http.StatusInternalServerError, errorResponse{
			Code:    "INTERNAL",
			Message: "internal error",
		})
		return
	}

	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("task submission failed", "code", ie.Code, "error", err)
	}
	s.respondJSON(w, r, status, errorResponse{
		Code:           ie.Code,
		Message:        ie.Message,
		DisplayMessage: ie.DisplayMessage,
		Field:          ie.Field,
		Expected:       ie.Expected,
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, intake.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, intake.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response",
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}
