package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/mail"
	"email-triage/internal/workers"
)

// listLimit bounds list endpoints.
const listLimit = 200

// Server is the review API: it surfaces the suggestion queue, failed
// classifications, and waiting-for items, and accepts the user's
// approve/reject decisions.
type Server struct {
	db     *database.DB
	mail   mail.Client
	cfg    *config.Manager
	engine *workers.Engine
	digest *workers.DigestGenerator
	logger *slog.Logger
	http   *http.Server
}

// New wires a review server listening on addr.
func New(addr string, db *database.DB, mailClient mail.Client, cfg *config.Manager,
	engine *workers.Engine, digest *workers.DigestGenerator, logger *slog.Logger) *Server {

	s := &Server{
		db:     db,
		mail:   mailClient,
		cfg:    cfg,
		engine: engine,
		digest: digest,
		logger: logger,
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/suggestions", s.handleListSuggestions)
		r.Post("/suggestions/{id}/approve", s.handleApprove)
		r.Post("/suggestions/{id}/reject", s.handleReject)
		r.Get("/emails/failed", s.handleFailedEmails)
		r.Get("/waiting-for", s.handleWaitingFor)
		r.Get("/digest/preview", s.handleDigestPreview)
	})
	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Review server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.db.IsHealthy(); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"engine": s.engine.Stats(),
	})
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = database.SuggestionPending
	}

	suggestions, err := s.db.Suggestions.ListByStatus(status, listLimit)
	if err != nil {
		s.serverError(w, "failed to list suggestions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"count":       len(suggestions),
		"suggestions": suggestions,
	})
}

// approveRequest optionally overrides the suggested triple; a partial
// override resolves the suggestion as partial rather than approved.
type approveRequest struct {
	Folder     string `json:"folder"`
	Priority   string `json:"priority"`
	ActionType string `json:"action_type"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid suggestion id")
		return
	}

	suggestion, err := s.db.Suggestions.GetByID(id)
	if err != nil {
		s.serverError(w, "failed to load suggestion", err)
		return
	}
	if suggestion == nil {
		writeError(w, http.StatusNotFound, "suggestion not found")
		return
	}

	var override *database.SuggestedAction
	if r.ContentLength > 0 {
		var body approveRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Folder != "" || body.Priority != "" || body.ActionType != "" {
			action := suggestion.Suggested
			if body.Folder != "" {
				action.Folder = body.Folder
			}
			if body.Priority != "" {
				action.Priority = body.Priority
			}
			if body.ActionType != "" {
				action.ActionType = body.ActionType
			}
			override = &action
		}
	}

	ok, err := s.db.Suggestions.Approve(id, override)
	if err != nil {
		s.serverError(w, "failed to approve suggestion", err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "suggestion is no longer pending")
		return
	}

	applied := suggestion.Suggested
	if override != nil {
		applied = *override
	}
	if applied.ActionType == database.ActionWaitingFor {
		workers.TrackWaitingFor(s.db, suggestion.EmailID, s.cfg.Get(), s.logger)
	}
	s.applyMove(r.Context(), suggestion.EmailID, applied.Folder)

	updated, err := s.db.Suggestions.GetByID(id)
	if err != nil {
		s.serverError(w, "failed to reload suggestion", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// applyMove carries an approval through to the mailbox. A move failure
// does not undo the approval; the decision is the user's and the move
// can be retried manually.
func (s *Server) applyMove(ctx context.Context, emailID, folder string) {
	folderID, err := s.mail.GetFolderID(ctx, folder)
	if err != nil {
		s.logger.Error("Failed to resolve folder for approved move",
			"email_id", emailID, "folder", folder, "error", err)
		return
	}
	results, err := s.mail.BatchMove(ctx, []mail.Move{{MessageID: emailID, DestinationFolderID: folderID}})
	if err != nil || (len(results) > 0 && results[0].Err != nil) {
		if err == nil {
			err = results[0].Err
		}
		s.logger.Error("Approved move failed", "email_id", emailID, "folder", folder, "error", err)
		return
	}
	if len(results) > 0 && results[0].NewID != "" {
		if err := s.db.UpdateEmailID(emailID, results[0].NewID); err != nil {
			s.logger.Error("Failed to record post-move email id", "email_id", emailID, "error", err)
		} else {
			emailID = results[0].NewID
		}
	}
	if err := s.db.Emails.SetCurrentFolder(emailID, folder); err != nil {
		s.logger.Warn("Failed to record new folder", "email_id", emailID, "error", err)
	}
	if err := s.db.Audit.LogAction(&database.ActionLog{
		Timestamp:   time.Now(),
		EmailID:     emailID,
		Action:      "move",
		Detail:      folder,
		TriggeredBy: "user",
	}); err != nil {
		s.logger.Warn("Failed to record action log", "email_id", emailID, "error", err)
	}
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid suggestion id")
		return
	}

	ok, err := s.db.Suggestions.Reject(id)
	if err != nil {
		s.serverError(w, "failed to reject suggestion", err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "suggestion is no longer pending")
		return
	}

	updated, err := s.db.Suggestions.GetByID(id)
	if err != nil {
		s.serverError(w, "failed to reload suggestion", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleFailedEmails(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	failed, err := s.db.Emails.GetFailed(cfg.Triage.MaxAttempts)
	if err != nil {
		s.serverError(w, "failed to list failed emails", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(failed),
		"emails": failed,
	})
}

func (s *Server) handleWaitingFor(w http.ResponseWriter, r *http.Request) {
	active, err := s.db.WaitingFor.GetActive()
	if err != nil {
		s.serverError(w, "failed to list waiting-for items", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(active),
		"items": active,
	})
}

func (s *Server) handleDigestPreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.digest.Preview(s.cfg.Get())
	if err != nil {
		s.serverError(w, "failed to build digest preview", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"digest": preview})
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":"encoding failure"}`)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
