package api

import (
	"net/http"
	"strings"

	"munymo/internal/game"
	"munymo/internal/notify"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleAdminGenerate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Date string `json:"date"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := game.ParseDate(in.Date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	g, err := s.game.GenerateGame(r.Context(), date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleAdminLock(w http.ResponseWriter, r *http.Request) {
	id, err := gameIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := s.game.LockGame(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleAdminSettle(w http.ResponseWriter, r *http.Request) {
	id, err := gameIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	force := r.URL.Query().Get("force") == "true"
	g, err := s.game.SettleGame(r.Context(), id, force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleAdminVoid(w http.ResponseWriter, r *http.Request) {
	id, err := gameIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	g, err := s.game.VoidGame(r.Context(), id, strings.TrimSpace(in.Reason))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleAdminRefreshMunyIQ(w http.ResponseWriter, r *http.Request) {
	n, err := s.game.RefreshAllMunyIQ(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": n})
}

// handleAdminNotify sends to the listed users, or to every device when the
// list is empty.
func (s *Server) handleAdminNotify(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	var in struct {
		Title   string            `json:"title"`
		Body    string            `json:"body"`
		Data    map[string]string `json:"data"`
		UserIDs []string          `json:"user_ids"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Body) == "" {
		writeError(w, http.StatusBadRequest, "title and body are required")
		return
	}
	msg := notify.Message{Kind: "announcement", Title: in.Title, Body: in.Body, Data: in.Data}

	var (
		report notify.Report
		err    error
	)
	if len(in.UserIDs) > 0 {
		report, err = s.devices.SendToUsers(r.Context(), in.UserIDs, msg)
	} else {
		report, err = s.devices.Broadcast(r.Context(), msg)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAdminJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	jobs, err := s.jobs.Jobs(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleAdminUpdateJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	var in struct {
		RunAt   *string `json:"run_at"`
		Enabled *bool   `json:"enabled"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.RunAt == nil && in.Enabled == nil {
		writeError(w, http.StatusBadRequest, "run_at or enabled is required")
		return
	}
	job, err := s.jobs.UpdateJob(r.Context(), chi.URLParam(r, "name"), in.RunAt, in.Enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAdminRunJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.jobs.RunNow(r.Context(), name); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": name})
}
