package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omnipost/beam/internal/attempt"
	"github.com/omnipost/beam/internal/audience"
	"github.com/omnipost/beam/internal/broadcast"
	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/compose"
	"github.com/omnipost/beam/internal/eligibility"
	"github.com/omnipost/beam/internal/preflight"
)

// CreateRequest is the request body for POST /broadcasts
type CreateRequest struct {
	WorkspaceID string               `json:"workspace_id"`
	Name        string               `json:"name"`
	Channel     string               `json:"channel"`
	Content     []compose.Block      `json:"content"`
	Filters     []audience.Predicate `json:"audience_filter"`
	IsTemplate  bool                 `json:"is_template"`
	ScheduleAt  string               `json:"schedule_at,omitempty"`
	TimeZone    string               `json:"time_zone,omitempty"`
}

// UpdateRequest is the request body for PATCH /broadcasts/{id}. Absent
// fields are left untouched.
type UpdateRequest struct {
	Name       *string               `json:"name,omitempty"`
	Content    *[]compose.Block      `json:"content,omitempty"`
	Filters    *[]audience.Predicate `json:"audience_filter,omitempty"`
	IsTemplate *bool                 `json:"is_template,omitempty"`
	ScheduleAt *string               `json:"schedule_at,omitempty"`
	TimeZone   *string               `json:"time_zone,omitempty"`
	Status     *string               `json:"status,omitempty"`
}

// PreviewRequest is the request body for POST /broadcasts/audience-preview
type PreviewRequest struct {
	WorkspaceID string               `json:"workspace_id"`
	Channel     string               `json:"channel"`
	Filters     []audience.Predicate `json:"audience_filter"`
	IsTemplate  bool                 `json:"is_template"`
}

// ReasonCount is one ineligibility bucket in a preview response.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
	Detail string `json:"detail"`
}

// PreviewResponse is the response for POST /broadcasts/audience-preview
type PreviewResponse struct {
	Total       int           `json:"total"`
	Eligible    int           `json:"eligible"`
	NotEligible int           `json:"not_eligible"`
	Reasons     []ReasonCount `json:"reasons"`
	Warnings    []string      `json:"warnings,omitempty"`
}

// BroadcastResponse wraps a broadcast with its optional preflight report.
type BroadcastResponse struct {
	Broadcast *broadcast.Broadcast `json:"broadcast"`
	Preflight *preflight.Report    `json:"preflight,omitempty"`
}

// AttemptsResponse is the response for GET /broadcasts/{id}/attempts
type AttemptsResponse struct {
	BroadcastID string             `json:"broadcast_id"`
	Attempts    []*attempt.Attempt `json:"attempts"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreate handles POST /api/v1/broadcasts
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkspaceID == "" {
		s.sendError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	ch, err := channel.Parse(req.Channel)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := audience.ValidateAll(req.Filters); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	b := &broadcast.Broadcast{
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		Channel:     ch,
		Content:     req.Content,
		Filters:     req.Filters,
		IsTemplate:  req.IsTemplate,
		TimeZone:    req.TimeZone,
	}

	if req.ScheduleAt != "" {
		at, err := broadcast.ParseScheduleAt(req.ScheduleAt, req.TimeZone)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		if at.Before(time.Now().UTC()) {
			s.sendError(w, http.StatusBadRequest, "schedule_at is in the past")
			return
		}
		b.ScheduleAt = &at
	}

	if err := s.repo.Create(r.Context(), b); err != nil {
		s.logger.Error("failed to create broadcast", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create broadcast")
		return
	}

	resp := BroadcastResponse{Broadcast: b}

	// A schedule supplied at creation activates immediately.
	if b.ScheduleAt != nil {
		report, err := s.activate(r, b)
		if err != nil {
			s.sendJSON(w, http.StatusUnprocessableEntity, BroadcastResponse{Broadcast: b, Preflight: report})
			return
		}
		resp.Preflight = report
	}

	s.logger.Info("broadcast created",
		"id", b.ID,
		"workspace_id", b.WorkspaceID,
		"channel", string(b.Channel),
		"status", string(b.Status),
	)
	s.sendJSON(w, http.StatusCreated, resp)
}

// activate runs preflight and transitions draft -> scheduled, arming the
// dispatcher. Returns the report in both outcomes.
func (s *Server) activate(r *http.Request, b *broadcast.Broadcast) (*preflight.Report, error) {
	report, err := s.checker.Validate(r.Context(), b)
	if err != nil {
		return nil, err
	}
	if !report.OK() {
		return report, errors.New("preflight failed")
	}

	b.AudienceEstimate = report.EligibleCount
	if err := s.repo.Update(r.Context(), b); err != nil {
		return report, err
	}
	if err := s.repo.UpdateStatusCAS(r.Context(), b.ID, broadcast.StatusDraft, broadcast.StatusScheduled); err != nil {
		return report, err
	}
	b.Status = broadcast.StatusScheduled
	s.sched.Schedule(b.ID, *b.ScheduleAt)
	return report, nil
}

// handleList handles GET /api/v1/broadcasts
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := broadcast.ListFilter{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		Channel:     r.URL.Query().Get("channel"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := broadcast.ParseStatus(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}

	list, err := s.repo.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list broadcasts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list broadcasts")
		return
	}
	if list == nil {
		list = []*broadcast.Broadcast{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleGet handles GET /api/v1/broadcasts/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, b)
}

// handleUpdate handles PATCH /api/v1/broadcasts/{id}
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	if !b.Status.Editable() {
		s.sendError(w, http.StatusConflict, fmt.Sprintf("broadcast is %s and cannot be edited", b.Status))
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Cancellation rides the PATCH surface as well as POST /cancel. No other
	// status is writable directly.
	if req.Status != nil {
		if *req.Status != string(broadcast.StatusCancelled) {
			s.sendError(w, http.StatusBadRequest, "status may only be set to cancelled")
			return
		}
		if err := s.sched.Cancel(r.Context(), b.ID); err != nil {
			s.writeRepoError(w, err, "failed to cancel broadcast")
			return
		}
		b.Status = broadcast.StatusCancelled
		s.sendJSON(w, http.StatusOK, b)
		return
	}

	if req.Name != nil {
		b.Name = *req.Name
	}
	if req.Content != nil {
		b.Content = *req.Content
	}
	if req.Filters != nil {
		if err := audience.ValidateAll(*req.Filters); err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		b.Filters = *req.Filters
	}
	if req.IsTemplate != nil {
		b.IsTemplate = *req.IsTemplate
	}
	if req.TimeZone != nil {
		b.TimeZone = *req.TimeZone
	}
	scheduleSet := false
	if req.ScheduleAt != nil {
		if *req.ScheduleAt == "" {
			b.ScheduleAt = nil
		} else {
			at, err := broadcast.ParseScheduleAt(*req.ScheduleAt, b.TimeZone)
			if err != nil {
				s.sendError(w, http.StatusBadRequest, err.Error())
				return
			}
			if at.Before(time.Now().UTC()) {
				s.sendError(w, http.StatusBadRequest, "schedule_at is in the past")
				return
			}
			b.ScheduleAt = &at
			scheduleSet = true
		}
	}

	if err := s.repo.Update(r.Context(), b); err != nil {
		s.writeRepoError(w, err, "failed to update broadcast")
		return
	}

	// Scheduling a draft activates it, same as supplying the schedule at
	// creation. Rescheduling an armed broadcast only needs the new instant
	// armed; the fire check reads the new time from the database.
	if scheduleSet && b.Status == broadcast.StatusDraft {
		report, err := s.activate(r, b)
		if err != nil {
			s.sendJSON(w, http.StatusUnprocessableEntity, BroadcastResponse{Broadcast: b, Preflight: report})
			return
		}
		s.sendJSON(w, http.StatusOK, BroadcastResponse{Broadcast: b, Preflight: report})
		return
	}
	if b.Status == broadcast.StatusScheduled && b.ScheduleAt != nil {
		s.sched.Schedule(b.ID, *b.ScheduleAt)
	}

	s.sendJSON(w, http.StatusOK, b)
}

// handleDelete handles DELETE /api/v1/broadcasts/{id}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	if err := s.repo.Delete(r.Context(), b.ID); err != nil {
		s.writeRepoError(w, err, "failed to delete broadcast")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePreflight handles POST /api/v1/broadcasts/{id}/preflight
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	report, err := s.checker.Validate(r.Context(), b)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

// handleSend handles POST /api/v1/broadcasts/{id}/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	if !b.Status.Editable() {
		s.sendError(w, http.StatusConflict, fmt.Sprintf("broadcast is %s and cannot be sent", b.Status))
		return
	}

	report, err := s.checker.Validate(r.Context(), b)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !report.OK() {
		s.sendJSON(w, http.StatusUnprocessableEntity, BroadcastResponse{Broadcast: b, Preflight: report})
		return
	}

	if err := s.sched.SendNow(r.Context(), b.ID); err != nil {
		s.writeRepoError(w, err, "failed to start delivery")
		return
	}
	b.Status = broadcast.StatusSending

	s.logger.Info("broadcast dispatched", "id", b.ID, "eligible", report.EligibleCount)
	s.sendJSON(w, http.StatusAccepted, BroadcastResponse{Broadcast: b, Preflight: report})
}

// handleCancel handles POST /api/v1/broadcasts/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	if err := s.sched.Cancel(r.Context(), b.ID); err != nil {
		s.writeRepoError(w, err, "failed to cancel broadcast")
		return
	}
	b.Status = broadcast.StatusCancelled
	s.sendJSON(w, http.StatusOK, b)
}

// handleAudiencePreview handles POST /api/v1/broadcasts/audience-preview
func (s *Server) handleAudiencePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkspaceID == "" {
		s.sendError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	ch, err := channel.Parse(req.Channel)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.checker.Preview(r.Context(), req.WorkspaceID, ch, req.Filters, req.IsTemplate)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := PreviewResponse{
		Total:       report.AudienceSize,
		Eligible:    report.EligibleCount,
		NotEligible: report.IneligibleCount,
		Reasons:     []ReasonCount{},
		Warnings:    report.Warnings,
	}
	for reason, count := range report.Reasons {
		resp.Reasons = append(resp.Reasons, ReasonCount{
			Reason: reason,
			Count:  count,
			Detail: eligibility.Reason(reason).Human(),
		})
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleAttempts handles GET /api/v1/broadcasts/{id}/attempts
func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBroadcast(w, r)
	if !ok {
		return
	}
	attempts, err := s.attempts.ListByBroadcast(b.ID)
	if err != nil {
		s.logger.Error("failed to list attempts", "broadcast_id", b.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []*attempt.Attempt{}
	}
	s.sendJSON(w, http.StatusOK, AttemptsResponse{BroadcastID: b.ID, Attempts: attempts})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// loadBroadcast resolves {id} and enforces workspace scoping. A request
// carrying X-Workspace-ID may only touch that workspace's broadcasts.
func (s *Server) loadBroadcast(w http.ResponseWriter, r *http.Request) (*broadcast.Broadcast, bool) {
	id := chi.URLParam(r, "id")
	b, err := s.repo.Get(r.Context(), id)
	if err != nil {
		s.writeRepoError(w, err, "failed to load broadcast")
		return nil, false
	}
	if ws := r.Header.Get("X-Workspace-ID"); ws != "" && ws != b.WorkspaceID {
		s.sendError(w, http.StatusForbidden, "broadcast belongs to another workspace")
		return nil, false
	}
	return b, true
}

func (s *Server) writeRepoError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, broadcast.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Broadcast not found")
	case errors.Is(err, broadcast.ErrConflict):
		s.sendError(w, http.StatusConflict, "Broadcast changed state, reload and retry")
	case errors.Is(err, broadcast.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(logMsg, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}
