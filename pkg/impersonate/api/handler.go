// Package api exposes the impersonation service over HTTP. Every route expects
// a verified JWT in the request context; its "sub" claim is the calling operator.
package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/jinzhu/copier"
	"github.com/tendant/simple-impersonate/pkg/admission"
	"github.com/tendant/simple-impersonate/pkg/errors"
	"github.com/tendant/simple-impersonate/pkg/impersonate"
)

// Handle serves the impersonation API
type Handle struct {
	service *impersonate.Service
	now     func() time.Time
}

// NewHandle creates a new impersonation API handler
func NewHandle(service *impersonate.Service) *Handle {
	return &Handle{
		service: service,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns a http.Handler for the impersonation API
func Handler(h *Handle) http.Handler {
	r := chi.NewRouter()

	r.Post("/admission/check", h.CheckAdmission)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.BeginSession)
		r.Delete("/{id}", h.EndSession)
		r.Get("/{id}/duration", h.CheckDuration)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/sessions/{id}/terminate", h.TerminateSession)
		r.Get("/stats", h.GetStats)
		r.Get("/violations", h.ListViolations)
		r.Delete("/violations", h.ClearViolations)
		r.Post("/cleanup", h.Cleanup)
		r.Post("/reset", h.Reset)
	})

	return r
}

// CheckAdmission handles POST /admission/check
func (h *Handle) CheckAdmission(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := operatorFromContext(w, r)
	if !ok {
		return
	}
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, errors.InvalidInput("body", "unable to parse body"))
		return
	}

	override, err := toLimits(req.Limits)
	if err != nil {
		renderError(w, r, err)
		return
	}
	decision, err := h.service.Check(r.Context(), req.TenantID, operatorID, override)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toDecisionResponse(decision))
}

// BeginSession handles POST /sessions. A denial is answered with 429 and Retry-After.
func (h *Handle) BeginSession(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := operatorFromContext(w, r)
	if !ok {
		return
	}
	var req BeginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, errors.InvalidInput("body", "unable to parse body"))
		return
	}
	override, err := toLimits(req.Limits)
	if err != nil {
		renderError(w, r, err)
		return
	}

	decision, session, err := h.service.Begin(r.Context(), impersonate.BeginRequest{
		TenantID:        req.TenantID,
		OperatorID:      operatorID,
		TargetUserID:    req.TargetUserID,
		DurationMinutes: req.DurationMinutes,
		Override:        override,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}

	resp := BeginResponse{Decision: toDecisionResponse(decision)}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.ResetAt, h.now())))
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, resp)
		return
	}

	sessionResp, err := h.toSessionResponse(*session)
	if err != nil {
		renderError(w, r, err)
		return
	}
	resp.Session = &sessionResp
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// ListSessions handles GET /sessions?tenant_id=&operator_id=
func (h *Handle) ListSessions(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := operatorFromContext(w, r)
	if !ok {
		return
	}
	tenantID, target := targetFromQuery(r, operatorID)

	sessions, err := h.service.ActiveSessions(r.Context(), tenantID, target)
	if err != nil {
		renderError(w, r, err)
		return
	}
	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		sessionResp, err := h.toSessionResponse(s)
		if err != nil {
			renderError(w, r, err)
			return
		}
		resp = append(resp, sessionResp)
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// EndSession handles DELETE /sessions/{id}?tenant_id=
func (h *Handle) EndSession(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := operatorFromContext(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "id")
	tenantID := r.URL.Query().Get("tenant_id")

	minutes, err := h.service.End(r.Context(), sessionID, tenantID, operatorID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, EndResponse{SessionID: sessionID, DurationMinutes: minutes})
}

// CheckDuration handles GET /sessions/{id}/duration?max_minutes=
func (h *Handle) CheckDuration(w http.ResponseWriter, r *http.Request) {
	if _, ok := operatorFromContext(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "id")
	maxMinutes := 0
	if raw := r.URL.Query().Get("max_minutes"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			renderError(w, r, errors.InvalidInput("max_minutes", "must be an integer"))
			return
		}
		maxMinutes = v
	}

	exceeded, err := h.service.DurationExceeded(r.Context(), sessionID, maxMinutes)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, DurationResponse{SessionID: sessionID, Exceeded: exceeded})
}

// TerminateSession handles POST /admin/sessions/{id}/terminate?tenant_id=
func (h *Handle) TerminateSession(w http.ResponseWriter, r *http.Request) {
	adminID, ok := operatorFromContext(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "id")
	tenantID := r.URL.Query().Get("tenant_id")

	terminated, err := h.service.Terminate(r.Context(), sessionID, tenantID, adminID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if !terminated {
		renderError(w, r, errors.NotFound("session", sessionID))
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ResultResponse{Status: "success", Message: "Session terminated", Success: true})
}

// GetStats handles GET /admin/stats?tenant_id=&operator_id=
func (h *Handle) GetStats(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := operatorFromContext(w, r)
	if !ok {
		return
	}
	tenantID, target := targetFromQuery(r, operatorID)

	stats, err := h.service.Stats(r.Context(), tenantID, target, admission.Limits{})
	if err != nil {
		renderError(w, r, err)
		return
	}
	var resp StatsResponse
	if err := copier.Copy(&resp, &stats); err != nil {
		renderError(w, r, errors.Wrap(err, errors.ErrCodeInternal, "failed to map stats"))
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// ListViolations handles GET /admin/violations?tenant_id=&operator_id=
func (h *Handle) ListViolations(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := operatorFromContext(w, r)
	if !ok {
		return
	}
	tenantID, target := targetFromQuery(r, operatorID)

	violations, err := h.service.Violations(r.Context(), tenantID, target)
	if err != nil {
		renderError(w, r, err)
		return
	}
	resp := make([]ViolationResponse, 0, len(violations))
	for _, v := range violations {
		resp = append(resp, ViolationResponse{
			ID:         v.ID,
			OperatorID: v.OperatorID,
			TenantID:   v.TenantID,
			LimitType:  string(v.LimitType),
			Severity:   string(v.Severity),
			ViolatedAt: v.ViolatedAt,
		})
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// ClearViolations handles DELETE /admin/violations?tenant_id=&operator_id=
func (h *Handle) ClearViolations(w http.ResponseWriter, r *http.Request) {
	adminID, ok := operatorFromContext(w, r)
	if !ok {
		return
	}
	tenantID, target := targetFromQuery(r, adminID)

	cleared, err := h.service.ClearViolations(r.Context(), tenantID, target, adminID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ResultResponse{Status: "success", Message: "Violations cleared", Success: cleared})
}

// Cleanup handles POST /admin/cleanup
func (h *Handle) Cleanup(w http.ResponseWriter, r *http.Request) {
	if _, ok := operatorFromContext(w, r); !ok {
		return
	}
	removed, err := h.service.Cleanup(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ResultResponse{Status: "success", Message: "Expired sessions removed", Success: true, Count: removed})
}

// Reset handles POST /admin/reset
func (h *Handle) Reset(w http.ResponseWriter, r *http.Request) {
	adminID, ok := operatorFromContext(w, r)
	if !ok {
		return
	}
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, errors.InvalidInput("body", "unable to parse body"))
		return
	}

	reset, err := h.service.Reset(r.Context(), req.TenantID, req.OperatorID, adminID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ResultResponse{Status: "success", Message: "Rate limits reset", Success: reset})
}

// operatorFromContext returns the token subject, or writes 401 and false
func operatorFromContext(w http.ResponseWriter, r *http.Request) (string, bool) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err == nil {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, true
		}
	}
	slog.Warn("Request without operator identity", "path", r.URL.Path, "error", err)
	renderError(w, r, errors.Unauthorized("operator identity required"))
	return "", false
}

// targetFromQuery reads tenant_id and operator_id, defaulting the operator to the caller
func targetFromQuery(r *http.Request, caller string) (string, string) {
	q := r.URL.Query()
	operatorID := q.Get("operator_id")
	if operatorID == "" {
		operatorID = caller
	}
	return q.Get("tenant_id"), operatorID
}

func toLimits(o *LimitsOverride) (admission.Limits, error) {
	var l admission.Limits
	if o == nil {
		return l, nil
	}
	if err := copier.Copy(&l, o); err != nil {
		return admission.Limits{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to map limits")
	}
	return l, nil
}

func toDecisionResponse(d admission.Decision) DecisionResponse {
	return DecisionResponse{
		Allowed:   d.Allowed,
		Remaining: d.Remaining,
		ResetAt:   d.ResetAt,
		Reason:    d.Reason,
		LimitType: string(d.LimitType),
	}
}

func (h *Handle) toSessionResponse(s admission.Session) (SessionResponse, error) {
	var resp SessionResponse
	if err := copier.Copy(&resp, &s); err != nil {
		return SessionResponse{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to map session")
	}
	resp.Status = string(s.StatusAt(h.now()))
	return resp, nil
}

// retryAfterSeconds rounds up to whole seconds, never below one
func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	status := errors.MapErrorCodeToHTTPStatus(code)
	if status >= http.StatusInternalServerError {
		slog.Error("Impersonation request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{
		Error:   err.Error(),
		Code:    string(code),
		Details: errors.GetDetails(err),
	})
}
