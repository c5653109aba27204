/*
handlers.go - HTTP API handlers for the rank & points engine

PURPOSE:
  Exposes the PolicyEngine via REST API. Handles HTTP request/response,
  JSON serialization, and maps engine errors to status codes.

ENDPOINTS:
  Ranks:
    GET    /api/ranks                     Rank table, highest first

  Members:
    GET    /api/members                   List members
    POST   /api/members                   Register member (operator)
    GET    /api/members/{id}              Member details
    GET    /api/members/{id}/history      Point history, oldest first
    GET    /api/members/{id}/standing     Distance to the rank threshold
    PUT    /api/members/{id}/status       Ban/approve (operator)
    POST   /api/members/{id}/points       Award or deduct directly (operator)
    POST   /api/members/{id}/rank         Assign a rank (operator)

  Deductions:
    GET    /api/deductions?status=        List requests
    POST   /api/deductions                Request a deduction
    GET    /api/deductions/{id}           Request details
    POST   /api/deductions/{id}/review    Approve or reject (operator)

  Admin:
    POST   /api/admin/maintenance         Run scheduled maintenance now (operator)

REQUEST FLOW:
  1. Auth middleware puts the engine.Actor in the context
  2. Parse and decode the request
  3. Call the engine
  4. Serialize response or map the error

ERROR HANDLING:
  - 400: Validation errors, invalid delta, unknown rank
  - 401: Missing or invalid bearer token (auth.go)
  - 403: Caller is not allowed to act on the target
  - 404: Member or request not found
  - 409: Request already reviewed, concurrent modification
  - 500: Internal errors
  - 504: Deadline hit; the write may or may not have happened

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/rank-engine/engine"
	"go.uber.org/zap"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.PolicyEngine
	Store  ScenarioStore
	Logger *zap.Logger

	// Clock is used for on-demand maintenance runs.
	Clock func() time.Time

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a handler over eng. store is only used by the demo
// scenario loader and may be nil.
func NewHandler(eng *engine.PolicyEngine, store ScenarioStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine: eng,
		Store:  store,
		Logger: logger,
		Clock:  time.Now,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RANK HANDLERS
// =============================================================================

// ListRanks returns the active rank table, highest level first.
func (h *Handler) ListRanks(w http.ResponseWriter, r *http.Request) {
	ranks := h.Engine.Ranks()
	ordered := ranks.Ordered()
	dtos := make([]RankDTO, len(ordered))
	for i, d := range ordered {
		dtos[i] = toRankDTO(d, ranks)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns all members.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Engine.Members(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to list members", err)
		return
	}
	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m, h.Engine.Ranks())
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMember returns a single member.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Engine.Member(r.Context(), memberID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get member", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m, h.Engine.Ranks()))
}

// CreateMember registers a member on the requested (or base) rank.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.Engine.RegisterMember(r.Context(), ActorFromContext(r.Context()), engine.NewMember{
		ID:       engine.MemberID(req.ID),
		Name:     req.Name,
		RankID:   engine.RankID(req.RankID),
		Approved: req.Approved,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to create member", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(m, h.Engine.Ranks()))
}

// GetHistory returns the member's point history, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	m, err := h.Engine.Member(r.Context(), memberID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get history", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointEventDTOs(m.History))
}

// GetStanding returns how close the member is to demotion.
func (h *Handler) GetStanding(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Standing(r.Context(), memberID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get standing", err)
		return
	}
	writeJSON(w, http.StatusOK, toStandingDTO(s))
}

// SetStatus bans/unbans or approves a member.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.Engine.SetMemberStatus(r.Context(), ActorFromContext(r.Context()), memberID(r), req.Banned, req.Approved)
	if err != nil {
		h.writeEngineError(w, r, "Failed to update status", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m, h.Engine.Ranks()))
}

// ChangePoints awards (positive) or deducts (negative) points without
// review. An Idempotency-Key header makes retries safe.
func (h *Handler) ChangePoints(w http.ResponseWriter, r *http.Request) {
	var req PointsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	actor := ActorFromContext(ctx)
	key := r.Header.Get("Idempotency-Key")

	var (
		m   *engine.Member
		err error
	)
	switch {
	case req.Points > 0:
		m, err = h.Engine.AwardPoints(ctx, actor, memberID(r), req.Points, req.Reason, key)
	case req.Points < 0:
		m, err = h.Engine.DeductPoints(ctx, actor, memberID(r), -req.Points, req.Reason, key)
	default:
		writeError(w, http.StatusBadRequest, "Points must be non-zero", nil)
		return
	}
	if err != nil {
		h.writeEngineError(w, r, "Failed to change points", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m, h.Engine.Ranks()))
}

// AssignRank places a member on a rank with its default points.
func (h *Handler) AssignRank(w http.ResponseWriter, r *http.Request) {
	var req AssignRankRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RankID == "" {
		writeError(w, http.StatusBadRequest, "rank_id is required", nil)
		return
	}
	m, err := h.Engine.AssignRank(r.Context(), ActorFromContext(r.Context()), memberID(r), engine.RankID(req.RankID), req.Reason)
	if err != nil {
		h.writeEngineError(w, r, "Failed to assign rank", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m, h.Engine.Ranks()))
}

// =============================================================================
// DEDUCTION HANDLERS
// =============================================================================

// ListDeductions returns requests, optionally filtered by ?status=.
func (h *Handler) ListDeductions(w http.ResponseWriter, r *http.Request) {
	status := engine.RequestStatus(r.URL.Query().Get("status"))
	reqs, err := h.Engine.Deductions(r.Context(), status)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list deductions", err)
		return
	}
	dtos := make([]DeductionDTO, len(reqs))
	for i, d := range reqs {
		dtos[i] = toDeductionDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateDeduction opens a deduction request. Operators' requests are
// applied immediately and come back approved.
func (h *Handler) CreateDeduction(w http.ResponseWriter, r *http.Request) {
	var req CreateDeductionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := h.Engine.RequestDeduction(r.Context(), ActorFromContext(r.Context()),
		engine.MemberID(req.TargetMemberID), req.Points, req.Reason, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to create deduction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeductionDTO(d))
}

// GetDeduction returns a single request.
func (h *Handler) GetDeduction(w http.ResponseWriter, r *http.Request) {
	d, err := h.Engine.Deduction(r.Context(), engine.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get deduction", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeductionDTO(d))
}

// ReviewDeduction approves or rejects a pending request.
func (h *Handler) ReviewDeduction(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := h.Engine.ReviewDeduction(r.Context(), ActorFromContext(r.Context()),
		engine.RequestID(chi.URLParam(r, "id")), engine.Decision(strings.ToLower(req.Decision)), req.Notes)
	if err != nil {
		h.writeEngineError(w, r, "Failed to review deduction", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeductionDTO(d))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunMaintenance runs the scheduled sweeps immediately.
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	actor := ActorFromContext(r.Context())
	if !actor.IsOperator {
		writeError(w, http.StatusForbidden, "Operator role required", nil)
		return
	}
	report, err := h.Engine.RunScheduledMaintenance(r.Context(), h.Clock())
	if err != nil {
		h.writeEngineError(w, r, "Maintenance failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toMaintenanceReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func memberID(r *http.Request) engine.MemberID {
	return engine.MemberID(chi.URLParam(r, "id"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrConflict),
		errors.Is(err, engine.ErrDuplicateIdempotencyKey),
		engine.IsRetryable(err):
		return http.StatusConflict
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, engine.ErrInvalidDelta):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusGatewayTimeout:
		message = "Outcome unknown, re-query before retrying"
		h.Logger.Warn("request deadline exceeded",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	case http.StatusInternalServerError:
		h.Logger.Error(message,
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, message, err)
}

// withTimeout bounds every request's context.
func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestError(format string, args ...any) error {
	return &engine.ValidationError{Field: "request", Message: fmt.Sprintf(format, args...)}
}
