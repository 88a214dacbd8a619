package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tanujdargan/html.ai/internal/identity"
	"github.com/tanujdargan/html.ai/internal/model"
	"github.com/tanujdargan/html.ai/internal/orchestrator"
)

// Handlers implements every route in SPEC_FULL.md §6, translating HTTP
// requests into Orchestrator calls and Orchestrator errors into the status
// codes that section names.
type Handlers struct {
	orch                *orchestrator.Orchestrator
	logger              *slog.Logger
	maxRequestBodyBytes int64
	version             string
}

// HandlersDeps holds the dependencies for NewHandlers.
type HandlersDeps struct {
	Orchestrator        *orchestrator.Orchestrator
	Logger              *slog.Logger
	MaxRequestBodyBytes int64
	Version             string
}

// NewHandlers constructs a Handlers.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		orch:                deps.Orchestrator,
		logger:              deps.Logger,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
		version:             deps.Version,
	}
}

func identityRequestFromHTTP(r *http.Request, userID, sessionID, globalUID string) identity.Request {
	return identity.Request{
		APIKey:    apiKeyFromRequest(r),
		Origin:    r.Header.Get("Origin"),
		UserID:    userID,
		SessionID: sessionID,
		GlobalUID: globalUID,
	}
}

// httpStatusForKind maps an error kind to the HTTP status SPEC_FULL.md §6's
// error response table assigns it.
func httpStatusForKind(kind model.ErrKind) int {
	switch kind {
	case model.ErrKindUnauthorized:
		return http.StatusUnauthorized
	case model.ErrKindForbidden, model.ErrKindQuotaExceeded:
		return http.StatusForbidden
	case model.ErrKindValidation:
		return http.StatusBadRequest
	case model.ErrKindNotFound:
		return http.StatusNotFound
	case model.ErrKindConflict:
		return http.StatusConflict
	case model.ErrKindRateLimited:
		return http.StatusTooManyRequests
	case model.ErrKindStorageUnavail, model.ErrKindDeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeOrchestratorError centralizes kind-to-status mapping (SPEC_FULL.md
// §9A: "HTTP layer maps kinds to status codes centrally in one place").
// An error carrying no recognized kind is a bug, not a client mistake, and
// is logged and reported as a 500.
func (h *Handlers) writeOrchestratorError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	kind, ok := model.KindOf(err)
	if !ok {
		h.writeInternalError(w, r, msg, err)
		return
	}
	writeError(w, r, httpStatusForKind(kind), string(kind), err.Error())
}

// HandleOptimize serves both POST /tagAi (legacy) and POST /api/optimize —
// SPEC_FULL.md §9 Open Question decision 1 mounts both routes on this one
// handler.
func (h *Handlers) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	var req model.OptimizeRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, string(model.ErrKindValidation), "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, string(model.ErrKindValidation), err.Error())
		return
	}

	idReq := identityRequestFromHTTP(r, req.UserID, req.SessionID, req.GlobalUID)
	resp, err := h.orch.Optimize(r.Context(), RequestIDFromContext(r.Context()), idReq, req)
	if err != nil {
		h.writeOrchestratorError(w, r, "optimize failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleReward serves POST /rewardTag, /api/reward, and
// /api/component/reward — all three share one handler per Open Question
// decision 1.
func (h *Handlers) HandleReward(w http.ResponseWriter, r *http.Request) {
	var req model.RewardRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, string(model.ErrKindValidation), "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, string(model.ErrKindValidation), err.Error())
		return
	}

	idReq := identityRequestFromHTTP(r, req.UserID, "", "")
	resp, err := h.orch.Reward(r.Context(), RequestIDFromContext(r.Context()), idReq, req)
	if err != nil {
		h.writeOrchestratorError(w, r, "reward failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleTrackEvent serves POST /api/events/track.
func (h *Handlers) HandleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var req model.EventTrackRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, string(model.ErrKindValidation), "malformed request body")
		return
	}

	idReq := identityRequestFromHTTP(r, req.UserID, req.SessionID, "")
	resp, err := h.orch.TrackEvent(r.Context(), idReq, req)
	if err != nil {
		h.writeOrchestratorError(w, r, "event track failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleTrackBatch serves POST /api/events/batch.
func (h *Handlers) HandleTrackBatch(w http.ResponseWriter, r *http.Request) {
	var req model.EventBatchRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, string(model.ErrKindValidation), "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, string(model.ErrKindValidation), err.Error())
		return
	}

	idReq := identityRequestFromHTTP(r, req.UserID, req.SessionID, "")
	resp, err := h.orch.TrackBatch(r.Context(), idReq, req)
	if err != nil {
		h.writeOrchestratorError(w, r, "batch track failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSyncLink serves POST /sync/link.
func (h *Handlers) HandleSyncLink(w http.ResponseWriter, r *http.Request) {
	var req model.SyncLinkRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, string(model.ErrKindValidation), "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, string(model.ErrKindValidation), err.Error())
		return
	}

	if err := h.orch.Link(r.Context(), apiKeyFromRequest(r), req); err != nil {
		h.writeOrchestratorError(w, r, "sync link failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "linked"})
}

// HandleRoster serves GET /api/users/all.
func (h *Handlers) HandleRoster(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	users, err := h.orch.Roster(r.Context(), apiKeyFromRequest(r), limit)
	if err != nil {
		h.writeOrchestratorError(w, r, "roster failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, users)
}

// HandleJourney serves GET /api/user/{user_id}/journey.
func (h *Handlers) HandleJourney(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	journey, err := h.orch.Journey(r.Context(), apiKeyFromRequest(r), userID)
	if err != nil {
		h.writeOrchestratorError(w, r, "journey failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, journey)
}

// HandleDashboard serves GET /api/analytics/dashboard.
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.orch.Dashboard(r.Context(), apiKeyFromRequest(r))
	if err != nil {
		h.writeOrchestratorError(w, r, "dashboard failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, dash)
}

// HandleHealth serves GET /. No authentication required.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.orch.Health())
}
