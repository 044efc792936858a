package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/service/pipeline"
)

const (
	maxBodySize    = 1 << 20
	defaultLimit   = 50
	maxLimit       = 500
	actionLookback = 30 * 24 * time.Hour
)

// EventProcessor runs events through the risk pipeline.
type EventProcessor interface {
	HandleMessage(ctx context.Context, ev *pipeline.MessageEvent) (*pipeline.Outcome, error)
	HandleJoin(ctx context.Context, ev *pipeline.JoinEvent) (*pipeline.Outcome, error)
}

// Store is the read and admin surface of the durable store.
type Store interface {
	GetUser(ctx context.Context, userID int64) (*moderation.UserProfile, error)
	SetWhitelisted(ctx context.Context, userID int64, whitelisted bool) error
	RecentActions(ctx context.Context, userID int64, since time.Time, limit int) ([]moderation.ActionRecord, error)
	RecentBrigadeEvents(ctx context.Context, guildID int64, limit int) ([]moderation.BrigadeEvent, error)
}

// TimeoutMarkers lifts the active-timeout flag the pipeline sets after an
// executed timeout.
type TimeoutMarkers interface {
	ClearActiveTimeout(ctx context.Context, guildID, userID int64) error
}

type Handler struct {
	events    EventProcessor
	store     Store
	markers   TimeoutMarkers
	health    *HealthService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewHandler(events EventProcessor, store Store, markers TimeoutMarkers, health *HealthService, logger *zap.Logger) *Handler {
	return &Handler{
		events:    events,
		store:     store,
		markers:   markers,
		health:    health,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With(zap.String("component", "rest")),
	}
}

type whitelistRequest struct {
	Whitelisted *bool `json:"whitelisted" validate:"required"`
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.MessageEvent
	if !h.decode(w, r, &ev) {
		return
	}
	out, err := h.events.HandleMessage(r.Context(), &ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, outcomeStatus(out), out)
}

func (h *Handler) PostJoin(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.JoinEvent
	if !h.decode(w, r, &ev) {
		return
	}
	out, err := h.events.HandleJoin(r.Context(), &ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, outcomeStatus(out), out)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	profile, err := h.store.GetUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, profile)
}

func (h *Handler) GetUserActions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	limit, ok := h.limitParam(w, r)
	if !ok {
		return
	}
	actions, err := h.store.RecentActions(r.Context(), userID, time.Now().Add(-actionLookback), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if actions == nil {
		actions = []moderation.ActionRecord{}
	}
	writeJSON(w, r, http.StatusOK, actions)
}

// PutWhitelist exempts a user from enforcement, or lifts the exemption.
func (h *Handler) PutWhitelist(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	var req whitelistRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.SetWhitelisted(r.Context(), userID, *req.Whitelisted); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("whitelist updated", zap.Int64("user_id", userID), zap.Bool("whitelisted", *req.Whitelisted))
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"whitelisted": *req.Whitelisted,
	})
}

func (h *Handler) GetBrigadeEvents(w http.ResponseWriter, r *http.Request) {
	guildID, ok := h.idParam(w, r, "guildID")
	if !ok {
		return
	}
	limit, ok := h.limitParam(w, r)
	if !ok {
		return
	}
	events, err := h.store.RecentBrigadeEvents(r.Context(), guildID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []moderation.BrigadeEvent{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// DeleteActiveTimeout clears the user's active-timeout flag in the guild so
// new decisions at or below timeout are enforced again.
func (h *Handler) DeleteActiveTimeout(w http.ResponseWriter, r *http.Request) {
	guildID, ok := h.idParam(w, r, "guildID")
	if !ok {
		return
	}
	userID, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	if err := h.markers.ClearActiveTimeout(r.Context(), guildID, userID); err != nil {
		h.fail(w, r, errors.NewDependencyUnavailableError("markers", "clear active timeout").WithCause(err))
		return
	}
	h.logger.Info("active timeout cleared", zap.Int64("guild_id", guildID), zap.Int64("user_id", userID))
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"guild_id":       guildID,
		"user_id":        userID,
		"timeout_active": false,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == HealthStatusFail {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

// decode reads a JSON body into v and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.fail(w, r, err)
		return false
	}
	if err := h.validator.Struct(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), false)
		return false
	}
	return true
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_ID", fmt.Sprintf("%s must be a positive integer", name), false)
		return 0, false
	}
	return id, true
}

func (h *Handler) limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxLimit {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT",
			fmt.Sprintf("limit must be between 1 and %d", maxLimit), false)
		return 0, false
	}
	return limit, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg, retryable := errorStatus(err)
	if status >= 500 && !errors.IsType(err, errors.ErrorTypeDependencyUnavailable) {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, r, status, code, msg, retryable)
}
