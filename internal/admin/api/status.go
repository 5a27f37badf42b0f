package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// StatusHandler serves per-user viewing totals and segments.
type StatusHandler struct {
	tracker Tracker
	logger  zerolog.Logger
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(tracker Tracker, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		tracker: tracker,
		logger:  logger.With().Str("handler", "status").Logger(),
	}
}

// Status returns today's totals for every user, or one user with ?user=.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	users, lastReset, err := h.tracker.Status(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read status")
		WriteError(w, http.StatusInternalServerError, "Failed to read status")
		return
	}

	limits := h.tracker.Limits()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"last_reset": lastReset,
		"limits": map[string]int{
			"max_session_minutes": limits.MaxSessionMinutes,
			"max_daily_minutes":   limits.MaxDailyMinutes,
		},
		"users": users,
		"count": len(users),
	})
}

// User returns today's totals for a single user.
func (h *StatusHandler) User(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	users, _, err := h.tracker.Status(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", id).Msg("Failed to read user status")
		WriteError(w, http.StatusInternalServerError, "Failed to read status")
		return
	}

	if len(users) == 0 {
		WriteError(w, http.StatusNotFound, "No viewing recorded for user")
		return
	}

	WriteJSON(w, http.StatusOK, users[0])
}

// Segments lists stored segments, optionally filtered with ?user=.
func (h *StatusHandler) Segments(w http.ResponseWriter, r *http.Request) {
	segments, err := h.tracker.Segments(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list segments")
		WriteError(w, http.StatusInternalServerError, "Failed to list segments")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"segments": segments,
		"count":    len(segments),
	})
}

// Reset deletes every segment now.
func (h *StatusHandler) Reset(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.tracker.ResetNow(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to reset")
		WriteError(w, http.StatusInternalServerError, "Failed to reset")
		return
	}

	h.logger.Info().Int("deleted", deleted).Msg("Segments reset via admin API")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
	})
}
