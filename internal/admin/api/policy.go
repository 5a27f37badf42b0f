package api

import (
	"net/http"

	"github.com/rs/zerolog"
)

// PolicyHandler exposes the loaded gate policy.
type PolicyHandler struct {
	gates  Gates
	logger zerolog.Logger
}

// NewPolicyHandler creates a new policy handler.
func NewPolicyHandler(gates Gates, logger zerolog.Logger) *PolicyHandler {
	return &PolicyHandler{
		gates:  gates,
		logger: logger.With().Str("handler", "policy").Logger(),
	}
}

// Modules lists the loaded policy modules.
func (h *PolicyHandler) Modules(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"modules": h.gates.Modules(),
	})
}

// Reload recompiles the policy. The previous policy stays active on error.
func (h *PolicyHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.gates.Reload(); err != nil {
		h.logger.Error().Err(err).Msg("Failed to reload policies")
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	h.logger.Info().Msg("Policies reloaded via admin API")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"modules": h.gates.Modules(),
	})
}
