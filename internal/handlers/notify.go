package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"push-delivery-go/internal/delivery"
	"push-delivery-go/internal/models"
)

type notifyResponse struct {
	delivery.Result
	Error string `json:"error,omitempty"`
}

// NotifyHandler is the service-to-service trigger. It answers after every
// subscription of the user has been attempted.
func (h *Handler) NotifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req models.NotificationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTriggerBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	result, err := h.Engine.Notify(r.Context(), req)
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, delivery.ErrConfiguration):
		writeJSON(w, http.StatusBadGateway, notifyResponse{Result: result, Error: err.Error()})
	case err != nil:
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("notify failed")
		writeError(w, http.StatusInternalServerError, "internal", "notification failed")
	default:
		writeJSON(w, http.StatusOK, notifyResponse{Result: result})
	}
}

// SweepHandler runs one retry sweep on demand and reports its stats.
func (h *Handler) SweepHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	stats, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("manual retry sweep failed")
		writeError(w, http.StatusInternalServerError, "internal", "retry sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
