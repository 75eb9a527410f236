package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"push-delivery-go/internal/logger"
	"push-delivery-go/internal/models"
	"push-delivery-go/internal/store"

	"github.com/SherClockHolmes/webpush-go"
)

const maxSubscriptionBody = 8 << 10

// GetVAPIDKeyHandler returns the public VAPID key browsers subscribe with.
func (h *Handler) GetVAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.VAPIDPublicKey})
}

// SubscriptionsHandler registers (POST) or removes (DELETE) a device of the
// signed-in user.
func (h *Handler) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.subscribe(w, r)
	case http.MethodDelete:
		h.unsubscribe(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	userID := CurrentUser(r)

	var req webpush.Subscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubscriptionBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid subscription body")
		return
	}
	if msg := validateSubscription(req); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_subscription", msg)
		return
	}

	now := time.Now()
	saved, err := h.Store.SaveSubscription(r.Context(), models.PushSubscription{
		UserID:     userID,
		Endpoint:   req.Endpoint,
		P256dh:     req.Keys.P256dh,
		Auth:       req.Keys.Auth,
		CreatedAt:  now,
		LastUsedAt: now,
	})
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Str("endpoint", logger.Endpoint(req.Endpoint)).
			Msg("failed to save subscription")
		writeError(w, http.StatusInternalServerError, "internal", "failed to save subscription")
		return
	}

	h.log.Info().Str("user_id", userID).Str("endpoint", logger.Endpoint(saved.Endpoint)).Msg("subscription saved")
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := CurrentUser(r)

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubscriptionBody)).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "endpoint is required")
		return
	}

	err := h.Store.DeleteSubscription(r.Context(), userID, req.Endpoint)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "subscription not found")
		return
	case err != nil:
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to delete subscription")
		writeError(w, http.StatusInternalServerError, "internal", "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateSubscription(s webpush.Subscription) string {
	u, err := url.Parse(s.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "endpoint must be an absolute URL"
	}
	if strings.TrimSpace(s.Keys.P256dh) == "" || strings.TrimSpace(s.Keys.Auth) == "" {
		return "keys.p256dh and keys.auth are required"
	}
	return ""
}
