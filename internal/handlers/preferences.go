package handlers

import (
	"encoding/json"
	"net/http"

	"push-delivery-go/internal/models"
)

// PreferencesHandler reads (GET) or updates (PUT) the signed-in user's
// category opt-outs. PUT merges: categories absent from the body keep their
// current setting.
func (h *Handler) PreferencesHandler(w http.ResponseWriter, r *http.Request) {
	userID := CurrentUser(r)

	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req map[models.Category]bool
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubscriptionBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "body must map categories to booleans")
			return
		}
		for c := range req {
			if !c.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_category", "unknown category "+string(c))
				return
			}
		}
		for c, enabled := range req {
			if err := h.Store.SetPreference(r.Context(), userID, c, enabled); err != nil {
				h.log.Error().Err(err).Str("user_id", userID).Msg("failed to save preference")
				writeError(w, http.StatusInternalServerError, "internal", "failed to save preferences")
				return
			}
		}
	default:
		w.Header().Set("Allow", "GET, PUT")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	prefs, err := h.Store.GetPreferences(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to load preferences")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load preferences")
		return
	}
	if prefs == nil {
		prefs = models.Preferences{}
	}
	writeJSON(w, http.StatusOK, prefs)
}
