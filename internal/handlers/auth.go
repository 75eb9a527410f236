package handlers

import (
	"context"
	"net/http"
	"strconv"
)

type ctxKey int

const userIDKey ctxKey = iota

// AuthMiddleware resolves the signed-in user from the session cookie shared
// with the main application and rejects anonymous requests.
func (h *Handler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := h.sessionUser(r)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "sign in required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// CurrentUser returns the user set by AuthMiddleware.
func CurrentUser(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (h *Handler) sessionUser(r *http.Request) string {
	session, err := h.sessions.Get(r, h.sessionName)
	if err != nil {
		return ""
	}
	switch v := session.Values["user_id"].(type) {
	case string:
		return v
	case int:
		if v != 0 {
			return strconv.Itoa(v)
		}
	case int64:
		if v != 0 {
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}
