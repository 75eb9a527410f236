package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"push-delivery-go/internal/delivery"
	"push-delivery-go/internal/models"
	"push-delivery-go/internal/retry"
	"push-delivery-go/internal/store"

	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Notifier delivers a notification request.
type Notifier interface {
	Notify(ctx context.Context, req models.NotificationRequest) (delivery.Result, error)
}

// Sweeper runs one retry sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (retry.SweepStats, error)
}

type Handler struct {
	Store          store.Store
	Engine         Notifier
	Sweeper        Sweeper
	VAPIDPublicKey string
	WebhookSecret  string

	sessions    sessions.Store
	sessionName string
	log         zerolog.Logger
}

func NewHandler(s store.Store, engine Notifier, sweeper Sweeper, publicKey, webhookSecret string,
	sessionStore sessions.Store, sessionName string, logger zerolog.Logger) *Handler {
	return &Handler{
		Store:          s,
		Engine:         engine,
		Sweeper:        sweeper,
		VAPIDPublicKey: publicKey,
		WebhookSecret:  webhookSecret,
		sessions:       sessionStore,
		sessionName:    sessionName,
		log:            logger.With().Str("component", "http").Logger(),
	}
}

// Routes builds the service mux. Device-facing routes need a session and are
// rate limited; trigger routes need a request signature.
func (h *Handler) Routes(limiter *RateLimiter) http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, Instrument(pattern, h.log, fn))
	}

	route("/api/push/vapid-public-key", h.GetVAPIDKeyHandler)
	route("/api/push/subscriptions", h.AuthMiddleware(limiter.Limit(h.SubscriptionsHandler)))
	route("/api/push/preferences", h.AuthMiddleware(limiter.Limit(h.PreferencesHandler)))
	route("/api/push/notify", h.RequireSignature(h.NotifyHandler))
	route("/api/push/retries/sweep", h.RequireSignature(h.SweepHandler))
	route("/healthz", h.HealthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// HealthHandler reports whether the store is reachable.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"request_id": w.Header().Get(requestIDHeader),
		"code":       code,
		"message":    message,
	})
}
