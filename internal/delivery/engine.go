// Package delivery turns a notification request into Web Push deliveries:
// preference gate, fan-out, outcome classification, pruning and retry
// enqueueing.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"push-delivery-go/internal/ece"
	"push-delivery-go/internal/logger"
	"push-delivery-go/internal/models"
	"push-delivery-go/internal/store"

	"github.com/rs/zerolog"
)

// ErrConfiguration is returned when no delivery of a request succeeded and
// at least one push service rejected the VAPID credentials.
var ErrConfiguration = errors.New("push service rejected VAPID credentials")

// Status summarises a request's fan-out.
type Status string

const (
	StatusSent            Status = "sent"
	StatusPartial         Status = "partial"
	StatusFailed          Status = "failed"
	StatusNoSubscriptions Status = "no_subscriptions"
	StatusOptedOut        Status = "opted_out"
)

// Result is the aggregate outcome reported to the caller.
type Result struct {
	Status       Status    `json:"status"`
	Attempted    int       `json:"attempted"`
	Delivered    int       `json:"delivered"`
	Failed       int       `json:"failed"`
	Pruned       int       `json:"pruned"`
	Queued       int       `json:"queued"`
	ConfigErrors int       `json:"configErrors"`
	Outcomes     []Outcome `json:"outcomes,omitempty"`
}

// Config wires an Engine.
type Config struct {
	Subscriptions  store.SubscriptionStore
	Preferences    store.PreferenceStore
	Retries        store.RetryStore
	Sender         *Sender
	Policy         models.RetryPolicy
	StaleAfter     time.Duration
	MaxConcurrency int
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Engine is the delivery pipeline shared by the HTTP trigger, the Kafka
// consumer and the retry sweep.
type Engine struct {
	subs       store.SubscriptionStore
	retries    store.RetryStore
	gate       *Gate
	dispatcher *Dispatcher
	maxPayload int
	policy     models.RetryPolicy
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * 24 * time.Hour
	}
	if cfg.Policy.BaseDelay <= 0 {
		cfg.Policy = models.DefaultRetryPolicy
	}
	return &Engine{
		subs:       cfg.Subscriptions,
		retries:    cfg.Retries,
		gate:       NewGate(cfg.Preferences, cfg.Logger),
		dispatcher: NewDispatcher(cfg.Sender, cfg.MaxConcurrency, cfg.RequestTimeout, cfg.Logger),
		maxPayload: cfg.Sender.MaxPayload(),
		policy:     cfg.Policy,
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
		log:        cfg.Logger.With().Str("component", "engine").Logger(),
	}
}

// Notify delivers req to every recently used subscription of its user.
// Per-subscription failures are reported in the Result, not as an error;
// only validation and configuration problems are returned as errors.
func (e *Engine) Notify(ctx context.Context, req models.NotificationRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	payload, err := e.payload(req)
	if err != nil {
		return Result{}, err
	}
	if !e.gate.Allow(ctx, req.UserID, req.NotificationType) {
		e.log.Debug().Str("user_id", req.UserID).Str("category", string(req.NotificationType)).Msg("opted out")
		return Result{Status: StatusOptedOut}, nil
	}

	now := e.now()
	subs, err := e.subs.ListActiveSubscriptions(ctx, req.UserID, now.Add(-e.staleAfter))
	if err != nil {
		return e.deferFanOut(ctx, req, now, err)
	}
	res := e.fanOut(ctx, req, payload, subs, true)
	if res.Delivered == 0 && res.ConfigErrors > 0 {
		return res, ErrConfiguration
	}
	return res, nil
}

// RetryResult tells the sweep what happened to one retry item.
type RetryResult struct {
	// Resolved means nothing is left to retry: delivered, pruned, the
	// subscription is gone or the user opted out.
	Resolved bool
	Kind     OutcomeKind
	Reason   string
}

// Redeliver re-runs delivery for a retry item. It never enqueues a new item
// for the item's own endpoint; the caller records the failure on the item.
func (e *Engine) Redeliver(ctx context.Context, item models.RetryItem) RetryResult {
	req := item.Request()
	payload, err := e.payload(req)
	if err != nil {
		// Cannot get better on a later attempt.
		return RetryResult{Resolved: true, Reason: err.Error()}
	}
	if !e.gate.Allow(ctx, req.UserID, req.NotificationType) {
		return RetryResult{Resolved: true, Reason: "opted out"}
	}

	if item.Endpoint == "" {
		return e.redeliverFanOut(ctx, req, payload)
	}

	sub, err := e.subs.GetSubscription(ctx, item.Endpoint)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sub.UserID != item.UserID) {
		return RetryResult{Resolved: true, Kind: Gone, Reason: "subscription no longer exists"}
	}
	if err != nil {
		return RetryResult{Kind: Transient, Reason: fmt.Sprintf("load subscription: %v", err)}
	}

	res := e.fanOut(ctx, req, payload, []models.PushSubscription{sub}, false)
	out := res.Outcomes[0]
	switch out.Kind {
	case Delivered, Gone:
		return RetryResult{Resolved: true, Kind: out.Kind}
	default:
		return RetryResult{Kind: out.Kind, Reason: out.Error}
	}
}

// redeliverFanOut handles items queued before the subscription list could be
// read. Once the fan-out has run the item is resolved: transient failures
// got their own per-endpoint items and configuration failures are not
// retried, the same as for Notify.
func (e *Engine) redeliverFanOut(ctx context.Context, req models.NotificationRequest, payload []byte) RetryResult {
	subs, err := e.subs.ListActiveSubscriptions(ctx, req.UserID, e.now().Add(-e.staleAfter))
	if err != nil {
		return RetryResult{Kind: Transient, Reason: fmt.Sprintf("list subscriptions: %v", err)}
	}
	res := e.fanOut(ctx, req, payload, subs, true)
	if res.Delivered == 0 && res.ConfigErrors > 0 {
		return RetryResult{Resolved: true, Kind: Configuration, Reason: ErrConfiguration.Error()}
	}
	return RetryResult{Resolved: true, Kind: Delivered}
}

func (e *Engine) payload(req models.NotificationRequest) ([]byte, error) {
	payload, err := req.Payload()
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", models.ErrValidation, err)
	}
	if len(payload) > e.maxPayload {
		return nil, fmt.Errorf("%w: %v (%d bytes, max %d)", models.ErrValidation, ece.ErrPayloadTooLarge, len(payload), e.maxPayload)
	}
	return payload, nil
}

// fanOut dispatches and applies each outcome to the stores. Bookkeeping runs
// on a context detached from ctx so a cancelled caller cannot lose it.
func (e *Engine) fanOut(ctx context.Context, req models.NotificationRequest, payload []byte, subs []models.PushSubscription, enqueue bool) Result {
	if len(subs) == 0 {
		return Result{Status: StatusNoSubscriptions}
	}

	outcomes := e.dispatcher.Dispatch(ctx, payload, subs)
	bctx := context.WithoutCancel(ctx)
	now := e.now()
	res := Result{Attempted: len(subs), Outcomes: outcomes}

	for i, out := range outcomes {
		l := e.log.With().Str("user_id", req.UserID).Str("endpoint", logger.Endpoint(out.Endpoint)).Logger()
		switch out.Kind {
		case Delivered:
			res.Delivered++
			if err := e.subs.TouchSubscription(bctx, out.Endpoint, now); err != nil && !errors.Is(err, store.ErrNotFound) {
				l.Warn().Err(err).Msg("failed to update last_used_at")
			}
		case Gone:
			res.Failed++
			if err := e.subs.DeleteSubscriptionByEndpoint(bctx, out.Endpoint); err != nil {
				l.Error().Err(err).Msg("failed to prune subscription")
				continue
			}
			res.Pruned++
			subscriptionsPruned.Inc()
			l.Info().Int("status", out.StatusCode).Msg("subscription pruned")
		case Configuration:
			res.Failed++
			res.ConfigErrors++
			configErrors.Inc()
			l.Error().Int("status", out.StatusCode).Str("error", out.Error).Msg("push service rejected VAPID credentials")
		case Transient:
			res.Failed++
			if !enqueue {
				continue
			}
			item := models.NewRetryItem(req, subs[i].Endpoint, out.Error, now, e.policy)
			if _, err := e.retries.EnqueueRetry(bctx, item); err != nil {
				l.Error().Err(err).Msg("failed to enqueue retry")
				continue
			}
			res.Queued++
			retriesEnqueued.Inc()
		}
	}

	switch {
	case res.Delivered == res.Attempted:
		res.Status = StatusSent
	case res.Delivered > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	return res
}

// deferFanOut queues the whole request when the subscription list cannot be
// read, so the sweep can fan out later.
func (e *Engine) deferFanOut(ctx context.Context, req models.NotificationRequest, now time.Time, cause error) (Result, error) {
	e.log.Error().Err(cause).Str("user_id", req.UserID).Msg("subscription lookup failed")
	item := models.NewRetryItem(req, "", cause.Error(), now, e.policy)
	if _, err := e.retries.EnqueueRetry(context.WithoutCancel(ctx), item); err != nil {
		return Result{}, fmt.Errorf("list subscriptions: %w", cause)
	}
	retriesEnqueued.Inc()
	return Result{Status: StatusFailed, Queued: 1}, nil
}
