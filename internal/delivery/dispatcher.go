package delivery

import (
	"context"
	"fmt"
	"time"

	"push-delivery-go/internal/logger"
	"push-delivery-go/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PushSender is the single-subscription transport used by the Dispatcher.
type PushSender interface {
	Send(ctx context.Context, sub models.PushSubscription, payload []byte) (status int, body string, err error)
}

// Dispatcher fans one payload out to many subscriptions.
type Dispatcher struct {
	sender  PushSender
	limit   int
	timeout time.Duration
	log     zerolog.Logger
}

func NewDispatcher(sender PushSender, limit int, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if limit < 1 {
		limit = 32
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sender:  sender,
		limit:   limit,
		timeout: timeout,
		log:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers payload to every subscription and returns one outcome
// per subscription, in input order. It waits for all deliveries; a failure
// never cancels the others. Each delivery gets its own timeout and is not
// cut short when ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, subs []models.PushSubscription) []Outcome {
	outcomes := make([]Outcome, len(subs))
	if len(subs) == 0 {
		return outcomes
	}
	base := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(d.limit)
	for i, sub := range subs {
		g.Go(func() error {
			outcomes[i] = d.deliver(base, sub, payload)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, sub models.PushSubscription, payload []byte) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	status, body, err := d.sender.Send(ctx, sub, payload)
	kind := Classify(status, err)

	deliveriesTotal.WithLabelValues(string(kind)).Inc()
	deliveryDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	out := Outcome{Endpoint: sub.Endpoint, Kind: kind, StatusCode: status}
	switch {
	case err != nil:
		out.Error = err.Error()
	case kind != Delivered:
		out.Error = fmt.Sprintf("push service returned %d", status)
		if body != "" {
			out.Error += ": " + body
		}
	}

	ev := d.log.Debug()
	if kind != Delivered {
		ev = d.log.Info()
	}
	ev.Str("user_id", sub.UserID).
		Str("endpoint", logger.Endpoint(sub.Endpoint)).
		Str("outcome", string(kind)).
		Int("status", status).
		Dur("took", time.Since(start)).
		Str("error", out.Error).
		Msg("push delivery")
	return out
}
