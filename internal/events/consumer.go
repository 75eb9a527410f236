// Package events consumes notification requests published by other services.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"push-delivery-go/internal/config"
	"push-delivery-go/internal/delivery"
	"push-delivery-go/internal/models"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// errMalformed marks a message that can never be decoded.
var errMalformed = errors.New("malformed notification request")

// Notifier is the delivery entry point.
type Notifier interface {
	Notify(ctx context.Context, req models.NotificationRequest) (delivery.Result, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads NotificationRequest JSON messages and delivers them.
type Consumer struct {
	reader   messageReader
	notifier Notifier
	backoff  time.Duration // first wait before handling a failed message again
	log      zerolog.Logger
}

// NewConsumer creates a consumer-group reader for cfg.Topic.
func NewConsumer(cfg config.KafkaConfig, notifier Notifier, logger zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: 0, // commit synchronously after each message is handled
	})
	return newConsumer(reader, notifier, logger)
}

func newConsumer(reader messageReader, notifier Notifier, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:   reader,
		notifier: notifier,
		backoff:  time.Second,
		log:      logger.With().Str("component", "kafka_consumer").Logger(),
	}
}

// Run consumes until ctx is cancelled. A message is committed once it has
// been handled or rejected for good (malformed, invalid, or refused by the
// push service for configuration reasons). Any other failure is retried with
// backoff and the offset stays uncommitted until it succeeds.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Msg("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("kafka consumer stopping")
				return nil
			}
			c.log.Error().Err(err).Msg("error reading message")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if !c.handleUntilDone(ctx, msg) {
			c.log.Info().Int64("offset", msg.Offset).Msg("kafka consumer stopping before message was handled")
			return nil
		}
		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

// handleUntilDone reports false when ctx ends before msg could be handled.
func (c *Consumer) handleUntilDone(ctx context.Context, msg kafka.Message) bool {
	wait := c.backoff
	for {
		err := c.handle(ctx, msg)
		if err == nil {
			return true
		}
		l := c.log.Error().Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset)
		if permanent(err) {
			l.Msg("dropping notification request")
			return true
		}
		l.Dur("retry_in", wait).Msg("error processing message")
		if !sleep(ctx, wait) {
			return false
		}
		wait = min(wait*2, 30*time.Second)
	}
}

func permanent(err error) bool {
	return errors.Is(err, errMalformed) ||
		errors.Is(err, models.ErrValidation) ||
		errors.Is(err, delivery.ErrConfiguration)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var req models.NotificationRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	res, err := c.notifier.Notify(ctx, req)
	switch {
	case errors.Is(err, models.ErrValidation):
		return fmt.Errorf("rejected notification request: %w", err)
	case err != nil:
		return err
	}

	c.log.Info().
		Str("user_id", req.UserID).
		Str("status", string(res.Status)).
		Int("attempted", res.Attempted).
		Int("delivered", res.Delivered).
		Int("pruned", res.Pruned).
		Int("queued", res.Queued).
		Msg("notification request handled")
	return nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
