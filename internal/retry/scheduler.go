// Package retry drains the durable retry queue on a schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"push-delivery-go/internal/delivery"
	"push-delivery-go/internal/logger"
	"push-delivery-go/internal/models"
	"push-delivery-go/internal/store"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const lockName = "retry-sweep"

// Redeliverer re-runs delivery for one queued item.
type Redeliverer interface {
	Redeliver(ctx context.Context, item models.RetryItem) delivery.RetryResult
}

// Locker gives one replica at a time the right to sweep.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// Config wires a Scheduler. Locker is optional.
type Config struct {
	Retries     store.RetryStore
	Engine      Redeliverer
	Locker      Locker
	Policy      models.RetryPolicy
	Interval    time.Duration
	Batch       int // upper bound on items per claim; Concurrency bounds it too
	Lease       time.Duration
	Concurrency int
	Logger      zerolog.Logger
}

// SweepStats reports one sweep pass.
type SweepStats struct {
	Claimed   int  `json:"claimed"`
	Delivered int  `json:"delivered"`
	Retried   int  `json:"retried"`
	Exhausted int  `json:"exhausted"`
	Errors    int  `json:"errors"`
	Skipped   bool `json:"skipped,omitempty"`
}

type Scheduler struct {
	retries     store.RetryStore
	engine      Redeliverer
	locker      Locker
	policy      models.RetryPolicy
	interval    time.Duration
	batch       int
	lease       time.Duration
	concurrency int
	now         func() time.Time
	cron        *cron.Cron
	log         zerolog.Logger
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Batch < 1 {
		cfg.Batch = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 8
	}
	if cfg.Policy.BaseDelay <= 0 {
		cfg.Policy = models.DefaultRetryPolicy
	}
	return &Scheduler{
		retries:     cfg.Retries,
		engine:      cfg.Engine,
		locker:      cfg.Locker,
		policy:      cfg.Policy,
		interval:    cfg.Interval,
		batch:       cfg.Batch,
		lease:       cfg.Lease,
		concurrency: cfg.Concurrency,
		now:         time.Now,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:         cfg.Logger.With().Str("component", "retry_scheduler").Logger(),
	}
}

// Start runs Sweep every interval until Stop.
func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval.String())
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval+s.lease)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error().Err(err).Msg("retry sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron.Start()
	s.log.Info().Dur("interval", s.interval).Msg("retry scheduler started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("retry scheduler stopped")
}

// Sweep claims due items and redelivers them until the queue has nothing
// due. One item's failure never stops the others.
func (s *Scheduler) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	if s.locker != nil {
		release, err := s.locker.TryLock(ctx, lockName, s.lease)
		switch {
		case errors.Is(err, store.ErrLockHeld):
			sweepsSkipped.Inc()
			s.log.Debug().Msg("another replica is sweeping")
			return SweepStats{Skipped: true}, nil
		case err != nil:
			// Claims are atomic on their own; the lock only saves work.
			s.log.Warn().Err(err).Msg("sweep lock unavailable, sweeping without it")
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.log.Warn().Err(err).Msg("failed to release sweep lock")
				}
			}()
		}
	}

	// A claim never exceeds the worker count, so every claimed item starts
	// right away and finishes well inside its lease.
	chunk := min(s.batch, s.concurrency)

	var stats SweepStats
	for ctx.Err() == nil {
		items, err := s.retries.ClaimDueRetries(ctx, s.now(), s.lease, chunk)
		if err != nil {
			return stats, fmt.Errorf("claim due retries: %w", err)
		}
		stats.Claimed += len(items)
		s.process(ctx, items, &stats)
		if len(items) < chunk {
			break
		}
	}

	if stats.Claimed > 0 {
		s.log.Info().
			Int("claimed", stats.Claimed).
			Int("delivered", stats.Delivered).
			Int("retried", stats.Retried).
			Int("exhausted", stats.Exhausted).
			Int("errors", stats.Errors).
			Msg("retry sweep finished")
	}
	return stats, nil
}

func (s *Scheduler) process(ctx context.Context, items []models.RetryItem, stats *SweepStats) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, item := range items {
		g.Go(func() error {
			result, err := s.processItem(ctx, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Errors++
				return nil
			}
			switch result {
			case models.RetryDelivered:
				stats.Delivered++
			case models.RetryExhausted:
				stats.Exhausted++
			default:
				stats.Retried++
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) processItem(ctx context.Context, item models.RetryItem) (models.RetryStatus, error) {
	l := s.log.With().Str("retry_id", item.ID).Str("user_id", item.UserID).
		Str("endpoint", logger.Endpoint(item.Endpoint)).Logger()

	r := s.engine.Redeliver(ctx, item)
	now := s.now()

	var err error
	if r.Resolved {
		err = item.MarkDelivered(now)
	} else {
		err = item.RecordFailure(r.Reason, now, s.policy)
	}
	if err != nil {
		l.Error().Err(err).Msg("invalid retry transition")
		sweepItems.WithLabelValues("error").Inc()
		return "", err
	}

	if err := s.retries.UpdateRetry(context.WithoutCancel(ctx), item); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			l.Debug().Msg("retry item no longer pending")
		} else {
			l.Error().Err(err).Msg("failed to persist retry item")
		}
		sweepItems.WithLabelValues("error").Inc()
		return "", err
	}

	result := string(item.Status)
	if item.Status == models.RetryPending {
		result = "rescheduled"
	}
	sweepItems.WithLabelValues(result).Inc()

	ev := l.Debug()
	if item.Status == models.RetryExhausted {
		ev = l.Warn()
	}
	ev.Str("status", string(item.Status)).
		Int("attempt", item.AttemptCount).
		Time("next_retry_at", item.NextRetryAt).
		Str("reason", r.Reason).
		Msg("retry processed")
	return item.Status, nil
}
