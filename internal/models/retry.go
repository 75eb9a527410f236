package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrRetryTerminal is returned when a delivered or exhausted item is mutated.
var ErrRetryTerminal = errors.New("retry item is in a terminal state")

// RetryStatus is the closed set of retry item states.
type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetryExhausted RetryStatus = "exhausted"
	RetryDelivered RetryStatus = "delivered"
)

// Terminal reports whether no further sweep may touch an item in this state.
func (s RetryStatus) Terminal() bool {
	return s == RetryExhausted || s == RetryDelivered
}

func (s RetryStatus) Valid() bool {
	switch s {
	case RetryPending, RetryExhausted, RetryDelivered:
		return true
	}
	return false
}

// RetryPolicy holds the backoff parameters shared by enqueue and sweep.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is 5 minutes base, doubling, 3 attempts.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   5 * time.Minute,
	MaxDelay:    6 * time.Hour,
	MaxAttempts: 3,
}

// Delay returns BaseDelay * 2^attempt, capped at MaxDelay when set.
// The result never decreases as attempt grows.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type RetryItem struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Endpoint     string          `json:"endpoint,omitempty"` // empty: re-fan-out to all eligible subscriptions
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Data         json.RawMessage `json:"data,omitempty"`
	Category     Category        `json:"category,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	LastError    string          `json:"last_error,omitempty"`
	Status       RetryStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	// ClaimToken identifies the sweep holding the current lease. Empty when
	// the item has not been claimed.
	ClaimToken string `json:"-"`
}

// NewRetryItem builds a pending item for a failed delivery of req to endpoint.
func NewRetryItem(req NotificationRequest, endpoint, lastErr string, now time.Time, p RetryPolicy) RetryItem {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	return RetryItem{
		UserID:      req.UserID,
		Endpoint:    endpoint,
		Title:       req.Title,
		Body:        req.Body,
		Data:        req.Data,
		Category:    req.NotificationType,
		MaxAttempts: maxAttempts,
		NextRetryAt: now.Add(p.Delay(0)),
		LastError:   lastErr,
		Status:      RetryPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Request rebuilds the notification the item was created for.
func (it RetryItem) Request() NotificationRequest {
	return NotificationRequest{
		UserID:           it.UserID,
		Title:            it.Title,
		Body:             it.Body,
		Data:             it.Data,
		NotificationType: it.Category,
	}
}

// MarkDelivered resolves the item. Nothing further will be retried.
func (it *RetryItem) MarkDelivered(now time.Time) error {
	if it.Status.Terminal() {
		return ErrRetryTerminal
	}
	it.Status = RetryDelivered
	it.UpdatedAt = now
	return nil
}

// RecordFailure counts one more failed attempt and either reschedules the
// item with backoff or marks it exhausted.
func (it *RetryItem) RecordFailure(lastErr string, now time.Time, p RetryPolicy) error {
	if it.Status.Terminal() {
		return ErrRetryTerminal
	}
	if it.AttemptCount < it.MaxAttempts {
		it.AttemptCount++
	}
	it.LastError = lastErr
	it.UpdatedAt = now
	if it.AttemptCount >= it.MaxAttempts {
		it.Status = RetryExhausted
		return nil
	}
	it.NextRetryAt = now.Add(p.Delay(it.AttemptCount))
	return nil
}
