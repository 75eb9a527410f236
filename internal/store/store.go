package store

import (
	"context"
	"errors"
	"time"

	"push-delivery-go/internal/models"
)

// ErrNotFound is returned when a subscription or retry item does not exist,
// or when a retry item is no longer pending.
var ErrNotFound = errors.New("not found")

// SubscriptionStore handles device registrations.
type SubscriptionStore interface {
	// SaveSubscription upserts on endpoint. A re-registration moves the
	// endpoint to userID and replaces the keys.
	SaveSubscription(ctx context.Context, sub models.PushSubscription) (models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error
	DeleteSubscriptionByEndpoint(ctx context.Context, endpoint string) error
	GetSubscription(ctx context.Context, endpoint string) (models.PushSubscription, error)
	// ListActiveSubscriptions returns the user's subscriptions used at or
	// after since. Older ones are kept but not returned.
	ListActiveSubscriptions(ctx context.Context, userID string, since time.Time) ([]models.PushSubscription, error)
	TouchSubscription(ctx context.Context, endpoint string, at time.Time) error
}

// PreferenceStore holds per-user category opt-outs.
type PreferenceStore interface {
	// GetPreferences returns an empty map when the user has no record.
	GetPreferences(ctx context.Context, userID string) (models.Preferences, error)
	SetPreference(ctx context.Context, userID string, category models.Category, enabled bool) error
}

// RetryStore is the durable retry queue.
type RetryStore interface {
	EnqueueRetry(ctx context.Context, item models.RetryItem) (models.RetryItem, error)
	// ClaimDueRetries returns up to limit pending items due at now and pushes
	// their next_retry_at to now+lease, so a concurrent sweep skips them.
	// Every item of one claim carries the same fresh ClaimToken.
	ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.RetryItem, error)
	// UpdateRetry persists attempt, schedule and status. It only applies to
	// items that are still pending under the item's ClaimToken, so a sweep
	// whose lease was taken over cannot overwrite the newer claim. It returns
	// ErrNotFound otherwise.
	UpdateRetry(ctx context.Context, item models.RetryItem) error
	GetRetry(ctx context.Context, id string) (models.RetryItem, error)
	ListRetries(ctx context.Context, userID string) ([]models.RetryItem, error)
}

// Store is everything the delivery engine persists.
type Store interface {
	SubscriptionStore
	PreferenceStore
	RetryStore
	Ping(ctx context.Context) error
	Close() error
}
