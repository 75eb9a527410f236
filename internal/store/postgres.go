package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"push-delivery-go/internal/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// RunMigrations creates tables if they don't exist and applies schema updates
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}

	// Columns added after the first release of the queue table.
	migrations := []string{
		`ALTER TABLE push_retry_queue ADD COLUMN IF NOT EXISTS endpoint TEXT NOT NULL DEFAULT '';`,
		`ALTER TABLE push_retry_queue ADD COLUMN IF NOT EXISTS category VARCHAR(64) NOT NULL DEFAULT '';`,
		`ALTER TABLE push_subscriptions ADD COLUMN IF NOT EXISTS last_used_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW();`,
		`ALTER TABLE push_retry_queue ADD COLUMN IF NOT EXISTS claim_token TEXT NOT NULL DEFAULT '';`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

// Subscription methods

const subscriptionColumns = `id, user_id, endpoint, p256dh, auth, created_at, last_used_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (models.PushSubscription, error) {
	var sub models.PushSubscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt, &sub.LastUsedAt)
	return sub, err
}

func (s *PostgresStore) SaveSubscription(ctx context.Context, sub models.PushSubscription) (models.PushSubscription, error) {
	now := sub.LastUsedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	saved, err := scanSubscription(s.db.QueryRowContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (endpoint) DO UPDATE
		 SET user_id = EXCLUDED.user_id, p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth, last_used_at = EXCLUDED.last_used_at
		 RETURNING `+subscriptionColumns,
		sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, now,
	))
	if err != nil {
		return models.PushSubscription{}, err
	}
	return saved, nil
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`,
		userID, endpoint,
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscriptionByEndpoint is idempotent: pruning an already removed
// endpoint is not an error.
func (s *PostgresStore) DeleteSubscriptionByEndpoint(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	return err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, endpoint string) (models.PushSubscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE endpoint = $1`,
		endpoint,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PushSubscription{}, ErrNotFound
	}
	return sub, err
}

func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context, userID string, since time.Time) ([]models.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM push_subscriptions
		 WHERE user_id = $1 AND last_used_at >= $2
		 ORDER BY last_used_at DESC`,
		userID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) TouchSubscription(ctx context.Context, endpoint string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET last_used_at = GREATEST(last_used_at, $2) WHERE endpoint = $1`,
		endpoint, at,
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Preference methods

func (s *PostgresStore) GetPreferences(ctx context.Context, userID string) (models.Preferences, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, enabled FROM notification_preferences WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prefs := models.Preferences{}
	for rows.Next() {
		var (
			category string
			enabled  bool
		)
		if err := rows.Scan(&category, &enabled); err != nil {
			return nil, err
		}
		prefs[models.Category(category)] = enabled
	}
	return prefs, rows.Err()
}

func (s *PostgresStore) SetPreference(ctx context.Context, userID string, category models.Category, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_preferences (user_id, category, enabled, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (user_id, category) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		userID, string(category), enabled,
	)
	return err
}

// Retry queue methods

const retryColumns = `id, user_id, endpoint, title, body, data, category, attempt_count, max_attempts,
	next_retry_at, last_error, status, created_at, updated_at, claim_token`

func scanRetry(row scanner) (models.RetryItem, error) {
	var (
		it       models.RetryItem
		data     sql.NullString
		category string
		status   string
	)
	err := row.Scan(&it.ID, &it.UserID, &it.Endpoint, &it.Title, &it.Body, &data, &category,
		&it.AttemptCount, &it.MaxAttempts, &it.NextRetryAt, &it.LastError, &status, &it.CreatedAt, &it.UpdatedAt,
		&it.ClaimToken)
	if err != nil {
		return models.RetryItem{}, err
	}
	if data.Valid {
		it.Data = []byte(data.String)
	}
	it.Category = models.Category(category)
	it.Status = models.RetryStatus(status)
	return it, nil
}

// jsonArg passes raw JSON as text; lib/pq would send []byte as bytea.
func jsonArg(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func (s *PostgresStore) EnqueueRetry(ctx context.Context, item models.RetryItem) (models.RetryItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if !item.Status.Valid() {
		item.Status = models.RetryPending
	}
	saved, err := scanRetry(s.db.QueryRowContext(ctx,
		`INSERT INTO push_retry_queue (id, user_id, endpoint, title, body, data, category, attempt_count,
		 max_attempts, next_retry_at, last_error, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING `+retryColumns,
		item.ID, item.UserID, item.Endpoint, item.Title, item.Body, jsonArg(item.Data), string(item.Category),
		item.AttemptCount, item.MaxAttempts, item.NextRetryAt, item.LastError, string(item.Status),
		item.CreatedAt, item.UpdatedAt,
	))
	if err != nil {
		return models.RetryItem{}, fmt.Errorf("enqueue retry: %w", err)
	}
	return saved, nil
}

// ClaimDueRetries uses SKIP LOCKED so concurrent sweepers never claim the
// same row. The lease is the claim: next_retry_at moves past now.
func (s *PostgresStore) ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.RetryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE push_retry_queue q
		 SET next_retry_at = $2, updated_at = $1, claim_token = $4
		 FROM (
		     SELECT id FROM push_retry_queue
		     WHERE status = 'pending' AND next_retry_at <= $1
		     ORDER BY next_retry_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 ) due
		 WHERE q.id = due.id
		 RETURNING q.id, q.user_id, q.endpoint, q.title, q.body, q.data, q.category, q.attempt_count,
		 q.max_attempts, q.next_retry_at, q.last_error, q.status, q.created_at, q.updated_at, q.claim_token`,
		now, now.Add(lease), limit, uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim retries: %w", err)
	}
	defer rows.Close()

	var items []models.RetryItem
	for rows.Next() {
		it, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateRetry(ctx context.Context, item models.RetryItem) error {
	if !item.Status.Valid() {
		return fmt.Errorf("invalid retry status %q", item.Status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE push_retry_queue
		 SET attempt_count = $2, next_retry_at = $3, last_error = $4, status = $5, updated_at = $6, claim_token = ''
		 WHERE id = $1 AND status = 'pending' AND claim_token = $7`,
		item.ID, item.AttemptCount, item.NextRetryAt, item.LastError, string(item.Status), item.UpdatedAt,
		item.ClaimToken,
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetRetry(ctx context.Context, id string) (models.RetryItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.RetryItem{}, ErrNotFound
	}
	it, err := scanRetry(s.db.QueryRowContext(ctx,
		`SELECT `+retryColumns+` FROM push_retry_queue WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RetryItem{}, ErrNotFound
	}
	return it, err
}

func (s *PostgresStore) ListRetries(ctx context.Context, userID string) ([]models.RetryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+retryColumns+` FROM push_retry_queue WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.RetryItem
	for rows.Next() {
		it, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
