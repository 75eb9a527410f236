package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"push-delivery-go/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It backs STORE_DRIVER=memory
// and the package tests; state is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	subs    map[string]models.PushSubscription // by endpoint
	prefs   map[string]models.Preferences
	retries map[string]models.RetryItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:    make(map[string]models.PushSubscription),
		prefs:   make(map[string]models.Preferences),
		retries: make(map[string]models.RetryItem),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveSubscription(_ context.Context, sub models.PushSubscription) (models.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := sub.LastUsedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if existing, ok := s.subs[sub.Endpoint]; ok {
		existing.UserID = sub.UserID
		existing.P256dh = sub.P256dh
		existing.Auth = sub.Auth
		existing.LastUsedAt = now
		s.subs[sub.Endpoint] = existing
		return existing, nil
	}

	s.nextID++
	sub.ID = s.nextID
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.LastUsedAt = now
	s.subs[sub.Endpoint] = sub
	return sub, nil
}

func (s *MemoryStore) DeleteSubscription(_ context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[endpoint]
	if !ok || sub.UserID != userID {
		return ErrNotFound
	}
	delete(s.subs, endpoint)
	return nil
}

func (s *MemoryStore) DeleteSubscriptionByEndpoint(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, endpoint)
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, endpoint string) (models.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[endpoint]
	if !ok {
		return models.PushSubscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) ListActiveSubscriptions(_ context.Context, userID string, since time.Time) ([]models.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PushSubscription
	for _, sub := range s.subs {
		if sub.UserID == userID && !sub.LastUsedAt.Before(since) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (s *MemoryStore) TouchSubscription(_ context.Context, endpoint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[endpoint]
	if !ok {
		return ErrNotFound
	}
	if at.After(sub.LastUsedAt) {
		sub.LastUsedAt = at
		s.subs[endpoint] = sub
	}
	return nil
}

func (s *MemoryStore) GetPreferences(_ context.Context, userID string) (models.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := models.Preferences{}
	for k, v := range s.prefs[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SetPreference(_ context.Context, userID string, category models.Category, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prefs[userID]
	if !ok {
		p = models.Preferences{}
		s.prefs[userID] = p
	}
	p[category] = enabled
	return nil
}

func (s *MemoryStore) EnqueueRetry(_ context.Context, item models.RetryItem) (models.RetryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if !item.Status.Valid() {
		item.Status = models.RetryPending
	}
	if _, dup := s.retries[item.ID]; dup {
		return models.RetryItem{}, fmt.Errorf("enqueue retry: duplicate id %s", item.ID)
	}
	s.retries[item.ID] = item
	return item, nil
}

func (s *MemoryStore) ClaimDueRetries(_ context.Context, now time.Time, lease time.Duration, limit int) ([]models.RetryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.RetryItem
	for _, it := range s.retries {
		if it.Status == models.RetryPending && !it.NextRetryAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	token := uuid.NewString()
	for i := range due {
		due[i].ClaimToken = token
		due[i].NextRetryAt = now.Add(lease)
		due[i].UpdatedAt = now
		s.retries[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) UpdateRetry(_ context.Context, item models.RetryItem) error {
	if !item.Status.Valid() {
		return fmt.Errorf("invalid retry status %q", item.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.retries[item.ID]
	if !ok || cur.Status != models.RetryPending || cur.ClaimToken != item.ClaimToken {
		return ErrNotFound
	}
	cur.ClaimToken = ""
	cur.AttemptCount = item.AttemptCount
	cur.NextRetryAt = item.NextRetryAt
	cur.LastError = item.LastError
	cur.Status = item.Status
	cur.UpdatedAt = item.UpdatedAt
	s.retries[item.ID] = cur
	return nil
}

func (s *MemoryStore) GetRetry(_ context.Context, id string) (models.RetryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.retries[id]
	if !ok {
		return models.RetryItem{}, ErrNotFound
	}
	return it, nil
}

func (s *MemoryStore) ListRetries(_ context.Context, userID string) ([]models.RetryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.RetryItem
	for _, it := range s.retries {
		if it.UserID == userID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
