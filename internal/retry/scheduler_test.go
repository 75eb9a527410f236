package retry

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"push-delivery-go/internal/delivery"
	"push-delivery-go/internal/models"
	"push-delivery-go/internal/store"
	"push-delivery-go/internal/vapid"

	"github.com/rs/zerolog"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newEngine wires a real delivery engine against a fake push service that
// answers every request with status.
func newEngine(t *testing.T, ms *store.MemoryStore, status *atomic.Int32, hits *atomic.Int32) (*delivery.Engine, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)

	priv, pub, err := vapid.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	keys, err := vapid.LoadKeyPair(priv, pub, "mailto:ops@example.com")
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	sender := delivery.NewSender(srv.Client(), vapid.NewSigner(keys, time.Hour), delivery.SenderOptions{TTL: time.Hour})
	eng := delivery.NewEngine(delivery.Config{
		Subscriptions:  ms,
		Preferences:    ms,
		Retries:        ms,
		Sender:         sender,
		Policy:         models.DefaultRetryPolicy,
		MaxConcurrency: 4,
		RequestTimeout: 2 * time.Second,
		Logger:         zerolog.Nop(),
	})
	return eng, srv.URL
}

func subscribe(t *testing.T, ms *store.MemoryStore, user, endpoint string) {
	t.Helper()
	priv, _ := ecdh.P256().GenerateKey(rand.Reader)
	auth := make([]byte, 16)
	_, _ = rand.Read(auth)
	_, err := ms.SaveSubscription(context.Background(), models.PushSubscription{
		UserID:     user,
		Endpoint:   endpoint,
		P256dh:     base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		Auth:       base64.RawURLEncoding.EncodeToString(auth),
		LastUsedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
}

func notification(user string) models.NotificationRequest {
	return models.NotificationRequest{UserID: user, Title: "Goal reached", Body: "Your campaign hit its target"}
}

func TestSweep_RateLimitedThreeTimesExhausts(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	var status, hits atomic.Int32
	status.Store(http.StatusTooManyRequests)
	eng, url := newEngine(t, ms, &status, &hits)
	endpoint := url + "/device"
	subscribe(t, ms, "u1", endpoint)

	res, err := eng.Notify(ctx, notification("u1"))
	if err != nil || res.Queued != 1 {
		t.Fatalf("Notify = %+v, %v", res, err)
	}

	clk := &clock{t: time.Now()}
	s := NewScheduler(Config{Retries: ms, Engine: eng, Policy: models.DefaultRetryPolicy, Logger: zerolog.Nop()})
	s.now = clk.now

	var lastDelay time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		clk.advance(7 * time.Hour)
		stats, err := s.Sweep(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", attempt, err)
		}
		if stats.Claimed != 1 {
			t.Fatalf("sweep %d claimed %d", attempt, stats.Claimed)
		}
		items, _ := ms.ListRetries(ctx, "u1")
		it := items[0]
		if it.AttemptCount != attempt || it.AttemptCount > it.MaxAttempts {
			t.Fatalf("sweep %d: attempt_count = %d", attempt, it.AttemptCount)
		}
		if attempt < 3 {
			if it.Status != models.RetryPending {
				t.Fatalf("sweep %d: status = %s", attempt, it.Status)
			}
			delay := it.NextRetryAt.Sub(clk.now())
			if delay < lastDelay {
				t.Fatalf("backoff decreased: %v after %v", delay, lastDelay)
			}
			lastDelay = delay
		} else if it.Status != models.RetryExhausted || stats.Exhausted != 1 {
			t.Fatalf("after third failure: status=%s stats=%+v", it.Status, stats)
		}
	}

	clk.advance(48 * time.Hour)
	stats, _ := s.Sweep(ctx)
	if stats.Claimed != 0 {
		t.Fatalf("exhausted item selected again: %+v", stats)
	}
	if _, err := ms.GetSubscription(ctx, endpoint); err != nil {
		t.Fatalf("subscription must survive exhaustion: %v", err)
	}
	if got := hits.Load(); got != 4 {
		t.Fatalf("push service hits = %d; want 4", got)
	}
}

func TestSweep_RecoveryAndGone(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	var status, hits atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	eng, url := newEngine(t, ms, &status, &hits)
	subscribe(t, ms, "u1", url+"/a")
	subscribe(t, ms, "u2", url+"/b")

	_, _ = eng.Notify(ctx, notification("u1"))
	_, _ = eng.Notify(ctx, notification("u2"))

	clk := &clock{t: time.Now().Add(time.Hour)}
	s := NewScheduler(Config{Retries: ms, Engine: eng, Logger: zerolog.Nop()})
	s.now = clk.now

	// u1's device recovers; then u2's device is reported gone.
	status.Store(http.StatusCreated)
	if err := ms.DeleteSubscriptionByEndpoint(ctx, url+"/b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	stats, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Claimed != 2 || stats.Delivered != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, user := range []string{"u1", "u2"} {
		items, _ := ms.ListRetries(ctx, user)
		if len(items) != 1 || items[0].Status != models.RetryDelivered {
			t.Fatalf("%s items = %+v", user, items)
		}
	}
}

func TestSweep_GoneOnRetryPrunes(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	var status, hits atomic.Int32
	status.Store(http.StatusBadGateway)
	eng, url := newEngine(t, ms, &status, &hits)
	subscribe(t, ms, "u1", url+"/a")
	_, _ = eng.Notify(ctx, notification("u1"))

	status.Store(http.StatusGone)
	s := NewScheduler(Config{Retries: ms, Engine: eng, Logger: zerolog.Nop()})
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := s.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	items, _ := ms.ListRetries(ctx, "u1")
	if items[0].Status != models.RetryDelivered {
		t.Fatalf("gone on retry should resolve the item, got %s", items[0].Status)
	}
	if _, err := ms.GetSubscription(ctx, url+"/a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("subscription not pruned: %v", err)
	}
}

type countingEngine struct {
	mu    sync.Mutex
	calls map[string]int
	delay time.Duration
}

func (c *countingEngine) Redeliver(_ context.Context, item models.RetryItem) delivery.RetryResult {
	time.Sleep(c.delay)
	c.mu.Lock()
	c.calls[item.ID]++
	c.mu.Unlock()
	return delivery.RetryResult{Kind: delivery.Transient, Reason: "503"}
}

func seed(t *testing.T, ms *store.MemoryStore, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		it := models.NewRetryItem(notification("u"), "https://push.example/x", "429", at, models.DefaultRetryPolicy)
		if _, err := ms.EnqueueRetry(context.Background(), it); err != nil {
			t.Fatalf("EnqueueRetry: %v", err)
		}
	}
}

func TestSweep_ConcurrentSweepsNeverDoubleProcess(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 40, time.Now().Add(-time.Hour))
	eng := &countingEngine{calls: map[string]int{}, delay: 2 * time.Millisecond}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewScheduler(Config{Retries: ms, Engine: eng, Batch: 5, Concurrency: 3, Logger: zerolog.Nop()})
			if _, err := s.Sweep(context.Background()); err != nil {
				t.Errorf("Sweep: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(eng.calls) != 40 {
		t.Fatalf("processed %d items; want 40", len(eng.calls))
	}
	for id, n := range eng.calls {
		if n != 1 {
			t.Fatalf("item %s processed %d times", id, n)
		}
	}
}

func TestSweep_SlowSweepKeepsItsLeases(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 20, time.Now().Add(-time.Hour))
	eng := &countingEngine{calls: map[string]int{}, delay: 10 * time.Millisecond}
	newSched := func() *Scheduler {
		return NewScheduler(Config{
			Retries:     ms,
			Engine:      eng,
			Batch:       20,
			Concurrency: 1,
			Lease:       100 * time.Millisecond,
			Logger:      zerolog.Nop(),
		})
	}

	// The first sweep needs about 200ms for all items, twice the lease.
	// The second one starts after a whole-batch lease would have run out.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := newSched().Sweep(context.Background()); err != nil {
			t.Errorf("Sweep: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(150 * time.Millisecond)
		if _, err := newSched().Sweep(context.Background()); err != nil {
			t.Errorf("Sweep: %v", err)
		}
	}()
	wg.Wait()

	if len(eng.calls) != 20 {
		t.Fatalf("processed %d items; want 20", len(eng.calls))
	}
	for id, n := range eng.calls {
		if n != 1 {
			t.Fatalf("item %s redelivered %d times", id, n)
		}
	}
	items, _ := ms.ListRetries(context.Background(), "u")
	for _, it := range items {
		if it.AttemptCount != 1 {
			t.Fatalf("item %s attempt_count = %d; want 1", it.ID, it.AttemptCount)
		}
	}
}

// failingUpdates fails UpdateRetry for one item.
type failingUpdates struct {
	*store.MemoryStore
	badID string
}

func (f *failingUpdates) UpdateRetry(ctx context.Context, item models.RetryItem) error {
	if item.ID == f.badID {
		return errors.New("disk full")
	}
	return f.MemoryStore.UpdateRetry(ctx, item)
}

func TestSweep_OneItemErrorDoesNotAbort(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 5, time.Now().Add(-time.Hour))
	items, _ := ms.ListRetries(context.Background(), "u")
	fs := &failingUpdates{MemoryStore: ms, badID: items[2].ID}

	s := NewScheduler(Config{Retries: fs, Engine: &countingEngine{calls: map[string]int{}}, Logger: zerolog.Nop()})
	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Claimed != 5 || stats.Errors != 1 || stats.Retried != 4 {
		t.Fatalf("stats = %+v", stats)
	}
}

type heldLock struct{}

func (heldLock) TryLock(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return nil, store.ErrLockHeld
}

type brokenLock struct{}

func (brokenLock) TryLock(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return nil, errors.New("redis: connection refused")
}

func TestSweep_Lock(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, 2, time.Now().Add(-time.Hour))
	eng := &countingEngine{calls: map[string]int{}}

	s := NewScheduler(Config{Retries: ms, Engine: eng, Locker: heldLock{}, Logger: zerolog.Nop()})
	stats, err := s.Sweep(context.Background())
	if err != nil || !stats.Skipped || len(eng.calls) != 0 {
		t.Fatalf("held lock: stats=%+v err=%v calls=%d", stats, err, len(eng.calls))
	}

	s = NewScheduler(Config{Retries: ms, Engine: eng, Locker: brokenLock{}, Logger: zerolog.Nop()})
	stats, err = s.Sweep(context.Background())
	if err != nil || stats.Claimed != 2 {
		t.Fatalf("unreachable lock should not block sweeping: stats=%+v err=%v", stats, err)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(Config{Retries: store.NewMemoryStore(), Engine: &countingEngine{calls: map[string]int{}}, Interval: time.Minute, Logger: zerolog.Nop()})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
