package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"push-delivery-go/internal/delivery"
	"push-delivery-go/internal/models"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []models.NotificationRequest
}

func (n *recordingNotifier) Notify(_ context.Context, req models.NotificationRequest) (delivery.Result, error) {
	if err := req.Validate(); err != nil {
		return delivery.Result{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return delivery.Result{Status: delivery.StatusSent, Attempted: 1, Delivered: 1}, nil
}

func TestConsumer_DeliversAndCommits(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 4)}
	r.msgs <- kafka.Message{Offset: 1, Value: []byte(`{"userId":"u1","title":"Approved","body":"You're in","notificationType":"approval"}`)}
	r.msgs <- kafka.Message{Offset: 2, Value: []byte(`not json`)}
	r.msgs <- kafka.Message{Offset: 3, Value: []byte(`{"userId":"u2","title":""}`)}
	r.msgs <- kafka.Message{Offset: 4, Value: []byte(`{"userId":"u3","title":"Low slots","body":"2 left"}`)}

	n := &recordingNotifier{}
	c := newConsumer(r, n, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.commits()) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := r.commits(); len(got) != 4 {
		t.Fatalf("committed offsets = %v; want all four, including rejected ones", got)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.reqs) != 2 || n.reqs[0].UserID != "u1" || n.reqs[0].NotificationType != models.CategoryApproval || n.reqs[1].UserID != "u3" {
		t.Fatalf("delivered requests = %+v", n.reqs)
	}
}

func TestConsumer_HandleErrors(t *testing.T) {
	c := newConsumer(&fakeReader{}, &recordingNotifier{}, zerolog.Nop())
	err := c.handle(context.Background(), kafka.Message{Value: []byte(`{"userId":"u"}`)})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v; want ErrValidation", err)
	}
}

// flakyNotifier fails the first failures calls with err.
type flakyNotifier struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (n *flakyNotifier) Notify(context.Context, models.NotificationRequest) (delivery.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.calls <= n.failures {
		return delivery.Result{}, n.err
	}
	return delivery.Result{Status: delivery.StatusSent, Attempted: 1, Delivered: 1}, nil
}

func (n *flakyNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

const validRequest = `{"userId":"u1","title":"Approved","body":"You're in"}`

func TestConsumer_TransientFailureIsRetriedBeforeCommit(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 1)}
	r.msgs <- kafka.Message{Offset: 7, Value: []byte(validRequest)}
	n := &flakyNotifier{failures: 2, err: errors.New("list subscriptions: connection refused")}
	c := newConsumer(r, n, zerolog.Nop())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.commits()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := n.callCount(); got != 3 {
		t.Fatalf("Notify called %d times; want 3", got)
	}
	if got := r.commits(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("committed offsets = %v; want [7]", got)
	}
}

func TestConsumer_UnhandledMessageStaysUncommitted(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 1)}
	r.msgs <- kafka.Message{Offset: 9, Value: []byte(validRequest)}
	n := &flakyNotifier{failures: 1 << 30, err: errors.New("enqueue retry: connection refused")}
	c := newConsumer(r, n, zerolog.Nop())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for n.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := r.commits(); len(got) != 0 {
		t.Fatalf("committed offsets = %v; a failed request must not be committed", got)
	}
}

func TestConsumer_ConfigurationErrorIsCommitted(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 1)}
	r.msgs <- kafka.Message{Offset: 3, Value: []byte(validRequest)}
	n := &flakyNotifier{failures: 1, err: delivery.ErrConfiguration}
	c := newConsumer(r, n, zerolog.Nop())
	c.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.commits()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if got := n.callCount(); got != 1 {
		t.Fatalf("Notify called %d times; configuration errors are not retried", got)
	}
	if got := r.commits(); len(got) != 1 {
		t.Fatalf("committed offsets = %v", got)
	}
}
