package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"campaigner/internal/domain"
)

type fakeAck struct {
	mu       sync.Mutex
	acked    int
	nacked   int
	requeued int
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued++
	} else {
		a.nacked++
	}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

type fakeBroker struct {
	ack        *fakeAck
	deliveries chan amqp.Delivery

	mu      sync.Mutex
	headers []amqp.Table
	tag     uint64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		ack:        &fakeAck{},
		deliveries: make(chan amqp.Delivery, 100),
	}
}

func (b *fakeBroker) Publish(queue string, body []byte, headers amqp.Table) error {
	b.mu.Lock()
	b.headers = append(b.headers, headers)
	b.tag++
	tag := b.tag
	b.mu.Unlock()

	b.deliveries <- amqp.Delivery{
		Acknowledger: b.ack,
		DeliveryTag:  tag,
		Headers:      headers,
		Body:         body,
	}
	return nil
}

func (b *fakeBroker) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) Purge(queue string) (int, error) {
	n := len(b.deliveries)
	for i := 0; i < n; i++ {
		<-b.deliveries
	}
	return n, nil
}

func validJob() domain.DispatchJob {
	return domain.DispatchJob{
		TenantID:          "t1",
		GatewayInstanceID: "gw1",
		Destination:       "254700000001",
		RenderedMessage:   "hello",
		SessionCredsRef:   "creds/t1",
		CampaignID:        "cmp_1",
		RecipientID:       "rcp_1",
	}
}

func TestPublishRejectsInvalidJob(t *testing.T) {
	b := newFakeBroker()
	q := &DispatchQueue{Broker: b, Name: "dispatch"}

	job := validJob()
	job.Destination = ""
	if err := q.Publish(context.Background(), job); !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(b.deliveries) != 0 {
		t.Fatal("invalid job must never reach the broker")
	}
}

func TestJobExhaustsRetryBudget(t *testing.T) {
	b := newFakeBroker()

	var calls atomic.Int32
	deadLettered := make(chan domain.DispatchJob, 1)

	q := &DispatchQueue{
		Broker:     b,
		Name:       "dispatch",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		OnDeadLetter: func(ctx context.Context, job domain.DispatchJob, cause error) {
			deadLettered <- job
		},
	}

	if err := q.Publish(context.Background(), validJob()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(ctx context.Context, job domain.DispatchJob) error {
			calls.Add(1)
			return errors.New("gateway down")
		})
	}()

	var dead domain.DispatchJob
	select {
	case dead = <-deadLettered:
	case <-time.After(5 * time.Second):
		t.Fatal("job was never dead-lettered")
	}
	cancel()
	<-done

	if got := calls.Load(); got != 3 {
		t.Fatalf("job delivered %d times, want exactly MaxRetries=3", got)
	}
	if dead.Attempt != 2 {
		t.Fatalf("dead-lettered attempt = %d, want 2", dead.Attempt)
	}

	b.ack.mu.Lock()
	defer b.ack.mu.Unlock()
	if b.ack.nacked != 1 {
		t.Fatalf("expected one nack without requeue, got %d", b.ack.nacked)
	}
}

func TestJobSucceedsAfterRetries(t *testing.T) {
	b := newFakeBroker()

	var calls atomic.Int32
	succeeded := make(chan domain.DispatchJob, 1)

	q := &DispatchQueue{
		Broker:     b,
		Name:       "dispatch",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		OnDeadLetter: func(ctx context.Context, job domain.DispatchJob, cause error) {
			t.Error("job must not be dead-lettered")
		},
	}

	if err := q.Publish(context.Background(), validJob()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(ctx context.Context, job domain.DispatchJob) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			succeeded <- job
			return nil
		})
	}()

	var final domain.DispatchJob
	select {
	case final = <-succeeded:
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}

	// Give the final ack a moment, then shut down.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if got := calls.Load(); got != 3 {
		t.Fatalf("job delivered %d times, want 3", got)
	}
	if final.Attempt != 2 {
		t.Fatalf("final attempt = %d, want 2", final.Attempt)
	}

	b.ack.mu.Lock()
	defer b.ack.mu.Unlock()
	// Two retry acks for the failed deliveries plus the final success ack.
	if b.ack.acked != 3 {
		t.Fatalf("expected 3 acks, got %d", b.ack.acked)
	}
	if b.ack.nacked != 0 {
		t.Fatalf("expected no dead-letter nacks, got %d", b.ack.nacked)
	}
}

func TestMalformedMessageDroppedWithoutRetry(t *testing.T) {
	b := newFakeBroker()
	if err := b.Publish("dispatch", []byte("{not json"), nil); err != nil {
		t.Fatal(err)
	}

	q := &DispatchQueue{Broker: b, Name: "dispatch", RetryDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(ctx context.Context, job domain.DispatchJob) error {
			t.Error("handler must not see malformed messages")
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		b.ack.mu.Lock()
		nacked := b.ack.nacked
		b.ack.mu.Unlock()
		if nacked == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("malformed message was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestRetryCopiesCarryIncrementedAttemptHeader(t *testing.T) {
	b := newFakeBroker()
	q := &DispatchQueue{Broker: b, Name: "dispatch", MaxRetries: 2, RetryDelay: time.Millisecond}

	if err := q.Publish(context.Background(), validJob()); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(ctx context.Context, job domain.DispatchJob) error {
			calls.Add(1)
			return errors.New("boom")
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("retry was never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.headers) < 2 {
		t.Fatalf("expected 2 publishes, got %d", len(b.headers))
	}
	if got := b.headers[0]["x-attempt"]; got != int32(0) {
		t.Fatalf("first publish attempt header = %v, want 0", got)
	}
	if got := b.headers[1]["x-attempt"]; got != int32(1) {
		t.Fatalf("retry publish attempt header = %v, want 1", got)
	}
}
