// Package queue binds the DispatchJob schema to one named broker queue and
// centralizes the retry policy, so every job kind gets identical backoff
// behavior without per-worker bookkeeping.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"campaigner/internal/domain"
	"campaigner/internal/observability"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Second

	attemptHeader = "x-attempt"
)

type Broker interface {
	Publish(queue string, body []byte, headers amqp.Table) error
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, error)
	Purge(queue string) (int, error)
}

type Handler func(ctx context.Context, job domain.DispatchJob) error

// DeadLetterFunc is invoked when a job exhausts its delivery budget, before
// the message is nacked without requeue.
type DeadLetterFunc func(ctx context.Context, job domain.DispatchJob, cause error)

// DispatchQueue validates jobs on both ends of one named queue. MaxRetries
// bounds the total number of delivery attempts per job.
type DispatchQueue struct {
	Broker Broker
	Name   string

	MaxRetries   int
	RetryDelay   time.Duration
	OnDeadLetter DeadLetterFunc

	retries sync.WaitGroup
}

func (q *DispatchQueue) maxRetries() int {
	if q.MaxRetries > 0 {
		return q.MaxRetries
	}
	return DefaultMaxRetries
}

func (q *DispatchQueue) retryDelay() time.Duration {
	if q.RetryDelay > 0 {
		return q.RetryDelay
	}
	return DefaultRetryDelay
}

// Publish validates and enqueues a job. Invalid jobs never reach the broker.
func (q *DispatchQueue) Publish(ctx context.Context, job domain.DispatchJob) error {
	if err := job.Validate(); err != nil {
		observability.Enqueues.WithLabelValues("invalid").Inc()
		return fmt.Errorf("invalid dispatch job: %w", err)
	}
	body, err := json.Marshal(job)
	if err != nil {
		observability.Enqueues.WithLabelValues("invalid").Inc()
		return err
	}
	if err := q.Broker.Publish(q.Name, body, amqp.Table{attemptHeader: int32(job.Attempt)}); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		return err
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	return nil
}

// Consume processes deliveries with a worker pool until ctx is cancelled.
// The delivery stream closing (connection loss) triggers a reconnect.
func (q *DispatchQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	for {
		if ctx.Err() != nil {
			q.retries.Wait()
			return ctx.Err()
		}

		deliveries, err := q.Broker.Consume(q.Name, workers*2)
		if err != nil {
			slog.Error("queue consume start failed", "queue", q.Name, "err", err)
			select {
			case <-ctx.Done():
				q.retries.Wait()
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		q.run(ctx, deliveries, workers, handler)
	}
}

func (q *DispatchQueue) run(ctx context.Context, deliveries <-chan amqp.Delivery, workers int, handler Handler) {
	jobs := make(chan amqp.Delivery)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				q.handle(ctx, d, handler)
			}
		}()
	}

feed:
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				break feed
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				// Shutting down with a delivery in hand: give it back.
				_ = d.Nack(false, true)
				break feed
			}
		case <-ctx.Done():
			break feed
		}
	}

	close(jobs)
	wg.Wait()
}

func (q *DispatchQueue) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	var job domain.DispatchJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		// Malformed payloads cannot self-correct; drop without requeue.
		slog.Error("queue dropping malformed message", "queue", q.Name, "err", err)
		observability.JobOutcomes.WithLabelValues("malformed").Inc()
		_ = d.Nack(false, false)
		return
	}
	if err := job.Validate(); err != nil {
		slog.Error("queue dropping invalid job", "queue", q.Name, "err", err)
		observability.JobOutcomes.WithLabelValues("malformed").Inc()
		_ = d.Nack(false, false)
		return
	}

	err := handler(ctx, job)
	if err == nil {
		observability.JobOutcomes.WithLabelValues("ok").Inc()
		_ = d.Ack(false)
		return
	}

	if job.Attempt+1 < q.maxRetries() {
		observability.JobOutcomes.WithLabelValues("retry").Inc()
		q.scheduleRetry(ctx, d, job, err)
		return
	}

	slog.Error("queue dead-lettering job",
		"queue", q.Name,
		"attempt", job.Attempt,
		"recipient_id", job.RecipientID,
		"err", err,
	)
	observability.JobOutcomes.WithLabelValues("dead_letter").Inc()
	if q.OnDeadLetter != nil {
		q.OnDeadLetter(ctx, job, err)
	}
	_ = d.Nack(false, false)
}

// scheduleRetry republishes a copy with an incremented attempt after the
// retry delay, then acks the original. If the republish cannot happen the
// original is requeued unchanged, preserving at-least-once delivery.
func (q *DispatchQueue) scheduleRetry(ctx context.Context, d amqp.Delivery, job domain.DispatchJob, cause error) {
	q.retries.Add(1)
	go func() {
		defer q.retries.Done()

		select {
		case <-time.After(q.retryDelay()):
		case <-ctx.Done():
			_ = d.Nack(false, true)
			return
		}

		retry := job
		retry.Attempt++
		if err := q.Publish(context.WithoutCancel(ctx), retry); err != nil {
			slog.Error("queue retry republish failed, requeueing original",
				"queue", q.Name, "attempt", retry.Attempt, "err", err)
			_ = d.Nack(false, true)
			return
		}
		slog.Info("queue scheduled retry",
			"queue", q.Name,
			"attempt", retry.Attempt,
			"recipient_id", retry.RecipientID,
			"cause", cause.Error(),
		)
		_ = d.Ack(false)
	}()
}

// Purge drains the queue. Operational tooling only, never the hot path.
func (q *DispatchQueue) Purge() (int, error) {
	return q.Broker.Purge(q.Name)
}
