// Package broker owns the process-wide AMQP connection and channel.
// Queues share one Broker; it reconnects lazily when the connection drops.
package broker

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

type Broker struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(url string) *Broker {
	return &Broker{url: url}
}

// Connect establishes the connection and channel if they are not already
// open. Safe to call concurrently; callers racing an in-flight connect block
// on the mutex instead of dialing a second connection.
func (b *Broker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.channelLocked()
	return err
}

func (b *Broker) channelLocked() (*amqp.Channel, error) {
	if b.conn != nil && !b.conn.IsClosed() {
		if b.ch != nil {
			return b.ch, nil
		}
		// The server closed the channel (a failed declare does that) but the
		// connection is still up: open a fresh channel on it.
		ch, err := b.conn.Channel()
		if err == nil {
			b.ch = ch
			b.watch(ch)
			return ch, nil
		}
		_ = b.conn.Close()
	}
	b.conn, b.ch = nil, nil

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	b.conn, b.ch = conn, ch
	b.watch(ch)
	return ch, nil
}

// watch drops the cached channel once the server closes it, so the next
// operation opens a new one instead of failing forever on a dead channel.
func (b *Broker) watch(ch *amqp.Channel) {
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		<-closed
		b.dropChannel(ch)
	}()
}

func (b *Broker) dropChannel(ch *amqp.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A stale notification for an already-replaced channel must not clobber
	// the live one.
	if b.ch == ch {
		b.ch = nil
	}
}

func (b *Broker) declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("queue declare %s: %w", queue, err)
	}
	return nil
}

// Publish declares the queue durable and publishes a persistent message.
func (b *Broker) Publish(queue string, body []byte, headers amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	if err := b.declare(ch, queue); err != nil {
		return err
	}

	err = ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume declares the queue and returns a manual-ack delivery stream with
// the given prefetch. The stream closes when the connection drops; callers
// re-call Consume to reconnect.
func (b *Broker) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return nil, err
	}
	if err := b.declare(ch, queue); err != nil {
		return nil, err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("qos: %w", err)
		}
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// Purge drains a queue. Operational tooling only.
func (b *Broker) Purge(queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return 0, err
	}
	if err := b.declare(ch, queue); err != nil {
		return 0, err
	}
	return ch.QueuePurge(queue, false)
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}
