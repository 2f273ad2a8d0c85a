// Package bus provides the RabbitMQ topic-exchange publisher/subscriber used
// for agent status updates. Connections reconnect automatically with
// exponential backoff; after the retry budget is exhausted the bus degrades
// to an error state and reports it through the OnDegraded callback.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stagecraft/agentset/pkg/models"
)

// ExchangeName is the durable topic exchange carrying agent events.
const ExchangeName = "agent.events"

// Reconnect policy: exponential backoff starting at 2s, capped at 30s,
// at most 5 attempts before surfacing a fatal bus state.
// Vars so tests can shorten the schedule.
var (
	reconnectInitial  = 2 * time.Second
	reconnectCap      = 30 * time.Second
	reconnectAttempts = 5
)

// ErrNotConnected is returned by Publish while the bus has no live channel.
var ErrNotConnected = errors.New("bus not connected")

// ErrDegraded is returned once the reconnect budget is exhausted.
var ErrDegraded = errors.New("bus degraded after reconnect attempts exhausted")

// Handler consumes the raw payload of a delivered message.
type Handler func(payload []byte)

// Publisher is the narrow publishing surface components depend on.
type Publisher interface {
	PublishStatusUpdate(ctx context.Context, update models.StatusUpdate) error
}

// Channel is the subset of the AMQP channel the bus uses. Abstracted so
// reconnect behavior is testable without a broker.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel to the broker and returns a channel plus a signal
// that fires when the underlying connection drops.
type Dialer func(url string) (Channel, <-chan *amqp.Error, error)

// AMQPDialer is the production Dialer backed by amqp091.
func AMQPDialer(url string) (Channel, <-chan *amqp.Error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	return ch, closed, nil
}

type subscription struct {
	routingKey string
	handler    Handler
}

// MessageBus is a topic-exchange client with automatic reconnect.
type MessageBus struct {
	url  string
	dial Dialer

	// OnDegraded is invoked once when the reconnect budget is exhausted.
	// Set before Start; may be nil.
	OnDegraded func(err error)

	mu       sync.Mutex
	ch       Channel
	subs     []subscription
	degraded bool
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a bus for the given AMQP URL using the production dialer.
func New(url string) *MessageBus {
	return NewWithDialer(url, AMQPDialer)
}

// NewWithDialer creates a bus with a custom dialer (used by tests).
func NewWithDialer(url string, dial Dialer) *MessageBus {
	return &MessageBus{
		url:    url,
		dial:   dial,
		stopCh: make(chan struct{}),
	}
}

// Start establishes the initial connection and declares the exchange.
func (b *MessageBus) Start() error {
	ch, closed, err := b.connect()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.ch = ch
	b.mu.Unlock()

	b.watch(closed)
	slog.Info("Message bus connected", "exchange", ExchangeName)
	return nil
}

// Stop closes the bus and waits for background goroutines to exit.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	b.stopped = true
	ch := b.ch
	b.ch = nil
	b.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	b.wg.Wait()
}

// Publish sends a JSON payload to the exchange under the routing key.
// Failures are returned to the caller; all call sites treat publishes as
// fire-and-forget and log the failure.
func (b *MessageBus) Publish(ctx context.Context, routingKey string, payload any) error {
	b.mu.Lock()
	ch := b.ch
	degraded := b.degraded
	b.mu.Unlock()

	if degraded {
		return ErrDegraded
	}
	if ch == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", routingKey, err)
	}
	return ch.PublishWithContext(ctx, ExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// PublishStatusUpdate publishes an agent status change on agent.status.update.
func (b *MessageBus) PublishStatusUpdate(ctx context.Context, update models.StatusUpdate) error {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	return b.Publish(ctx, models.StatusUpdateRoutingKey, update)
}

// Subscribe registers a handler for a routing key. The binding is
// re-established after every reconnect. Subscribe may be called before or
// after Start.
func (b *MessageBus) Subscribe(routingKey string, handler Handler) error {
	b.mu.Lock()
	b.subs = append(b.subs, subscription{routingKey: routingKey, handler: handler})
	ch := b.ch
	b.mu.Unlock()

	if ch == nil {
		return nil // bound on connect
	}
	return b.bind(ch, routingKey, handler)
}

// Degraded reports whether the bus gave up reconnecting.
func (b *MessageBus) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// connect dials the broker, declares the exchange, and re-establishes all
// registered subscriptions.
func (b *MessageBus) connect() (Channel, <-chan *amqp.Error, error) {
	ch, closed, err := b.dial(b.url)
	if err != nil {
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declaring exchange %s: %w", ExchangeName, err)
	}

	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := b.bind(ch, sub.routingKey, sub.handler); err != nil {
			_ = ch.Close()
			return nil, nil, err
		}
	}
	return ch, closed, nil
}

// bind declares an exclusive queue for the routing key and starts a consumer.
func (b *MessageBus) bind(ch Channel, routingKey string, handler Handler) error {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue for %s: %w", routingKey, err)
	}
	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("binding %s: %w", routingKey, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", routingKey, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range deliveries {
			handler(d.Body)
		}
	}()
	return nil
}

// watch waits for the connection to drop and drives the reconnect loop.
func (b *MessageBus) watch(closed <-chan *amqp.Error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-b.stopCh:
			return
		case amqpErr := <-closed:
			if amqpErr == nil {
				return // clean shutdown
			}
			slog.Warn("Message bus connection lost, reconnecting", "error", amqpErr)
			b.reconnect()
		}
	}()
}

func (b *MessageBus) reconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectInitial
	policy.MaxInterval = reconnectCap
	policy.RandomizationFactor = 0

	wait := policy.NextBackOff()
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-b.stopCh:
			return
		case <-time.After(wait):
		}

		ch, closed, err := b.connect()
		if err == nil {
			b.mu.Lock()
			if b.stopped {
				b.mu.Unlock()
				_ = ch.Close()
				return
			}
			b.ch = ch
			b.mu.Unlock()
			slog.Info("Message bus reconnected", "attempt", attempt)
			b.watch(closed)
			return
		}

		slog.Warn("Message bus reconnect failed",
			"attempt", attempt, "max_attempts", reconnectAttempts, "error", err)
		wait = policy.NextBackOff()
	}

	b.mu.Lock()
	b.degraded = true
	onDegraded := b.OnDegraded
	b.mu.Unlock()

	slog.Error("Message bus degraded, giving up reconnecting", "attempts", reconnectAttempts)
	if onDegraded != nil {
		onDegraded(ErrDegraded)
	}
}
