package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecraft/agentset/pkg/models"
)

// fakeChannel records operations and routes publishes back to consumers.
type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	bindings   map[string]string // queue → routing key
	deliveries map[string]chan amqp.Delivery
	published  []amqp.Publishing
	pubKeys    []string
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		bindings:   make(map[string]string),
		deliveries: make(map[string]chan amqp.Delivery),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name+"/"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	qname := name
	if qname == "" {
		qname = "amq.gen-" + time.Now().Format("150405.000000000")
	}
	f.deliveries[qname] = make(chan amqp.Delivery, 16)
	return amqp.Queue{Name: qname}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[name] = key
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries[queue], nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	f.pubKeys = append(f.pubKeys, key)
	for q, rk := range f.bindings {
		if rk == key {
			f.deliveries[q] <- amqp.Delivery{Body: msg.Body, RoutingKey: key}
		}
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		for _, ch := range f.deliveries {
			close(ch)
		}
	}
	return nil
}

// fakeDialer hands out channels and lets the test drop connections.
type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	closers  []chan *amqp.Error
	failures int // dial errors to return before succeeding
	dials    int
}

func (d *fakeDialer) dial(url string) (Channel, <-chan *amqp.Error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, nil, errors.New("dial refused")
	}
	ch := newFakeChannel()
	closer := make(chan *amqp.Error, 1)
	d.channels = append(d.channels, ch)
	d.closers = append(d.closers, closer)
	return ch, closer, nil
}

func (d *fakeDialer) dropConnection() {
	d.mu.Lock()
	closer := d.closers[len(d.closers)-1]
	ch := d.channels[len(d.channels)-1]
	d.mu.Unlock()
	_ = ch.Close()
	closer <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
}

func shortReconnects(t *testing.T) {
	t.Helper()
	oldInitial, oldCap, oldAttempts := reconnectInitial, reconnectCap, reconnectAttempts
	reconnectInitial = time.Millisecond
	reconnectCap = 5 * time.Millisecond
	reconnectAttempts = 5
	t.Cleanup(func() {
		reconnectInitial, reconnectCap, reconnectAttempts = oldInitial, oldCap, oldAttempts
	})
}

func TestPublish_BeforeStart(t *testing.T) {
	b := NewWithDialer("amqp://test", (&fakeDialer{}).dial)
	err := b.Publish(context.Background(), models.StatusUpdateRoutingKey, models.StatusUpdate{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishStatusUpdate_RoutesToSubscriber(t *testing.T) {
	d := &fakeDialer{}
	b := NewWithDialer("amqp://test", d.dial)

	received := make(chan []byte, 1)
	require.NoError(t, b.Subscribe(models.StatusUpdateRoutingKey, func(payload []byte) {
		received <- payload
	}))
	require.NoError(t, b.Start())
	defer b.Stop()

	err := b.PublishStatusUpdate(context.Background(), models.StatusUpdate{
		AgentID:   "agent-1",
		Status:    models.AgentStatusRunning,
		MissionID: "mission-1",
	})
	require.NoError(t, err)

	select {
	case payload := <-received:
		var update models.StatusUpdate
		require.NoError(t, json.Unmarshal(payload, &update))
		assert.Equal(t, "agent-1", update.AgentID)
		assert.Equal(t, models.AgentStatusRunning, update.Status)
		assert.False(t, update.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive status update")
	}
}

func TestReconnect_RebindsSubscriptions(t *testing.T) {
	shortReconnects(t)

	d := &fakeDialer{}
	b := NewWithDialer("amqp://test", d.dial)

	var mu sync.Mutex
	var got [][]byte
	require.NoError(t, b.Subscribe(models.StatusUpdateRoutingKey, func(payload []byte) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	}))
	require.NoError(t, b.Start())
	defer b.Stop()

	d.dropConnection()

	// Wait for the reconnect to land.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.dials >= 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return b.Publish(context.Background(), models.StatusUpdateRoutingKey, models.StatusUpdate{AgentID: "a"}) == nil
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, b.Degraded())
}

func TestReconnect_DegradesAfterBudget(t *testing.T) {
	shortReconnects(t)

	d := &fakeDialer{}
	b := NewWithDialer("amqp://test", d.dial)

	degraded := make(chan error, 1)
	b.OnDegraded = func(err error) { degraded <- err }

	require.NoError(t, b.Start())
	defer b.Stop()

	d.mu.Lock()
	d.failures = 100 // every redial fails
	d.mu.Unlock()
	d.dropConnection()

	select {
	case err := <-degraded:
		assert.ErrorIs(t, err, ErrDegraded)
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not degrade")
	}

	assert.True(t, b.Degraded())
	assert.ErrorIs(t, b.Publish(context.Background(), "agent.status.update", nil), ErrDegraded)

	// Initial dial + 5 reconnect attempts.
	d.mu.Lock()
	assert.Equal(t, 6, d.dials)
	d.mu.Unlock()
}
