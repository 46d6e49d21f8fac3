package task

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "agent-matrix/internal/errors"
)

// fakeBroker 同时模拟 amqp channel 与消息确认：Nack(requeue) 会把消息重新放回投递通道。
type fakeBroker struct {
	deliveries chan amqp.Delivery

	mu        sync.Mutex
	nextTag   uint64
	bodies    map[uint64][]byte
	acked     []string
	nacked    []string
	published []amqp.Publishing
	closed    bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, 16), bodies: map[uint64][]byte{}}
}

func (b *fakeBroker) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()
	b.enqueue(msg.Body)
	return nil
}

func (b *fakeBroker) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBroker) enqueue(body []byte) {
	b.mu.Lock()
	b.nextTag++
	tag := b.nextTag
	b.bodies[tag] = body
	b.mu.Unlock()
	b.deliveries <- amqp.Delivery{Acknowledger: b, DeliveryTag: tag, Body: body}
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, string(b.bodies[tag]))
	return nil
}

func (b *fakeBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	body := b.bodies[tag]
	b.nacked = append(b.nacked, string(body))
	b.mu.Unlock()
	if requeue {
		b.enqueue(body)
	}
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

func (b *fakeBroker) settled() (acked, nacked []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...), append([]string(nil), b.nacked...)
}

func TestRabbitMQQueueAcksHandledMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	broker := newFakeBroker()
	q := newRabbitMQQueue(broker, "cmds", 0)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, q.Publish(context.Background(), id))
	}
	assert.Equal(t, uint8(amqp.Persistent), broker.published[0].DeliveryMode)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(context.Context, string) error {
			wg.Done()
			return nil
		})
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		acked, _ := broker.settled()
		return len(acked) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	acked, nacked := broker.settled()
	assert.ElementsMatch(t, []string{"a", "b"}, acked)
	assert.Empty(t, nacked)

	require.NoError(t, q.Close())
	assert.True(t, broker.closed)
}

func TestRabbitMQQueueNacksFailedMessagesAfterDelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	broker := newFakeBroker()
	delay := 40 * time.Millisecond
	q := newRabbitMQQueue(broker, "cmds", delay)
	require.NoError(t, q.Publish(context.Background(), "cmd-1"))

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	delivered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(context.Context, string) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, time.Now())
			if len(attempts) == 1 {
				return xerrors.New(xerrors.CodeStorageFailure, "claim failed")
			}
			close(delivered)
			return nil
		})
	}()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
	require.Eventually(t, func() bool {
		acked, _ := broker.settled()
		return len(acked) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 2)
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), delay)
	acked, nacked := broker.settled()
	assert.Equal(t, []string{"cmd-1"}, nacked)
	assert.Equal(t, []string{"cmd-1"}, acked)
}

func TestRabbitMQQueueStopsWhenDeliveriesClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	broker := newFakeBroker()
	close(broker.deliveries)
	q := newRabbitMQQueue(broker, "cmds", 0)

	err := q.Consume(context.Background(), 2, func(context.Context, string) error { return nil })
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
}

func TestRabbitMQQueueRequiresChannel(t *testing.T) {
	_, err := NewRabbitMQQueue(RabbitMQConfig{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	var q *RabbitMQQueue
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(q.Publish(context.Background(), "x")))
	assert.NoError(t, q.Close())
}
