package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectMemory(t *testing.T, b *MemoryBroker, prefetch int) *MemoryConnector {
	t.Helper()
	c := NewMemoryConnector(MemorySetting{Broker: b, Prefetch: prefetch})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receive(t *testing.T, sub Subscription) *Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		require.True(t, ok, "deliveries closed: %v", sub.Err())
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestMemoryAckAndPublish(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	b.Enqueue("q", Message{Payload: "hello", CorrelationID: "c1", Headers: map[string]string{"k": "v"}})

	c := connectMemory(t, b, 0)
	sub, err := c.Consume(ctx, "q")
	require.NoError(t, err)

	d := receive(t, sub)
	assert.Equal(t, "hello", d.Payload)
	assert.Equal(t, "c1", d.CorrelationID)
	assert.Equal(t, "q", d.Queue)
	assert.Equal(t, "v", d.Headers["k"])
	assert.False(t, d.Redelivered)
	assert.Equal(t, 1, b.Inflight())

	require.NoError(t, c.Publish(ctx, "replies", "world", "c1", map[string]string{"k": "v"}))
	require.NoError(t, c.Ack(ctx, d))

	acks, nacks := b.Counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)
	assert.Equal(t, 0, b.Inflight())

	pub := b.Published("replies")
	require.Len(t, pub, 1)
	assert.Equal(t, "world", pub[0].Payload)
	assert.Equal(t, 1, b.Depth("replies"))
}

func TestMemoryResolveExactlyOnce(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	b.Enqueue("q", Message{Payload: "x"})
	c := connectMemory(t, b, 0)
	sub, err := c.Consume(ctx, "q")
	require.NoError(t, err)

	d := receive(t, sub)
	require.NoError(t, c.Ack(ctx, d))
	assert.ErrorIs(t, c.Ack(ctx, d), ErrAlreadyResolved)
	assert.ErrorIs(t, c.Nack(ctx, d, true), ErrAlreadyResolved)

	acks, nacks := b.Counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)
}

func TestMemoryNack(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	b.Enqueue("q", Message{Payload: "first"})
	b.Enqueue("q", Message{Payload: "second"})
	c := connectMemory(t, b, 1)
	sub, err := c.Consume(ctx, "q")
	require.NoError(t, err)

	d := receive(t, sub)
	require.Equal(t, "first", d.Payload)
	require.NoError(t, c.Nack(ctx, d, true))

	again := receive(t, sub)
	assert.Equal(t, "first", again.Payload, "requeued message goes to the head")
	assert.True(t, again.Redelivered)

	require.NoError(t, c.Nack(ctx, again, false))
	dead := b.DeadLetters("q")
	require.Len(t, dead, 1)
	assert.Equal(t, "first", dead[0].Payload)

	next := receive(t, sub)
	assert.Equal(t, "second", next.Payload)
}

func TestMemoryPrefetchLimit(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	for i := 0; i < 5; i++ {
		b.Enqueue("q", Message{Payload: "m"})
	}
	c := connectMemory(t, b, 2)

	sub, err := c.Consume(ctx, "q")
	require.NoError(t, err)

	first := receive(t, sub)
	second := receive(t, sub)

	select {
	case <-sub.Deliveries():
		t.Fatal("third delivery exceeded the connector prefetch limit")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2, b.Inflight())
	assert.Equal(t, 3, b.Depth("q"))

	require.NoError(t, c.Ack(ctx, first))
	third := receive(t, sub)
	require.NoError(t, c.Ack(ctx, second))
	require.NoError(t, c.Ack(ctx, third))
}

func TestMemoryConnectionLoss(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	b.Enqueue("q", Message{Payload: "x"})
	c := connectMemory(t, b, 0)
	sub, err := c.Consume(ctx, "q")
	require.NoError(t, err)

	d := receive(t, sub)
	b.FailConnections()

	_, ok := <-sub.Deliveries()
	assert.False(t, ok)
	assert.True(t, IsConnectionError(sub.Err()))

	assert.True(t, IsConnectionError(c.Ack(ctx, d)), "stale delivery cannot be acked")
	assert.Equal(t, 1, b.Depth("q"), "unacked delivery is requeued")

	_, err = c.Consume(ctx, "q")
	assert.True(t, IsConnectionError(err))

	b.SetDown(true)
	assert.True(t, IsConnectionError(c.Connect(ctx)))
	b.SetDown(false)
	require.NoError(t, c.Connect(ctx))

	sub2, err := c.Consume(ctx, "q")
	require.NoError(t, err)
	redelivered := receive(t, sub2)
	assert.True(t, redelivered.Redelivered)
	require.NoError(t, c.Ack(ctx, redelivered))
}

func TestMemoryCloseSubscription(t *testing.T) {
	b := NewMemoryBroker()
	c := connectMemory(t, b, 0)
	sub, err := c.Consume(context.Background(), "q")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	_, ok := <-sub.Deliveries()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	b.Enqueue("q", Message{Payload: "later"})
	assert.Equal(t, 1, b.Depth("q"))
}

func TestMemoryForeignDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	b.Enqueue("q", Message{Payload: "x"})
	c1 := connectMemory(t, b, 0)
	c2 := connectMemory(t, b, 0)

	sub, err := c1.Consume(ctx, "q")
	require.NoError(t, err)
	d := receive(t, sub)

	assert.ErrorIs(t, c2.Ack(ctx, d), ErrForeignDelivery)
	assert.False(t, d.Resolved())
	require.NoError(t, c1.Ack(ctx, d))
}

func TestMemoryNotConnected(t *testing.T) {
	c := NewMemoryConnector(MemorySetting{Broker: NewMemoryBroker()})
	_, err := c.Consume(context.Background(), "q")
	assert.True(t, errors.Is(err, ErrNotConnected))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}
