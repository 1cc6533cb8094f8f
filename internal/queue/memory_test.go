package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests step past visibility windows without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(cfg MemoryConfig) (*Memory, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemory(cfg)
	q.now = clock.Now
	return q, clock
}

func receiveOne(t *testing.T, q *Memory) Message {
	t.Helper()
	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestMemory_SendReceiveAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(MemoryConfig{})

	require.NoError(t, q.Send(ctx, []byte(`{"fileName":"a.jpg"}`), map[string]string{"Title": "a.jpg"}, "a.jpg"))

	m := receiveOne(t, q)
	assert.Equal(t, `{"fileName":"a.jpg"}`, string(m.Body))
	assert.Equal(t, "a.jpg", m.Attributes["Title"])
	assert.Equal(t, "a.jpg", m.GroupKey)
	assert.Equal(t, 1, m.ReceiveCount)
	assert.NotEmpty(t, m.ReceiptToken)

	// In flight: hidden from other consumers
	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, q.Ack(ctx, m.ReceiptToken))
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Ack(ctx, m.ReceiptToken), ErrInvalidReceipt)
}

func TestMemory_RequiresGroupKey(t *testing.T) {
	q, _ := newTestQueue(MemoryConfig{})
	err := q.Send(context.Background(), []byte("x"), nil, "")
	assert.ErrorIs(t, err, ErrMissingGroupKey)
	assert.Equal(t, 0, q.Len())
}

func TestMemory_VisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(MemoryConfig{Visibility: 30 * time.Second})
	require.NoError(t, q.Send(ctx, []byte("job"), nil, "g"))

	first := receiveOne(t, q)

	clock.Advance(29 * time.Second)
	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "still inside the visibility window")

	clock.Advance(2 * time.Second)
	second := receiveOne(t, q)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.ReceiveCount)
	assert.NotEqual(t, first.ReceiptToken, second.ReceiptToken)

	// The stale receipt no longer acks the message
	assert.ErrorIs(t, q.Ack(ctx, first.ReceiptToken), ErrInvalidReceipt)
	require.NoError(t, q.Ack(ctx, second.ReceiptToken))
}

func TestMemory_GroupOrdering(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(MemoryConfig{})
	require.NoError(t, q.Send(ctx, []byte("a1"), nil, "A"))
	require.NoError(t, q.Send(ctx, []byte("a2"), nil, "A"))
	require.NoError(t, q.Send(ctx, []byte("b1"), nil, "B"))

	a1 := receiveOne(t, q)
	assert.Equal(t, "a1", string(a1.Body))

	// a2 must wait behind a1; group B is free
	b1 := receiveOne(t, q)
	assert.Equal(t, "b1", string(b1.Body))

	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, q.Ack(ctx, a1.ReceiptToken))
	a2 := receiveOne(t, q)
	assert.Equal(t, "a2", string(a2.Body))
}

func TestMemory_BatchKeepsPublishOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(MemoryConfig{})
	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, q.Send(ctx, []byte(body), nil, "same"))
	}
	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, string(rune('1'+i)), string(m.Body))
	}
}

func TestMemory_ContentDedup(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(MemoryConfig{DedupWindow: time.Minute})

	require.NoError(t, q.Send(ctx, []byte("same"), nil, "g"))
	require.NoError(t, q.Send(ctx, []byte("same"), nil, "g"))
	assert.Equal(t, 1, q.Len())

	clock.Advance(2 * time.Minute)
	require.NoError(t, q.Send(ctx, []byte("same"), nil, "g"))
	assert.Equal(t, 2, q.Len())
}

func TestMemory_DedupDisabled(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(MemoryConfig{DedupWindow: -1})
	require.NoError(t, q.Send(ctx, []byte("same"), nil, "g"))
	require.NoError(t, q.Send(ctx, []byte("same"), nil, "g"))
	assert.Equal(t, 2, q.Len())
}

func TestMemory_Release(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(MemoryConfig{Visibility: time.Hour})
	require.NoError(t, q.Send(ctx, []byte("job"), nil, "g"))

	m := receiveOne(t, q)
	require.NoError(t, q.Release(ctx, m.ReceiptToken, 5*time.Second))
	assert.ErrorIs(t, q.Ack(ctx, m.ReceiptToken), ErrInvalidReceipt)

	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "released with a delay")

	clock.Advance(5 * time.Second)
	again := receiveOne(t, q)
	assert.Equal(t, 2, again.ReceiveCount)

	require.NoError(t, q.Release(ctx, again.ReceiptToken, 0))
	third := receiveOne(t, q)
	assert.Equal(t, 3, third.ReceiveCount)

	assert.ErrorIs(t, q.Release(ctx, "bogus", 0), ErrInvalidReceipt)
}

func TestMemory_LongPoll(t *testing.T) {
	q := NewMemory(MemoryConfig{PollEvery: 5 * time.Millisecond})

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Send(context.Background(), []byte("late"), nil, "g")
	}()

	msgs, err := q.Receive(context.Background(), 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", string(msgs[0].Body))
}

func TestMemory_ReceiveCancelled(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx, 1, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContentID(t *testing.T) {
	assert.Equal(t, ContentID([]byte("a")), ContentID([]byte("a")))
	assert.NotEqual(t, ContentID([]byte("a")), ContentID([]byte("b")))
	assert.Len(t, ContentID(nil), 64)
}
