package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestPublish_MonotonicOffsets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 8, testLogger())
	defer m.Close()

	for i := 1; i <= 5; i++ {
		off, err := m.Publish(ctx, "events.raw", []byte(fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), off)
	}
	assert.Equal(t, 5, m.StreamLen("events.raw"))
}

func TestFetch_OrderAndAck(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 8, testLogger())
	defer m.Close()

	for i := 1; i <= 3; i++ {
		_, err := m.Publish(ctx, "events.raw", []byte(fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
	}

	msgs, err := m.Fetch(ctx, "events.raw", "workers", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, uint64(i+1), msg.Offset)
		assert.Equal(t, 1, msg.Deliveries)
		require.NoError(t, msg.Ack())
	}

	// Everything acked; nothing left.
	msgs, err = m.Fetch(ctx, "events.raw", "workers", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFetch_ResumesAfterAck(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 8, testLogger())
	defer m.Close()

	_, err := m.Publish(ctx, "s", []byte("one"))
	require.NoError(t, err)

	msgs, err := m.Fetch(ctx, "s", "g", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, msgs[0].Ack())

	_, err = m.Publish(ctx, "s", []byte("two"))
	require.NoError(t, err)

	msgs, err = m.Fetch(ctx, "s", "g", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("two"), msgs[0].Data)
	assert.Equal(t, uint64(2), msgs[0].Offset)
}

func TestIndependentConsumerGroups(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 8, testLogger())
	defer m.Close()

	_, err := m.Publish(ctx, "s", []byte("payload"))
	require.NoError(t, err)

	a, err := m.Fetch(ctx, "s", "group-a", 10, 100*time.Millisecond)
	require.NoError(t, err)
	b, err := m.Fetch(ctx, "s", "group-b", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.Len(t, b, 1, "each group gets its own cursor")
}

func TestClaimTimeout_Redelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(50*time.Millisecond, 8, testLogger())
	defer m.Close()

	_, err := m.Publish(ctx, "s", []byte("sticky"))
	require.NoError(t, err)

	msgs, err := m.Fetch(ctx, "s", "g", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	// Never acked; claim expires.

	time.Sleep(80 * time.Millisecond)
	msgs, err = m.Fetch(ctx, "s", "g", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "expired claim is redelivered")
	assert.Equal(t, 2, msgs[0].Deliveries)
	require.NoError(t, msgs[0].Ack())
}

func TestMaxDeliveries_DeadLetter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10*time.Millisecond, 2, testLogger())
	defer m.Close()

	var mu sync.Mutex
	var dead []Message
	m.OnDeadLetter(func(stream string, msg Message) {
		mu.Lock()
		dead = append(dead, msg)
		mu.Unlock()
	})

	_, err := m.Publish(ctx, "s", []byte("poison"))
	require.NoError(t, err)

	// Exhaust the delivery budget without acking.
	for i := 0; i < 2; i++ {
		msgs, err := m.Fetch(ctx, "s", "g", 1, 100*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		time.Sleep(30 * time.Millisecond)
	}

	msgs, err := m.Fetch(ctx, "s", "g", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs, "dead-lettered message leaves the group")
	assert.Equal(t, 1, m.StreamLen(DeadLetterStream))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dead) == 1
	}, time.Second, 10*time.Millisecond, "dead-letter hook fires after the move")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("poison"), dead[0].Data)
}

func TestFetch_BlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, 8, testLogger())
	defer m.Close()

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := m.Fetch(ctx, "s", "g", 1, 2*time.Second)
		done <- msgs
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := m.Publish(ctx, "s", []byte("wake"))
	require.NoError(t, err)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, []byte("wake"), msgs[0].Data)
	case <-time.After(3 * time.Second):
		t.Fatal("fetch never woke up")
	}
}
