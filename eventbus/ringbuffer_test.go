package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingHandler struct {
	mu   sync.Mutex
	seen []Event
}

func (h *collectingHandler) OnEvent(e Event) {
	h.mu.Lock()
	h.seen = append(h.seen, e)
	h.mu.Unlock()
}

func TestRingBufferBasicOperations(t *testing.T) {
	h := &collectingHandler{}
	rb := NewRingBuffer(16, h)
	rb.Start()

	for i := 0; i < 10; i++ {
		rb.Publish(Event{Kind: ClientConnected, ClientID: string(rune('a' + i))})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rb.Shutdown(ctx))

	assert.Len(t, h.seen, 10)
	for i, e := range h.seen {
		assert.Equal(t, string(rune('a'+i)), e.ClientID)
	}
}

func TestRingBufferSequenceMonitoring(t *testing.T) {
	h := &collectingHandler{}
	rb := NewRingBuffer(16, h)

	assert.Equal(t, int64(-1), rb.ProducerSequence())
	assert.Equal(t, int64(-1), rb.ConsumerSequence())

	rb.Start()
	for i := 0; i < 3; i++ {
		rb.Publish(Event{Kind: FaultInjected})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rb.Shutdown(ctx))

	assert.Equal(t, int64(2), rb.ProducerSequence())
	assert.Equal(t, int64(2), rb.ConsumerSequence())
}

func TestRingBufferShutdownTimeout(t *testing.T) {
	blockCh := make(chan struct{})
	h := HandlerFunc(func(e Event) { <-blockCh })
	rb := NewRingBuffer(16, h)
	rb.Start()

	rb.Publish(Event{Kind: ClientConnected})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := rb.Shutdown(ctx)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	close(blockCh)
}

func TestRingBufferConcurrentPublish(t *testing.T) {
	var count atomic.Int64
	h := HandlerFunc(func(e Event) { count.Add(1) })
	rb := NewRingBuffer(1024, h)
	rb.Start()

	const numPublishers = 10
	const eventsPerPublisher = 100

	var wg sync.WaitGroup
	wg.Add(numPublishers)
	for i := 0; i < numPublishers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				rb.Publish(Event{Kind: ClientConnected})
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rb.Shutdown(ctx))

	assert.Equal(t, int64(numPublishers*eventsPerPublisher), count.Load())
}

func TestRingBufferPowerOf2Validation(t *testing.T) {
	h := HandlerFunc(func(e Event) {})

	assert.Panics(t, func() { NewRingBuffer(15, h) })
	assert.Panics(t, func() { NewRingBuffer(0, h) })
	assert.Panics(t, func() { NewRingBuffer(-1, h) })
	assert.NotPanics(t, func() { NewRingBuffer(16, h) })
}
