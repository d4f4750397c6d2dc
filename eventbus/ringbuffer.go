// Package eventbus carries structural events — connects, disconnects,
// slow-consumer transitions, fault injections, reconnect attempts — off the
// hot reactor loop via a lock-free MPSC ring buffer, so logging them never
// blocks message dispatch.
package eventbus

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrShutdownTimeout is returned when Shutdown's context expires before the
// consumer drains every published event.
var ErrShutdownTimeout = errors.New("eventbus: shutdown timeout")

// Handler processes one event at a time on the bus's consumer goroutine.
type Handler interface {
	OnEvent(event Event)
}

// RingBuffer is a multi-producer single-consumer ring buffer sized to a
// power of 2. Producers spin (yielding) while another producer is mid-claim
// or while the buffer is full; the consumer runs on its own goroutine.
type RingBuffer struct {
	_                [56]byte
	producerSequence atomic.Int64
	_                [56]byte
	consumerSequence atomic.Int64
	_                [56]byte

	buffer     []Event
	bufferMask int64
	capacity   int64

	published []int64

	handler Handler

	isShutdown atomic.Bool
}

// NewRingBuffer constructs a bus with the given power-of-2 capacity.
func NewRingBuffer(capacity int64, handler Handler) *RingBuffer {
	if capacity <= 0 || (capacity&(capacity-1)) != 0 {
		panic("eventbus: capacity must be a power of 2")
	}

	rb := &RingBuffer{
		buffer:     make([]Event, capacity),
		published:  make([]int64, capacity),
		capacity:   capacity,
		bufferMask: capacity - 1,
		handler:    handler,
	}

	rb.producerSequence.Store(-1)
	rb.consumerSequence.Store(-1)

	for i := range rb.published {
		rb.published[i] = -1
	}

	return rb
}

// Publish enqueues event, spinning only while the buffer is momentarily
// full or another producer is mid-claim. A no-op after Shutdown begins.
func (rb *RingBuffer) Publish(event Event) {
	if rb.isShutdown.Load() {
		return
	}

	var nextSeq int64
	for {
		currentProducerSeq := rb.producerSequence.Load()
		nextSeq = currentProducerSeq + 1

		wrapPoint := nextSeq - rb.capacity
		consumerSeq := rb.consumerSequence.Load()
		if wrapPoint > consumerSeq {
			runtime.Gosched()
			continue
		}

		if rb.producerSequence.CompareAndSwap(currentProducerSeq, nextSeq) {
			break
		}
		runtime.Gosched()
	}

	index := nextSeq & rb.bufferMask
	rb.buffer[index] = event
	atomic.StoreInt64(&rb.published[index], nextSeq)
}

// Start launches the consumer goroutine.
func (rb *RingBuffer) Start() {
	go rb.consumerLoop()
}

// Shutdown stops accepting new events and blocks until the consumer has
// drained everything already published, or ctx expires first.
func (rb *RingBuffer) Shutdown(ctx context.Context) error {
	rb.isShutdown.Store(true)

	for {
		select {
		case <-ctx.Done():
			return ErrShutdownTimeout
		default:
			if rb.ConsumerSequence() >= rb.ProducerSequence() {
				return nil
			}
			runtime.Gosched()
		}
	}
}

func (rb *RingBuffer) consumerLoop() {
	nextConsumerSeq := rb.consumerSequence.Load() + 1

	for {
		availableSeq := rb.producerSequence.Load()

		if rb.isShutdown.Load() {
			rb.processRemainingEvents(nextConsumerSeq)
			return
		}

		processed := false
		for nextConsumerSeq <= availableSeq {
			index := nextConsumerSeq & rb.bufferMask

			for atomic.LoadInt64(&rb.published[index]) != nextConsumerSeq {
				runtime.Gosched()
			}

			rb.handler.OnEvent(rb.buffer[index])
			rb.consumerSequence.Store(nextConsumerSeq)
			nextConsumerSeq++
			processed = true
		}

		if !processed {
			runtime.Gosched()
		}
	}
}

func (rb *RingBuffer) processRemainingEvents(nextConsumerSeq int64) {
	availableSeq := rb.producerSequence.Load()

	for nextConsumerSeq <= availableSeq {
		index := nextConsumerSeq & rb.bufferMask

		for atomic.LoadInt64(&rb.published[index]) != nextConsumerSeq {
			runtime.Gosched()
		}

		rb.handler.OnEvent(rb.buffer[index])
		rb.consumerSequence.Store(nextConsumerSeq)
		nextConsumerSeq++
	}
}

// ConsumerSequence reports the last sequence the consumer finished.
func (rb *RingBuffer) ConsumerSequence() int64 { return rb.consumerSequence.Load() }

// ProducerSequence reports the last sequence a producer claimed.
func (rb *RingBuffer) ProducerSequence() int64 { return rb.producerSequence.Load() }

// GetPendingEvents reports how far the consumer trails the producers.
func (rb *RingBuffer) GetPendingEvents() int64 {
	return rb.producerSequence.Load() - rb.consumerSequence.Load()
}
