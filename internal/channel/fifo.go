package channel

import "sync"

// FIFO delivers values in send order. With a capacity of zero every
// hand-off waits for a receiver, so TrySend only succeeds while one is
// blocked in Receive.
type FIFO[T any] struct {
	ch   chan T
	once sync.Once
}

// NewFIFO creates a FIFO with room for capacity pending values.
func NewFIFO[T any](capacity int) *FIFO[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &FIFO[T]{ch: make(chan T, capacity)}
}

// Send blocks until v is queued. It must not race with Close.
func (f *FIFO[T]) Send(v T) {
	f.ch <- v
}

// TrySend queues v unless that would block.
func (f *FIFO[T]) TrySend(v T) bool {
	select {
	case f.ch <- v:
		return true
	default:
		return false
	}
}

func (f *FIFO[T]) Receive() <-chan T {
	return f.ch
}

// Len is the number of queued values; always zero without capacity.
func (f *FIFO[T]) Len() int {
	return len(f.ch)
}

// Cap is the capacity given to NewFIFO.
func (f *FIFO[T]) Cap() int {
	return cap(f.ch)
}

// Close ends the stream after the queued values. Repeated calls are no-ops.
func (f *FIFO[T]) Close() {
	f.once.Do(func() { close(f.ch) })
}
