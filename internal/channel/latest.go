package channel

import "sync"

// Latest holds at most one pending value. A Send while a value is pending
// replaces it, so a slow reader always sees the newest value and writers
// never block. Feed subscriptions use it because every value is a full
// snapshot and intermediate ones can be skipped.
type Latest[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// NewLatest creates an empty Latest.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{ch: make(chan T, 1)}
}

// Send replaces any pending value with v. Sends after Close are dropped.
func (l *Latest[T]) Send(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case <-l.ch:
	default:
	}
	l.ch <- v
}

// TrySend is Send; it never fails while open.
func (l *Latest[T]) TrySend(v T) bool {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false
	}
	l.Send(v)
	return true
}

// Receive returns the receive-only channel
func (l *Latest[T]) Receive() <-chan T {
	return l.ch
}

// Len returns 1 while a value is pending
func (l *Latest[T]) Len() int {
	return len(l.ch)
}

// Close closes the channel. It is safe to call more than once.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}
