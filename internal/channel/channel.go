// Package channel wraps Go channels behind small generic interfaces. The
// fix provider queues samples through a FIFO and the feed stores hand out
// snapshots through a Latest.
package channel

// Receiver is the consuming side.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender is the producing side. TrySend reports false rather than block.
type Sender[T any] interface {
	Send(T)
	TrySend(T) bool
}

// Channel is both sides plus Close, which may be called more than once.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
	Close()
}
