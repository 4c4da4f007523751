//go:build !debug

package channel

// New returns a FIFO with room for size values.
func New[T any](size int) Channel[T] {
	return NewFIFO[T](size)
}
