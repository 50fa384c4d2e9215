package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring holding at most Capacity() bytes
type RingBuffer struct {
	buffer []byte
	read   int
	length int
	mu     sync.Mutex
}

// NewRingBuffer creates a ring buffer holding up to size bytes
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{buffer: make([]byte, size)}
}

// Write appends as much of data as fits and returns the number of bytes written
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(data), len(rb.buffer)-rb.length)
	if n == 0 {
		return 0
	}

	start := (rb.read + rb.length) % len(rb.buffer)
	first := copy(rb.buffer[start:], data[:n])
	copy(rb.buffer, data[first:n])
	rb.length += n
	return n
}

// Read moves up to len(data) bytes out of the buffer and returns the count
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(data), rb.length)
	if n == 0 {
		return 0
	}

	end := min(rb.read+n, len(rb.buffer))
	first := copy(data, rb.buffer[rb.read:end])
	copy(data[first:n], rb.buffer)
	rb.read = (rb.read + n) % len(rb.buffer)
	rb.length -= n
	return n
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.length
}

// Space returns the number of bytes that can still be written
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buffer) - rb.length
}

// Capacity returns the buffer size
func (rb *RingBuffer) Capacity() int {
	return len(rb.buffer)
}

// Clear discards all buffered bytes
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.read = 0
	rb.length = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}
