package audio

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrMicrophoneBusy is returned by Open while another capture is open
	ErrMicrophoneBusy = errors.New("microphone already in use")
	// ErrMicrophoneClosed is returned once the microphone has been closed
	ErrMicrophoneClosed = errors.New("microphone closed")
)

// Microphone receives client audio frames for one session. Frames written
// while no Capture is open are discarded.
type Microphone struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     *RingBuffer
	capture *Capture
	closed  bool
	dropped int
}

// NewMicrophone creates a microphone buffering up to bufferSize bytes for the open capture
func NewMicrophone(bufferSize int) *Microphone {
	m := &Microphone{buf: NewRingBuffer(bufferSize)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Write accepts one frame of audio. It never blocks: with no open capture the
// frame is discarded, and bytes that overflow the buffer are dropped.
func (m *Microphone) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrMicrophoneClosed
	}
	if m.capture == nil || len(p) == 0 {
		return len(p), nil
	}

	n := m.buf.Write(p)
	m.dropped += len(p) - n
	if n > 0 {
		m.cond.Broadcast()
	}
	return len(p), nil
}

// Open starts a capture. Only one capture may be open at a time.
func (m *Microphone) Open() (*Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrMicrophoneClosed
	}
	if m.capture != nil {
		return nil, ErrMicrophoneBusy
	}
	m.buf.Clear()
	m.capture = &Capture{mic: m}
	return m.capture, nil
}

// Capturing reports whether a capture is open
func (m *Microphone) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture != nil
}

// Dropped returns the number of bytes lost to buffer overflow
func (m *Microphone) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close ends any open capture and rejects further writes
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.capture != nil {
		m.capture.closed = true
		m.capture = nil
	}
	m.buf.Clear()
	m.cond.Broadcast()
	return nil
}

// Capture reads the audio written to its microphone while it is open
type Capture struct {
	mic    *Microphone
	closed bool // guarded by mic.mu
}

// Read blocks until audio is available. It returns io.EOF once the capture or
// its microphone has been closed.
func (c *Capture) Read(p []byte) (int, error) {
	m := c.mic
	m.mu.Lock()
	defer m.mu.Unlock()

	for !c.closed && m.buf.IsEmpty() {
		m.cond.Wait()
	}
	if c.closed {
		return 0, io.EOF
	}
	return m.buf.Read(p), nil
}

// Close releases the microphone. Buffered audio is discarded.
func (c *Capture) Close() error {
	m := c.mic
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if m.capture == c {
		m.capture = nil
		m.buf.Clear()
	}
	m.cond.Broadcast()
	return nil
}

var _ io.ReadCloser = (*Capture)(nil)
