// Package buffer keeps the scrollback of a terminal session.
package buffer

import (
	"bytes"
	"regexp"
	"sync"
)

// RingBuffer is a thread-safe circular buffer that stores the most recent data
// up to a specified capacity. When the buffer is full, oldest data is discarded
// to make room for new data.
//
// The session writes every inbound data frame here; its last line is kept
// as the preview in the connection history.
type RingBuffer struct {
	data     []byte
	capacity int
	mu       sync.RWMutex
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Write appends data to the buffer. If the total data exceeds capacity,
// the oldest data is discarded to make room for new data.
// This method implements io.Writer interface.
func (rb *RingBuffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	// If incoming data is larger than capacity, only keep the last 'capacity' bytes
	if len(p) >= rb.capacity {
		rb.data = make([]byte, rb.capacity)
		copy(rb.data, p[len(p)-rb.capacity:])
		return len(p), nil
	}

	// Calculate how much space we need
	newLen := len(rb.data) + len(p)

	if newLen <= rb.capacity {
		// We have enough space, just append
		rb.data = append(rb.data, p...)
	} else {
		// Need to discard oldest data
		// Calculate how many bytes to discard
		discard := newLen - rb.capacity

		// Create new slice with remaining old data + new data
		newData := make([]byte, rb.capacity)
		copy(newData, rb.data[discard:])
		copy(newData[len(rb.data)-discard:], p)
		rb.data = newData
	}

	return len(p), nil
}

// ReadAll returns a copy of all data currently in the buffer.
// The returned slice is safe to use without holding the lock.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if len(rb.data) == 0 {
		return nil
	}

	// Return a copy to avoid data races
	result := make([]byte, len(rb.data))
	copy(result, rb.data)
	return result
}

// Clear removes all data from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = rb.data[:0]
}

// Len returns the current number of bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return len(rb.data)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// ansiSequence matches CSI and OSC escape sequences.
var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// LastLine returns the last non-blank line of output with escape sequences
// and carriage returns removed.
func (rb *RingBuffer) LastLine() string {
	data := ansiSequence.ReplaceAll(rb.ReadAll(), nil)
	lines := bytes.Split(data, []byte{'\n'})
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if j := bytes.LastIndexByte(line, '\r'); j >= 0 && j < len(line)-1 {
			line = line[j+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return string(line)
		}
	}
	return ""
}
