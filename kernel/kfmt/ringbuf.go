package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that holds log output
// produced before an output sink is attached. The ring buffer size must
// always be a power of 2.
const ringBufferSize = 8192

// ringBuffer models a ring buffer of size ringBufferSize. When the buffer
// fills up, the oldest bytes are overwritten and accounted for in dropped.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
	dropped        int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
			rb.dropped++
		}
	}

	return len(p), nil
}

// Len returns the number of unread bytes in the buffer.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Reset discards any buffered data.
func (rb *ringBuffer) Reset() {
	rb.rIndex, rb.wIndex, rb.dropped = 0, 0, 0
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Read the contiguous chunk that starts at rIndex; a wrapped buffer is
	// drained by two consecutive reads.
	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		end = len(rb.buffer)
	}

	n = copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
