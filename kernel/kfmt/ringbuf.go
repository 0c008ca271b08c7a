package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that holds console output.
// Its default size is selected so it can buffer the contents of a standard
// 80*25 text-mode console. The ring buffer size must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer models a ring buffer of size ringBufferSize. Reads consume
// unread bytes while Snapshot returns everything still retained.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
	wrapped        bool
}

// Write writes len(p) bytes from p to the ringBuffer. When the buffer is
// full the oldest bytes are overwritten.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.wIndex == 0 {
			rb.wrapped = true
		}
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) unread bytes into p. It returns the number of bytes
// read (0 <= n <= len(p)) and any error encountered.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	switch {
	case rb.rIndex < rb.wIndex:
		n = rb.wIndex - rb.rIndex
		if pLen := len(p); pLen < n {
			n = pLen
		}

		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex += n

		return n, nil
	case rb.rIndex > rb.wIndex:
		n = len(rb.buffer) - rb.rIndex
		if pLen := len(p); pLen < n {
			n = pLen
		}

		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex += n

		if rb.rIndex == len(rb.buffer) {
			rb.rIndex = 0
		}

		return n, nil
	default: // rIndex == wIndex
		return 0, io.EOF
	}
}

// Discard marks all buffered bytes as read.
func (rb *ringBuffer) Discard() {
	rb.rIndex = rb.wIndex
}

// Snapshot returns a copy of the retained bytes in write order, regardless
// of whether they have been read.
func (rb *ringBuffer) Snapshot() []byte {
	if !rb.wrapped {
		return append([]byte(nil), rb.buffer[:rb.wIndex]...)
	}

	out := make([]byte, 0, ringBufferSize)
	out = append(out, rb.buffer[rb.wIndex:]...)
	return append(out, rb.buffer[:rb.wIndex]...)
}
