package hal

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/mem"
)

var errPhysAddrOutOfRange = &kernel.Error{Module: "hal", Message: "physical address beyond installed memory"}

// Memory is sparse physical RAM made of 4MB frames. Frames are backed on
// first write; reading an untouched frame yields zeroes.
type Memory struct {
	frameCount uint32
	frames     map[uint32][]byte
}

// NewMemory returns RAM with frameCount installed frames.
func NewMemory(frameCount uint32) *Memory {
	return &Memory{
		frameCount: frameCount,
		frames:     make(map[uint32][]byte),
	}
}

// FrameCount returns the number of installed frames.
func (m *Memory) FrameCount() uint32 {
	return m.frameCount
}

// BackedFrames returns the number of frames that hold data.
func (m *Memory) BackedFrames() int {
	return len(m.frames)
}

// ReadPhysical copies len(p) bytes starting at physAddr into p.
func (m *Memory) ReadPhysical(physAddr uint32, p []byte) *kernel.Error {
	return m.walk(physAddr, p, func(frame []byte, off uint32, chunk []byte) {
		if frame == nil {
			for i := range chunk {
				chunk[i] = 0
			}
			return
		}
		copy(chunk, frame[off:])
	}, false)
}

// WritePhysical copies p into RAM starting at physAddr.
func (m *Memory) WritePhysical(physAddr uint32, p []byte) *kernel.Error {
	return m.walk(physAddr, p, func(frame []byte, off uint32, chunk []byte) {
		copy(frame[off:], chunk)
	}, true)
}

func (m *Memory) walk(physAddr uint32, p []byte, fn func(frame []byte, off uint32, chunk []byte), alloc bool) *kernel.Error {
	end := uint64(physAddr) + uint64(len(p))
	if end > uint64(m.frameCount)<<mem.FrameShift {
		return errPhysAddrOutOfRange
	}

	for len(p) > 0 {
		index := physAddr >> mem.FrameShift
		off := physAddr & uint32(mem.FrameSize-1)
		n := uint32(mem.FrameSize) - off
		if uint32(len(p)) < n {
			n = uint32(len(p))
		}

		frame := m.frames[index]
		if frame == nil && alloc {
			frame = make([]byte, mem.FrameSize)
			m.frames[index] = frame
		}

		fn(frame, off, p[:n])
		p = p[n:]
		physAddr += n
	}

	return nil
}
