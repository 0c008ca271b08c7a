// Package pmm contains the physical frame type shared by the memory managers.
package pmm

import (
	"math"

	"github.com/Vearance/itb-sub000/kernel/mem"
)

// Frame describes a physical memory frame index.
type Frame uint32

const (
	// InvalidFrame is returned by frame allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() uint32 {
	return uint32(f) << mem.FrameShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Unaligned addresses are rounded down.
func FrameFromAddress(physAddr uint32) Frame {
	return Frame(physAddr >> mem.FrameShift)
}
