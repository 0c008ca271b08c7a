// Package mem describes the physical and virtual memory geometry of the
// kernel. Memory is managed exclusively in 4MB frames mapped through large
// page directory entries.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

const (
	// FrameShift is equal to log2(FrameSize).
	FrameShift = 22

	// FrameSize is the size of a physical frame and of the virtual region
	// covered by one page directory entry.
	FrameSize = Size(1 << FrameShift)

	// KernelVirtualBase is the start of the higher-half kernel region.
	// Addresses at or above it are never handed to user code.
	KernelVirtualBase uint32 = 0xC0000000

	// KernelReservedFrames is the number of low physical frames owned by
	// the kernel image, its data expansion area and its heap.
	KernelReservedFrames = 3
)

// Frames returns the number of frames needed to hold a block of this size,
// rounding up.
func (s Size) Frames() uint32 {
	return uint32((s + FrameSize - 1) >> FrameShift)
}

// IsFrameAligned reports whether addr sits on a frame boundary.
func IsFrameAligned(addr uint32) bool {
	return addr&uint32(FrameSize-1) == 0
}

// IsKernelAddress reports whether addr belongs to the higher-half kernel
// region.
func IsKernelAddress(addr uint32) bool {
	return addr >= KernelVirtualBase
}
