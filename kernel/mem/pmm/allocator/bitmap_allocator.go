// Package allocator implements the physical frame allocator that hands 4MB
// frames to user address spaces.
package allocator

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/Vearance/itb-sub000/kernel/mem"
	"github.com/Vearance/itb-sub000/kernel/mem/pmm"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"go.uber.org/zap"
)

// userFrameFlags are applied to every frame mapped for user code.
const userFrameFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible

var (
	// ErrOutOfFrames is returned when no free frame is left.
	ErrOutOfFrames = &kernel.Error{Module: "pmm", Message: "out of physical frames"}

	// ErrKernelAddress is returned when a user frame operation targets
	// the higher-half kernel region.
	ErrKernelAddress = &kernel.Error{Module: "pmm", Message: "address belongs to the kernel region"}

	// ErrNotMapped is returned when freeing an address that has no user
	// frame behind it.
	ErrNotMapped = &kernel.Error{Module: "pmm", Message: "address is not backed by a user frame"}

	errUnalignedAddress = &kernel.Error{Module: "pmm", Message: "address is not frame aligned"}
	errAlreadyMapped    = &kernel.Error{Module: "pmm", Message: "address is already mapped"}
	errFrameNotInUse    = &kernel.Error{Module: "pmm", Message: "frame is not allocated"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// BitmapAllocator tracks frame reservations with a bitmap. Allocation is
// next-fit: each search starts right after the previously allocated frame
// and wraps around. Frame 0 is never considered.
type BitmapAllocator struct {
	cpu cpu.CPU
	log *zap.Logger

	totalFrames uint32
	freeCount   uint32

	// lastAllocated is where the next search starts.
	lastAllocated uint32

	// freeBitmap has a bit set for every frame in use. Bit 63 of block 0
	// tracks frame 0.
	freeBitmap []uint64
}

// NewBitmapAllocator returns an allocator for totalFrames frames with the
// kernel frames already reserved.
func NewBitmapAllocator(c cpu.CPU, totalFrames uint32, log *zap.Logger) *BitmapAllocator {
	alloc := &BitmapAllocator{
		cpu:         c,
		log:         log,
		totalFrames: totalFrames,
		freeCount:   totalFrames,
		freeBitmap:  make([]uint64, (totalFrames+63)/64),
	}

	for f := pmm.Frame(0); f < mem.KernelReservedFrames && uint32(f) < totalFrames; f++ {
		alloc.markFrame(f, markReserved)
	}
	alloc.lastAllocated = mem.KernelReservedFrames - 1

	return alloc
}

// markFrame updates the reservation bit for frame and the free counter.
// Frames outside the managed range are ignored.
func (alloc *BitmapAllocator) markFrame(frame pmm.Frame, flag markAs) {
	if uint32(frame) >= alloc.totalFrames {
		return
	}

	block := frame / 64
	bitMask := uint64(1 << (63 - frame%64))
	inUse := alloc.freeBitmap[block]&bitMask != 0

	switch {
	case flag == markReserved && !inUse:
		alloc.freeBitmap[block] |= bitMask
		alloc.freeCount--
	case flag == markFree && inUse:
		alloc.freeBitmap[block] &^= bitMask
		alloc.freeCount++
	}
}

// IsUsed reports whether frame is reserved.
func (alloc *BitmapAllocator) IsUsed(frame pmm.Frame) bool {
	if uint32(frame) >= alloc.totalFrames {
		return false
	}
	return alloc.freeBitmap[frame/64]&(1<<(63-frame%64)) != 0
}

// AllocateCheck reports whether n frames could be allocated right now.
func (alloc *BitmapAllocator) AllocateCheck(n uint32) bool {
	return n <= alloc.freeCount
}

// AllocUserFrame reserves a free frame and maps it at virtAddr in dir as a
// present, writable, user-accessible 4MB page. A supervisor entry already
// at virtAddr, such as the low identity mapping, is replaced. On failure
// nothing changes.
func (alloc *BitmapAllocator) AllocUserFrame(dir *vmm.PageDirectory, virtAddr uint32) (pmm.Frame, *kernel.Error) {
	switch {
	case mem.IsKernelAddress(virtAddr):
		return pmm.InvalidFrame, ErrKernelAddress
	case !mem.IsFrameAligned(virtAddr):
		return pmm.InvalidFrame, errUnalignedAddress
	case dir.Entry(virtAddr).HasFlags(vmm.FlagPresent | vmm.FlagUserAccessible):
		return pmm.InvalidFrame, errAlreadyMapped
	case alloc.freeCount == 0:
		return pmm.InvalidFrame, ErrOutOfFrames
	}

	for i := uint32(0); i < alloc.totalFrames; i++ {
		index := (alloc.lastAllocated + i) % alloc.totalFrames
		if index == 0 || alloc.IsUsed(pmm.Frame(index)) {
			continue
		}

		frame := pmm.Frame(index)
		alloc.markFrame(frame, markReserved)
		alloc.lastAllocated = (index + 1) % alloc.totalFrames
		vmm.UpdateEntry(alloc.cpu, dir, virtAddr, frame, userFrameFlags)

		alloc.log.Debug("frame allocated", zap.Uint32("frame", index), zap.Uint32("vaddr", virtAddr))
		return frame, nil
	}

	return pmm.InvalidFrame, ErrOutOfFrames
}

// FreeUserFrame unmaps the user frame at virtAddr in dir and returns it to
// the free pool.
func (alloc *BitmapAllocator) FreeUserFrame(dir *vmm.PageDirectory, virtAddr uint32) *kernel.Error {
	if mem.IsKernelAddress(virtAddr) {
		return ErrKernelAddress
	}

	pde := dir.Entry(virtAddr)
	if !pde.HasFlags(vmm.FlagPresent | vmm.FlagUserAccessible) {
		return ErrNotMapped
	}

	frame := pde.Frame()
	if !alloc.IsUsed(frame) {
		return errFrameNotInUse
	}

	vmm.ClearEntry(alloc.cpu, dir, virtAddr)
	alloc.markFrame(frame, markFree)

	alloc.log.Debug("frame freed", zap.Uint32("frame", uint32(frame)), zap.Uint32("vaddr", virtAddr))
	return nil
}

// ReleaseFrame returns a frame that is referenced by a directory being torn
// down. Kernel frames and frames that are not in use are left untouched.
func (alloc *BitmapAllocator) ReleaseFrame(frame pmm.Frame) {
	if frame < mem.KernelReservedFrames || !alloc.IsUsed(frame) {
		alloc.log.Warn("ignoring release of frame", zap.Uint32("frame", uint32(frame)))
		return
	}

	alloc.markFrame(frame, markFree)
}

// FreeCount returns the number of unreserved frames.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	return alloc.freeCount
}

// UsedCount returns the number of reserved frames, kernel frames included.
func (alloc *BitmapAllocator) UsedCount() uint32 {
	return alloc.totalFrames - alloc.freeCount
}

// TotalFrames returns the number of managed frames.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.totalFrames
}
