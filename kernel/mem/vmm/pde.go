package vmm

import (
	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/Vearance/itb-sub000/kernel/mem"
	"github.com/Vearance/itb-sub000/kernel/mem/pmm"
)

// PageDirectoryEntryFlag describes a flag that can be applied to a page
// directory entry.
type PageDirectoryEntryFlag uint32

const (
	// FlagPresent is set when the entry maps a frame.
	FlagPresent PageDirectoryEntryFlag = 1 << iota

	// FlagRW is set if the region can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access the region.
	// If not set only kernel code can access it.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents the region from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the region is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the region is modified.
	FlagDirty

	// FlagPageSize selects a 4MB page instead of a page table pointer.
	FlagPageSize

	// FlagGlobal prevents the TLB entry from being flushed on CR3 reloads.
	FlagGlobal
)

// pdeFrameMask extracts the physical base of a 4MB page from an entry.
const pdeFrameMask = uint32(0xFFC00000)

// PageDirectoryEntry is an i386 page directory entry in 4MB page mode.
type PageDirectoryEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pde PageDirectoryEntry) HasFlags(flags PageDirectoryEntryFlag) bool {
	return (uint32(pde) & uint32(flags)) == uint32(flags)
}

// SetFlags sets the input list of flags to the entry.
func (pde *PageDirectoryEntry) SetFlags(flags PageDirectoryEntryFlag) {
	*pde = PageDirectoryEntry(uint32(*pde) | uint32(flags))
}

// Frame returns the physical frame that this entry points to.
func (pde PageDirectoryEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uint32(pde) & pdeFrameMask)
}

// SetFrame updates the entry to point to the given physical frame.
func (pde *PageDirectoryEntry) SetFrame(frame pmm.Frame) {
	*pde = PageDirectoryEntry((uint32(*pde) &^ pdeFrameMask) | frame.Address())
}

// EntriesPerDirectory is the number of entries in a page directory.
const EntriesPerDirectory = 1024

// PageDirectory is a single-level table of 4MB mappings that covers the
// whole 32-bit virtual address space.
type PageDirectory struct {
	Entries [EntriesPerDirectory]PageDirectoryEntry

	physAddr uint32
}

// PhysAddr returns the physical address the CPU loads into CR3 to activate
// this directory.
func (d *PageDirectory) PhysAddr() uint32 {
	return d.physAddr
}

// DirectoryIndex returns the entry index that translates virtAddr.
func DirectoryIndex(virtAddr uint32) uint32 {
	return virtAddr >> mem.FrameShift
}

// Entry returns the entry that translates virtAddr.
func (d *PageDirectory) Entry(virtAddr uint32) PageDirectoryEntry {
	return d.Entries[DirectoryIndex(virtAddr)]
}

// UpdateEntry points the entry that translates virtAddr at frame with the
// given flags and invalidates the stale TLB entry. Large page mode is always
// enabled.
func UpdateEntry(c cpu.CPU, d *PageDirectory, virtAddr uint32, frame pmm.Frame, flags PageDirectoryEntryFlag) {
	pde := &d.Entries[DirectoryIndex(virtAddr)]
	*pde = 0
	pde.SetFrame(frame)
	pde.SetFlags(flags | FlagPageSize)
	c.FlushTLBEntry(virtAddr)
}

// ClearEntry removes the mapping for virtAddr and invalidates its TLB entry.
func ClearEntry(c cpu.CPU, d *PageDirectory, virtAddr uint32) {
	d.Entries[DirectoryIndex(virtAddr)] = 0
	c.FlushTLBEntry(virtAddr)
}
