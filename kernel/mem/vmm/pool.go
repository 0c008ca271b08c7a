package vmm

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/Vearance/itb-sub000/kernel/mem"
	"github.com/Vearance/itb-sub000/kernel/mem/pmm"
	"go.uber.org/zap"
)

const (
	// kernelDirectoryPhysAddr is where the boot code places the kernel
	// page directory.
	kernelDirectoryPhysAddr = uint32(0x100000)

	// poolPhysBase is the physical address of the first pooled directory.
	// Every directory occupies one 4KB page.
	poolPhysBase = uint32(0x101000)
	poolStride   = uint32(0x1000)

	// MaxPoolCapacity is the number of directories that fit between
	// poolPhysBase and the end of the first frame.
	MaxPoolCapacity = int((uint32(mem.FrameSize) - poolPhysBase) / poolStride)
)

// Kernel regions that every directory maps. The identity mapping of the
// first 4MB keeps the low memory reachable while the kernel runs on the
// higher half.
var kernelMappings = []struct {
	virtAddr uint32
	frame    pmm.Frame
}{
	{0, 0},
	{mem.KernelVirtualBase, 0},
	{mem.KernelVirtualBase + uint32(mem.FrameSize), 1},
	{mem.KernelVirtualBase + 2*uint32(mem.FrameSize), 2},
}

var (
	// ErrDirectoryPoolExhausted is returned when every pooled directory
	// is in use.
	ErrDirectoryPoolExhausted = &kernel.Error{Module: "vmm", Message: "page directory pool exhausted"}

	errUnknownDirectory = &kernel.Error{Module: "vmm", Message: "page directory does not belong to the pool"}
	errFreeKernelDir    = &kernel.Error{Module: "vmm", Message: "the kernel page directory cannot be freed"}
)

// DirectoryPool owns the kernel page directory and a fixed number of
// directories that are handed out to user processes.
type DirectoryPool struct {
	cpu cpu.CPU
	log *zap.Logger

	kernelDir PageDirectory
	dirs      []PageDirectory
	used      []bool
}

// NewDirectoryPool creates a pool with capacity directories and populates
// the kernel directory.
func NewDirectoryPool(c cpu.CPU, capacity int, log *zap.Logger) *DirectoryPool {
	p := &DirectoryPool{
		cpu:  c,
		log:  log,
		dirs: make([]PageDirectory, capacity),
		used: make([]bool, capacity),
	}

	p.kernelDir.physAddr = kernelDirectoryPhysAddr
	setupKernelEntries(&p.kernelDir)
	for i := range p.dirs {
		p.dirs[i].physAddr = poolPhysBase + uint32(i)*poolStride
	}

	return p
}

// setupKernelEntries installs the supervisor-only kernel mappings. These
// entries are not user accessible so user frame bookkeeping never touches
// them.
func setupKernelEntries(d *PageDirectory) {
	for _, m := range kernelMappings {
		pde := &d.Entries[DirectoryIndex(m.virtAddr)]
		*pde = 0
		pde.SetFrame(m.frame)
		pde.SetFlags(FlagPresent | FlagRW | FlagPageSize)
	}
}

// Kernel returns the statically populated kernel page directory.
func (p *DirectoryPool) Kernel() *PageDirectory {
	return &p.kernelDir
}

// Create claims the first unused directory, clears it and installs the
// kernel mappings.
func (p *DirectoryPool) Create() (*PageDirectory, *kernel.Error) {
	for i, inUse := range p.used {
		if inUse {
			continue
		}

		d := &p.dirs[i]
		d.Entries = [EntriesPerDirectory]PageDirectoryEntry{}
		setupKernelEntries(d)
		p.used[i] = true

		p.log.Debug("page directory created", zap.Int("slot", i), zap.Uint32("phys_addr", d.physAddr))
		return d, nil
	}

	return nil, ErrDirectoryPoolExhausted
}

// Free hands every user frame still mapped by d to release, clears d and
// returns it to the pool.
func (p *DirectoryPool) Free(d *PageDirectory, release func(pmm.Frame)) *kernel.Error {
	if d == &p.kernelDir {
		return errFreeKernelDir
	}

	slot := p.slotOf(d)
	if slot < 0 || !p.used[slot] {
		return errUnknownDirectory
	}

	for i := range d.Entries {
		if d.Entries[i].HasFlags(FlagPresent | FlagUserAccessible) {
			release(d.Entries[i].Frame())
		}
	}

	d.Entries = [EntriesPerDirectory]PageDirectoryEntry{}
	p.used[slot] = false

	p.log.Debug("page directory freed", zap.Int("slot", slot))
	return nil
}

// SwitchTo makes d the active directory. Directory addresses are physical;
// an address that was mistakenly taken from the higher half is rebased
// before it reaches CR3.
func (p *DirectoryPool) SwitchTo(d *PageDirectory) {
	addr := d.physAddr
	if addr >= mem.KernelVirtualBase {
		addr -= mem.KernelVirtualBase
	}

	p.cpu.SwitchPDT(addr)
}

// Lookup returns the directory that lives at physAddr or nil if none does.
func (p *DirectoryPool) Lookup(physAddr uint32) *PageDirectory {
	if physAddr == p.kernelDir.physAddr {
		return &p.kernelDir
	}

	if physAddr < poolPhysBase || (physAddr-poolPhysBase)%poolStride != 0 {
		return nil
	}

	slot := int((physAddr - poolPhysBase) / poolStride)
	if slot >= len(p.dirs) || !p.used[slot] {
		return nil
	}

	return &p.dirs[slot]
}

// Active returns the directory currently loaded in CR3.
func (p *DirectoryPool) Active() *PageDirectory {
	return p.Lookup(p.cpu.ActivePDT())
}

// UsedCount returns the number of pooled directories in use.
func (p *DirectoryPool) UsedCount() int {
	var count int
	for _, inUse := range p.used {
		if inUse {
			count++
		}
	}
	return count
}

// Capacity returns the number of pooled directories.
func (p *DirectoryPool) Capacity() int {
	return len(p.dirs)
}

func (p *DirectoryPool) slotOf(d *PageDirectory) int {
	for i := range p.dirs {
		if &p.dirs[i] == d {
			return i
		}
	}
	return -1
}
