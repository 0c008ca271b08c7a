package vmm

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/mem/pmm"
)

// TempMappingAddr is a reserved kernel virtual address (the last directory
// entry) used for short-lived mappings of arbitrary physical frames.
const TempMappingAddr = uint32(0xFFC00000)

var (
	// ErrTemporaryMappingInUse is returned when the temporary window is
	// already bound to a frame.
	ErrTemporaryMappingInUse = &kernel.Error{Module: "vmm", Message: "temporary mapping window already in use"}

	errNoActiveDirectory = &kernel.Error{Module: "vmm", Message: "no page directory is active"}
)

// TemporaryMapping is a binding of TempMappingAddr to a physical frame in the
// directory that was active when it was created.
type TemporaryMapping struct {
	pool     *DirectoryPool
	dir      *PageDirectory
	released bool
}

// MapTemporary binds TempMappingAddr in the active directory to frame. The
// binding is supervisor-only and must be undone with Release.
func (p *DirectoryPool) MapTemporary(frame pmm.Frame) (*TemporaryMapping, *kernel.Error) {
	dir := p.Active()
	if dir == nil {
		return nil, errNoActiveDirectory
	}

	if dir.Entry(TempMappingAddr).HasFlags(FlagPresent) {
		return nil, ErrTemporaryMappingInUse
	}

	UpdateEntry(p.cpu, dir, TempMappingAddr, frame, FlagPresent|FlagRW)
	return &TemporaryMapping{pool: p, dir: dir}, nil
}

// Addr returns the virtual address of the mapped frame.
func (t *TemporaryMapping) Addr() uint32 {
	return TempMappingAddr
}

// Release removes the binding. Calling Release more than once has no effect.
func (t *TemporaryMapping) Release() {
	if t.released {
		return
	}

	ClearEntry(t.pool.cpu, t.dir, TempMappingAddr)
	t.released = true
}
