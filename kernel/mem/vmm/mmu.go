package vmm

import (
	"encoding/binary"

	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/mem"
)

// faultWrite is set in the page fault error code for write accesses.
const faultWrite uint32 = 1 << 1

var (
	// ErrInvalidMapping is returned when an address is not mapped by the
	// active page directory.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrStringTooLong is returned by ReadCString when no terminator is
	// found within the allowed length.
	ErrStringTooLong = &kernel.Error{Module: "vmm", Message: "string exceeds maximum length"}
)

// PhysicalMemory provides access to physical RAM.
type PhysicalMemory interface {
	ReadPhysical(physAddr uint32, p []byte) *kernel.Error
	WritePhysical(physAddr uint32, p []byte) *kernel.Error
}

// FaultFn is invoked with the faulting address and page fault error code
// whenever a translation fails.
type FaultFn func(virtAddr, errorCode uint32)

// MMU translates virtual addresses through the active page directory and
// performs kernel accesses to virtual memory.
type MMU struct {
	pool  *DirectoryPool
	mem   PhysicalMemory
	fault FaultFn
}

// NewMMU returns an MMU that resolves CR3 through pool and raises fault on
// translation failures.
func NewMMU(pool *DirectoryPool, pm PhysicalMemory, fault FaultFn) *MMU {
	return &MMU{pool: pool, mem: pm, fault: fault}
}

// Translate returns the physical address that virtAddr maps to in the
// active directory.
func (m *MMU) Translate(virtAddr uint32) (uint32, *kernel.Error) {
	dir := m.pool.Active()
	if dir == nil {
		return 0, ErrInvalidMapping
	}

	pde := dir.Entry(virtAddr)
	if !pde.HasFlags(FlagPresent | FlagPageSize) {
		return 0, ErrInvalidMapping
	}

	return pde.Frame().Address() | (virtAddr & uint32(mem.FrameSize-1)), nil
}

// access walks [virtAddr, virtAddr+len(p)) one frame at a time.
func (m *MMU) access(virtAddr uint32, p []byte, write bool) *kernel.Error {
	for len(p) > 0 {
		physAddr, err := m.Translate(virtAddr)
		if err != nil {
			var code uint32
			if write {
				code |= faultWrite
			}
			if m.fault != nil {
				m.fault(virtAddr, code)
			}
			return err
		}

		chunk := uint32(mem.FrameSize) - (virtAddr & uint32(mem.FrameSize-1))
		if uint32(len(p)) < chunk {
			chunk = uint32(len(p))
		}

		if write {
			err = m.mem.WritePhysical(physAddr, p[:chunk])
		} else {
			err = m.mem.ReadPhysical(physAddr, p[:chunk])
		}
		if err != nil {
			return err
		}

		p = p[chunk:]
		virtAddr += chunk
	}

	return nil
}

// Read copies len(p) bytes starting at virtAddr into p.
func (m *MMU) Read(virtAddr uint32, p []byte) *kernel.Error {
	return m.access(virtAddr, p, false)
}

// Write copies p to virtual memory starting at virtAddr.
func (m *MMU) Write(virtAddr uint32, p []byte) *kernel.Error {
	return m.access(virtAddr, p, true)
}

// ReadUint32 reads a little-endian 32-bit word.
func (m *MMU) ReadUint32(virtAddr uint32) (uint32, *kernel.Error) {
	var buf [4]byte
	if err := m.Read(virtAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes a little-endian 32-bit word.
func (m *MMU) WriteUint32(virtAddr, value uint32) *kernel.Error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return m.Write(virtAddr, buf[:])
}

// ReadCString reads a NUL-terminated string starting at virtAddr. The
// terminator must appear within the first limit bytes.
func (m *MMU) ReadCString(virtAddr uint32, limit int) (string, *kernel.Error) {
	buf := make([]byte, 0, limit)
	var b [1]byte
	for i := 0; i < limit; i++ {
		if err := m.Read(virtAddr+uint32(i), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}

	return "", ErrStringTooLong
}
