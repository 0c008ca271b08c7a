package proc

import (
	"github.com/Vearance/itb-sub000/kernel/mem"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"go.uber.org/zap"
)

const (
	// ExecBufferAddr is where exec maps its scratch frame in the kernel
	// directory. It is the last user-half entry, which no process image
	// reaches.
	ExecBufferAddr = mem.KernelVirtualBase - uint32(mem.FrameSize)

	// execNameLimit is the size of the kernel buffer that receives the
	// executable path, terminator included.
	execNameLimit = 128
)

// ReadRequest asks the filesystem to load a file into virtual memory.
type ReadRequest struct {
	// Buf is the virtual address of the destination buffer.
	Buf uint32
	// Name is the file name, looked up inside ParentInode.
	Name        string
	ParentInode uint32
	// BufferSize is the capacity of Buf.
	BufferSize uint32
}

// FileReader is the filesystem collaborator used to load executables.
type FileReader interface {
	// Read loads a regular file into req.Buf. It returns the number of
	// bytes read and a driver status where zero means success.
	Read(req ReadRequest) (uint32, int8)
}

// Exec loads the executable named by the NUL-terminated string at
// filenameAddr and creates a process from it. The creation status is written
// as a 32-bit integer to retAddr after the caller's address space has been
// restored.
func (m *Manager) Exec(filenameAddr, parentInode, retAddr uint32) Status {
	status := StatusFSReadFailure

	name, err := m.mmu.ReadCString(filenameAddr, execNameLimit)
	switch {
	case err == vmm.ErrStringTooLong:
	case err != nil:
		// The page fault handler has already halted the CPU.
		return status
	default:
		_, status = m.Spawn(name, parentInode)
	}

	if err := m.mmu.WriteUint32(retAddr, uint32(status)); err != nil {
		m.log.Warn("exec result could not be delivered", zap.Uint32("ret_addr", retAddr), zap.Error(err))
	}
	return status
}

// Spawn loads the named executable into a scratch frame of the kernel
// directory and creates a process from it. The directory that was active on
// entry is active again on return.
func (m *Manager) Spawn(name string, parentInode uint32) (uint32, Status) {
	caller := m.pool.Active()
	m.pool.SwitchTo(m.pool.Kernel())
	defer func() {
		if caller != nil {
			m.pool.SwitchTo(caller)
		}
	}()

	kernelDir := m.pool.Kernel()
	if _, err := m.frames.AllocUserFrame(kernelDir, ExecBufferAddr); err != nil {
		m.log.Info("exec scratch frame unavailable", zap.String("name", name), zap.Error(err))
		return InvalidPid, StatusNotEnoughMemory
	}
	defer m.frames.FreeUserFrame(kernelDir, ExecBufferAddr)

	size, rc := m.fs.Read(ReadRequest{
		Buf:         ExecBufferAddr,
		Name:        name,
		ParentInode: parentInode,
		BufferSize:  uint32(mem.FrameSize),
	})
	if rc != 0 {
		m.log.Info("exec read failed", zap.String("name", name), zap.Int8("fs_status", rc))
		return InvalidPid, StatusFSReadFailure
	}

	return m.CreateProcess(Image{Name: name, Addr: ExecBufferAddr, Size: size})
}
