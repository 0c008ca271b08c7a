package kmain

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/proc"
	"github.com/Vearance/itb-sub000/kernel/syscall"
)

// The wrappers below issue process management syscalls the way a user
// program would: arguments and result slots live on the caller's stack.

// Exec asks the kernel to start the executable name from directory
// parentInode and returns the creation status.
func (k *Kernel) Exec(name string, parentInode uint32) (proc.Status, *kernel.Error) {
	var (
		status  proc.Status
		retAddr uint32
	)
	err := k.UserCall(syscall.CreateProcess,
		func(s *Stack) (Args, *kernel.Error) {
			nameAddr, err := s.PushString(name)
			if err != nil {
				return Args{}, err
			}
			retAddr = s.Alloc(4)
			return Args{EBX: nameAddr, ECX: parentInode, EDX: retAddr}, nil
		},
		func(s *Stack) *kernel.Error {
			v, err := s.Uint32(retAddr)
			status = proc.Status(v)
			return err
		},
	)
	return status, err
}

// ProcessInfo returns the metadata of pid. Pid is proc.InvalidPid if no
// such process exists.
func (k *Kernel) ProcessInfo(pid uint32) (syscall.Metadata, *kernel.Error) {
	return k.queryMetadata(syscall.ProcessInfo, pid)
}

// ProcessByIndex returns the metadata of process table slot index.
func (k *Kernel) ProcessByIndex(index uint32) (syscall.Metadata, *kernel.Error) {
	return k.queryMetadata(syscall.ProcessByIndex, index)
}

func (k *Kernel) queryMetadata(n syscall.Number, arg uint32) (syscall.Metadata, *kernel.Error) {
	var (
		md   syscall.Metadata
		addr uint32
		size = syscall.MetadataSize(k.cfg.Process.NameMax)
	)
	err := k.UserCall(n,
		func(s *Stack) (Args, *kernel.Error) {
			// Zeroed so fields the kernel leaves alone read as zero.
			var err *kernel.Error
			addr, err = s.Push(make([]byte, size))
			return Args{EBX: arg, ECX: addr}, err
		},
		func(s *Stack) *kernel.Error {
			b, err := s.Read(addr, size)
			if err == nil {
				md = syscall.DecodeMetadata(b)
			}
			return err
		},
	)
	return md, err
}

// ProcessCount returns the number of live processes.
func (k *Kernel) ProcessCount() (uint32, *kernel.Error) {
	var count, addr uint32
	err := k.UserCall(syscall.ProcessCount,
		func(s *Stack) (Args, *kernel.Error) {
			addr = s.Alloc(4)
			return Args{EBX: addr}, nil
		},
		func(s *Stack) *kernel.Error {
			var err *kernel.Error
			count, err = s.Uint32(addr)
			return err
		},
	)
	return count, err
}

// Kill destroys pid.
func (k *Kernel) Kill(pid uint32) (syscall.KillResult, *kernel.Error) {
	var result, addr uint32
	err := k.UserCall(syscall.KillProcess,
		func(s *Stack) (Args, *kernel.Error) {
			addr = s.Alloc(4)
			return Args{EBX: pid, ECX: addr}, nil
		},
		func(s *Stack) *kernel.Error {
			var err *kernel.Error
			result, err = s.Uint32(addr)
			return err
		},
	)
	return syscall.KillResult(result), err
}

// Exit terminates the Running process.
func (k *Kernel) Exit() *kernel.Error {
	return k.UserCall(syscall.TerminateProcess, nil, nil)
}
