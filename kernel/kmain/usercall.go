package kmain

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/gate"
	"github.com/Vearance/itb-sub000/kernel/hal"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"github.com/Vearance/itb-sub000/kernel/syscall"
)

// redZone is left untouched below the user stack pointer.
const redZone = 128

// ErrNoRunningProcess is returned when a user call is attempted while no
// process owns the CPU.
var ErrNoRunningProcess = &kernel.Error{Module: "kmain", Message: "no process is running"}

// Args are the argument registers of a syscall.
type Args struct {
	EBX, ECX, EDX uint32
}

// Stack is scratch memory carved out below the stack pointer of the Running
// process. Buffers handed to a syscall live there.
type Stack struct {
	mmu *vmm.MMU
	top uint32
}

// Push copies b onto the stack and returns its user address.
func (s *Stack) Push(b []byte) (uint32, *kernel.Error) {
	addr := s.Alloc(len(b))
	return addr, s.mmu.Write(addr, b)
}

// PushString pushes str followed by a NUL terminator.
func (s *Stack) PushString(str string) (uint32, *kernel.Error) {
	return s.Push(append([]byte(str), 0))
}

// Alloc reserves n bytes, aligned to 4, and returns their user address.
func (s *Stack) Alloc(n int) uint32 {
	s.top = (s.top - uint32(n)) &^ 3
	return s.top
}

// Read copies n bytes from addr.
func (s *Stack) Read(addr uint32, n int) ([]byte, *kernel.Error) {
	buf := make([]byte, n)
	return buf, s.mmu.Read(addr, buf)
}

// Uint32 reads a little-endian word from addr.
func (s *Stack) Uint32(addr uint32) (uint32, *kernel.Error) {
	return s.mmu.ReadUint32(addr)
}

// UserCall issues syscall n on behalf of the Running process. stage places
// buffers on the process stack and returns the argument registers; collect
// reads the results back. Both run in the same interrupt-masked section as
// the trap, so no tick can switch processes in between. collect may be nil.
func (k *Kernel) UserCall(n syscall.Number, stage func(s *Stack) (Args, *kernel.Error), collect func(s *Stack) *kernel.Error) *kernel.Error {
	var err *kernel.Error
	k.Machine.Atomic(func() {
		err = k.userCall(n, stage, collect)
	})
	return err
}

func (k *Kernel) userCall(n syscall.Number, stage func(s *Stack) (Args, *kernel.Error), collect func(s *Stack) *kernel.Error) *kernel.Error {
	if k.Machine.Halted() {
		return hal.ErrHalted
	}
	if k.Procs.RunningIndex() < 0 {
		return ErrNoRunningProcess
	}

	ts, _ := k.Machine.UserState()
	s := &Stack{mmu: k.MMU, top: ts.ESP - redZone}

	var args Args
	if stage != nil {
		var err *kernel.Error
		if args, err = stage(s); err != nil {
			return err
		}
	}

	if err := k.Machine.TrapMasked(gate.SyscallInterrupt, uint32(n), args.EBX, args.ECX, args.EDX); err != nil {
		return err
	}

	if collect == nil {
		return nil
	}
	return collect(s)
}
