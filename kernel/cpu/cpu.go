// Package cpu describes the processor facilities that the kernel core depends
// on. Portable kernel code never touches control registers directly; it goes
// through the CPU interface, which a board package implements.
package cpu

// Segment selectors installed in the GDT by the boot code.
const (
	KernelCodeSelector uint32 = 0x08
	KernelDataSelector uint32 = 0x10
	UserCodeSelector   uint32 = 0x18 | 0x3
	UserDataSelector   uint32 = 0x20 | 0x3
)

// EFLAGS bits used when building a fresh task context.
const (
	EFlagsBase            uint32 = 1 << 1
	EFlagsInterruptEnable uint32 = 1 << 9
)

// Registers holds the general purpose and data segment registers of a task.
// The field order matches the layout produced by pushad followed by the
// segment register pushes of the interrupt entry stub.
type Registers struct {
	EDI uint32
	ESI uint32
	EBP uint32
	ESP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	GS uint32
	FS uint32
	ES uint32
	DS uint32
}

// TaskState is everything needed to resume a task in user mode.
type TaskState struct {
	Registers

	EIP    uint32
	EFlags uint32
}

// PrivilegeLevel returns the requested privilege level encoded in a segment
// selector.
func PrivilegeLevel(selector uint32) uint8 {
	return uint8(selector & 0x3)
}

// CPU is implemented by the board the kernel runs on.
type CPU interface {
	// Halt stops instruction execution. Interrupts are no longer
	// delivered once the CPU is halted.
	Halt()

	// FlushTLBEntry invalidates the TLB entry for a virtual address.
	FlushTLBEntry(virtAddr uint32)

	// SwitchPDT loads the physical address of a page directory into CR3.
	SwitchPDT(pdtPhysAddr uint32)

	// ActivePDT returns the physical address currently loaded in CR3.
	ActivePDT() uint32

	// ReadCR2 returns the last address that caused a page fault.
	ReadCR2() uint32

	// RestoreContext loads the supplied task state and drops to user
	// mode. On real hardware it never returns; callers must treat it as
	// the last statement of the interrupted kernel path.
	RestoreContext(ts *TaskState)
}
