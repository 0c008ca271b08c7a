// Package gate implements the interrupt descriptor table of the kernel: a
// vector to handler table with per-gate privilege checks.
package gate

import (
	"io"

	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/Vearance/itb-sub000/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	cpu.Registers

	// Info contains the vector number that was raised.
	Info uint32

	// ErrorCode is pushed by the CPU for some exceptions and is zero for
	// everything else.
	ErrorCode uint32

	// The return frame used by IRET. UserESP and SS are only meaningful
	// when the interrupt caused a privilege level change.
	EIP     uint32
	CS      uint32
	EFlags  uint32
	UserESP uint32
	SS      uint32
}

// PrivilegeChange reports whether the interrupt was raised while the CPU was
// running user code.
func (r *Registers) PrivilegeChange() bool {
	return cpu.PrivilegeLevel(r.CS) != 0
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %08x EBX = %08x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %08x EDX = %08x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %08x EDI = %08x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %08x\n", r.EBP)
	kfmt.Fprintf(w, "DS  = %08x ES  = %08x\n", r.DS, r.ES)
	kfmt.Fprintf(w, "FS  = %08x GS  = %08x\n", r.FS, r.GS)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %08x CS  = %08x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %08x SS  = %08x\n", r.UserESP, r.SS)
	kfmt.Fprintf(w, "EFL = %08x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory entry is not
	// present or when a privilege and/or RW protection check fails.
	PageFaultException = InterruptNumber(14)

	// IRQBase is the vector that the master PIC maps IRQ0 to.
	IRQBase = InterruptNumber(0x20)

	// TimerInterrupt is raised by the PIT on IRQ0.
	TimerInterrupt = IRQBase + 0

	// KeyboardInterrupt is raised by the keyboard controller on IRQ1.
	KeyboardInterrupt = IRQBase + 1

	// SyscallInterrupt is the software interrupt used by user code to
	// enter the kernel.
	SyscallInterrupt = InterruptNumber(0x30)
)

// Privilege levels for gate descriptors.
const (
	KernelGate uint8 = 0
	UserGate   uint8 = 3
)

// Handler services a delivered interrupt. Changes to regs are visible to
// the code that resumes after the handler returns.
type Handler func(regs *Registers)

type descriptor struct {
	handler Handler
	dpl     uint8
}

// IDT maps interrupt vectors to handlers.
type IDT struct {
	gates [256]descriptor
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. dpl is the highest privilege level
// number allowed to raise the vector with a software interrupt.
func (t *IDT) HandleInterrupt(intNumber InterruptNumber, dpl uint8, handler Handler) {
	t.gates[intNumber] = descriptor{handler: handler, dpl: dpl}
}

// Dispatch routes a hardware interrupt or exception to its handler.
// Vectors without a handler are ignored.
func (t *IDT) Dispatch(regs *Registers) {
	if g := t.gates[uint8(regs.Info)]; g.handler != nil {
		g.handler(regs)
	}
}

// DispatchSoftware routes an INT n instruction. If the caller's privilege
// level is numerically greater than the gate's DPL the CPU raises a general
// protection fault instead, with an error code that names the IDT entry.
func (t *IDT) DispatchSoftware(regs *Registers) {
	vector := uint8(regs.Info)
	if cpu.PrivilegeLevel(regs.CS) > t.gates[vector].dpl {
		regs.ErrorCode = uint32(vector)<<3 | 0x2
		regs.Info = uint32(GPFException)
	}

	t.Dispatch(regs)
}
