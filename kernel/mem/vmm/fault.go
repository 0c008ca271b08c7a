package vmm

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/Vearance/itb-sub000/kernel/gate"
	"github.com/Vearance/itb-sub000/kernel/kfmt"
)

var errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}

// InstallFaultHandlers registers the page fault and general protection fault
// handlers. Both faults are fatal: the handlers print a diagnostic and halt
// the CPU.
func InstallFaultHandlers(idt *gate.IDT, c cpu.CPU) {
	idt.HandleInterrupt(gate.PageFaultException, gate.KernelGate, func(regs *gate.Registers) {
		pageFaultHandler(c, regs)
	})
	idt.HandleInterrupt(gate.GPFException, gate.KernelGate, func(regs *gate.Registers) {
		generalProtectionFaultHandler(c, regs)
	})
}

func pageFaultHandler(c cpu.CPU, regs *gate.Registers) {
	kfmt.Printf("\nPage fault while accessing address: 0x%08x\nReason: ", c.ReadCR2())
	switch regs.ErrorCode {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.Console())

	kfmt.Panic(c, errUnrecoverableFault)
}

func generalProtectionFaultHandler(c cpu.CPU, regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault (error code: 0x%x)\n", regs.ErrorCode)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.Console())

	kfmt.Panic(c, errUnrecoverableFault)
}
