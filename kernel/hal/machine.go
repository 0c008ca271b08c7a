// Package hal implements a hosted single-core i386 board: sparse physical
// RAM, the control registers the kernel uses, an 8259 PIC, a PIT channel and
// a keyboard data port. Interrupt delivery is serialised by a spinlock that
// plays the role of the EFLAGS.IF bit.
package hal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/Vearance/itb-sub000/kernel/gate"
	"github.com/Vearance/itb-sub000/kernel/irq"
	"github.com/Vearance/itb-sub000/kernel/sync"
	"go.uber.org/zap"
)

var (
	// ErrHalted is returned when the CPU no longer executes instructions.
	ErrHalted = &kernel.Error{Module: "hal", Message: "cpu halted"}

	// ErrNotInUserMode is returned when a trap is requested while no task
	// has been resumed in user mode.
	ErrNotInUserMode = &kernel.Error{Module: "hal", Message: "no user task is running"}
)

// Stats is a point-in-time view of board counters.
type Stats struct {
	Interrupts     uint64
	TLBFlushes     uint64
	CR3Loads       uint64
	ContextLoads   uint64
	EOIs           uint64
	TimerFrequency uint32
}

// Machine is the simulated board. It implements cpu.CPU, irq.Controller and
// irq.Timer.
type Machine struct {
	ifLock sync.Spinlock
	log    *zap.Logger

	ram *Memory
	idt *gate.IDT

	cr2, cr3 uint32
	halted   atomic.Bool

	// user is the task state that IRET returns to.
	user     cpu.TaskState
	userMode bool

	// depth counts nested deliveries; resumed is set when a handler
	// loaded a new task state during the outermost delivery.
	depth   int
	resumed bool

	picMask  uint16
	dataPort byte

	pitDivisor atomic.Uint32
	reprogram  chan struct{}

	stats Stats
}

// NewMachine returns a board with frameCount frames of RAM. All IRQ lines
// start masked and the PIT is not programmed.
func NewMachine(frameCount uint32, log *zap.Logger) *Machine {
	return &Machine{
		log:       log,
		ram:       NewMemory(frameCount),
		idt:       &gate.IDT{},
		picMask:   0xFFFF,
		reprogram: make(chan struct{}, 1),
	}
}

// Memory returns the installed RAM.
func (m *Machine) Memory() *Memory {
	return m.ram
}

// IDT returns the interrupt descriptor table the board dispatches through.
func (m *Machine) IDT() *gate.IDT {
	return m.idt
}

// Halt implements cpu.CPU.
func (m *Machine) Halt() {
	if !m.halted.Swap(true) {
		m.log.Warn("cpu halted")
	}
}

// Halted reports whether Halt has been called.
func (m *Machine) Halted() bool {
	return m.halted.Load()
}

// FlushTLBEntry implements cpu.CPU. Translations are never cached so the
// flush is only counted.
func (m *Machine) FlushTLBEntry(_ uint32) {
	m.stats.TLBFlushes++
}

// SwitchPDT implements cpu.CPU.
func (m *Machine) SwitchPDT(pdtPhysAddr uint32) {
	m.cr3 = pdtPhysAddr
	m.stats.CR3Loads++
}

// ActivePDT implements cpu.CPU.
func (m *Machine) ActivePDT() uint32 {
	return m.cr3
}

// ReadCR2 implements cpu.CPU.
func (m *Machine) ReadCR2() uint32 {
	return m.cr2
}

// RestoreContext implements cpu.CPU. The state takes effect when the current
// delivery unwinds back to the board.
func (m *Machine) RestoreContext(ts *cpu.TaskState) {
	m.user = *ts
	m.userMode = true
	m.resumed = true
	m.stats.ContextLoads++
}

// UserState returns the task state that is running in user mode.
func (m *Machine) UserState() (cpu.TaskState, bool) {
	return m.user, m.userMode
}

// Ack implements irq.Controller.
func (m *Machine) Ack(_ irq.Line) {
	m.stats.EOIs++
}

// Unmask implements irq.Controller.
func (m *Machine) Unmask(line irq.Line) {
	m.picMask &^= 1 << line
}

// Mask implements irq.Controller.
func (m *Machine) Mask(line irq.Line) {
	m.picMask |= 1 << line
}

func (m *Machine) masked(line irq.Line) bool {
	return m.picMask&(1<<line) != 0
}

// SetFrequency implements irq.Timer.
func (m *Machine) SetFrequency(hz uint32) {
	m.pitDivisor.Store(uint32(irq.Divisor(hz)))
	select {
	case m.reprogram <- struct{}{}:
	default:
	}
}

// ReadData returns the last byte latched by the keyboard controller.
func (m *Machine) ReadData() byte {
	return m.dataPort
}

// Stats returns a snapshot of the board counters.
func (m *Machine) Stats() Stats {
	m.ifLock.Acquire()
	defer m.ifLock.Release()

	s := m.stats
	s.TimerFrequency = irq.EffectiveFrequency(uint16(m.pitDivisor.Load()))
	return s
}

// Atomic runs fn with interrupts masked. Boot code and host-side inspection
// of kernel state go through Atomic.
func (m *Machine) Atomic(fn func()) {
	m.ifLock.Acquire()
	defer m.ifLock.Release()
	fn()
}

// RaiseIRQ asserts a hardware interrupt line. It returns false if the
// interrupt was not delivered because the line is masked or the CPU halted.
func (m *Machine) RaiseIRQ(line irq.Line) bool {
	m.ifLock.Acquire()
	defer m.ifLock.Release()

	if m.Halted() || m.masked(line) {
		return false
	}

	m.deliver(uint32(gate.IRQBase)+uint32(line), 0, false)
	return true
}

// PressKey latches b into the keyboard data port and raises IRQ1.
func (m *Machine) PressKey(b byte) bool {
	m.ifLock.Acquire()
	defer m.ifLock.Release()

	if m.Halted() || m.masked(irq.KeyboardLine) {
		return false
	}

	m.dataPort = b
	m.deliver(uint32(gate.KeyboardInterrupt), 0, false)
	return true
}

// Trap executes INT vector on behalf of the user task with the supplied
// general purpose registers.
func (m *Machine) Trap(vector gate.InterruptNumber, eax, ebx, ecx, edx uint32) *kernel.Error {
	m.ifLock.Acquire()
	defer m.ifLock.Release()

	return m.TrapMasked(vector, eax, ebx, ecx, edx)
}

// TrapMasked is Trap for callers that already run with interrupts masked,
// such as code inside Atomic that stages syscall arguments in user memory.
func (m *Machine) TrapMasked(vector gate.InterruptNumber, eax, ebx, ecx, edx uint32) *kernel.Error {
	if m.Halted() {
		return ErrHalted
	}
	if !m.userMode {
		return ErrNotInUserMode
	}

	m.user.EAX, m.user.EBX, m.user.ECX, m.user.EDX = eax, ebx, ecx, edx
	m.deliver(uint32(vector), 0, true)
	return nil
}

// PageFault records the faulting address in CR2 and raises a page fault.
// It must be called from kernel code that already runs with interrupts
// masked.
func (m *Machine) PageFault(virtAddr, errorCode uint32) {
	m.cr2 = virtAddr
	m.deliver(uint32(gate.PageFaultException), errorCode, false)
}

func (m *Machine) deliver(vector, errorCode uint32, software bool) {
	nested := m.depth > 0
	frame := gate.Registers{
		Registers: m.user.Registers,
		Info:      vector,
		ErrorCode: errorCode,
		EIP:       m.user.EIP,
		EFlags:    m.user.EFlags,
		CS:        cpu.KernelCodeSelector,
	}
	if m.userMode && !nested {
		frame.CS = cpu.UserCodeSelector
		frame.SS = cpu.UserDataSelector
		frame.UserESP = m.user.ESP
	}

	if !nested {
		m.resumed = false
	}
	m.stats.Interrupts++
	m.depth++
	if software {
		m.idt.DispatchSoftware(&frame)
	} else {
		m.idt.Dispatch(&frame)
	}
	m.depth--

	if nested || m.resumed || m.Halted() || !m.userMode {
		return
	}

	// IRET back into the interrupted task.
	m.user.Registers = frame.Registers
	m.user.ESP = frame.UserESP
	m.user.EIP = frame.EIP
	m.user.EFlags = frame.EFlags
}

// Run drives the PIT until ctx is cancelled or the CPU halts.
func (m *Machine) Run(ctx context.Context) error {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.reprogram:
			hz := irq.EffectiveFrequency(uint16(m.pitDivisor.Load()))
			if ticker != nil {
				ticker.Stop()
			}
			ticker = time.NewTicker(time.Second / time.Duration(hz))
			tick = ticker.C
			m.log.Info("pit programmed", zap.Uint32("hz", hz))
		case <-tick:
			m.RaiseIRQ(irq.TimerLine)
			if m.Halted() {
				return ErrHalted
			}
		}
	}
}
