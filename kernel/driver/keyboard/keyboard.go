// Package keyboard buffers bytes read from the keyboard controller on IRQ1
// and hands them to user code through the getchar syscall.
package keyboard

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/gate"
	"github.com/Vearance/itb-sub000/kernel/irq"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"github.com/Vearance/itb-sub000/kernel/syscall"
	"go.uber.org/zap"
)

// Syscalls served by the driver.
const (
	GetChar  syscall.Number = 4
	Activate syscall.Number = 7
)

// bufferSize is the number of keystrokes kept before new ones are dropped.
const bufferSize = 256

// DataPort is the keyboard controller output register.
type DataPort interface {
	ReadData() byte
}

// Driver collects keystrokes while active.
type Driver struct {
	port DataPort
	pic  irq.Controller
	log  *zap.Logger

	active  bool
	buf     [bufferSize]byte
	head    int
	count   int
	dropped uint64
}

// New returns an inactive driver. IRQ1 stays masked until Activate is
// called.
func New(port DataPort, pic irq.Controller, log *zap.Logger) *Driver {
	return &Driver{port: port, pic: pic, log: log}
}

// Activate starts accepting keystrokes and unmasks IRQ1.
func (d *Driver) Activate() {
	d.active = true
	d.pic.Unmask(irq.KeyboardLine)
}

// Active reports whether keystrokes are being buffered.
func (d *Driver) Active() bool {
	return d.active
}

// OnInterrupt latches the byte waiting in the data port. The PIC must be
// acknowledged by the caller.
func (d *Driver) OnInterrupt(_ *gate.Registers) {
	b := d.port.ReadData()
	if !d.active {
		return
	}

	if d.count == bufferSize {
		d.dropped++
		return
	}
	d.buf[(d.head+d.count)%bufferSize] = b
	d.count++
}

// ReadByte pops the oldest buffered keystroke.
func (d *Driver) ReadByte() (byte, bool) {
	if d.count == 0 {
		return 0, false
	}

	b := d.buf[d.head]
	d.head = (d.head + 1) % bufferSize
	d.count--
	return b, true
}

// Buffered returns the number of keystrokes waiting to be read.
func (d *Driver) Buffered() int {
	return d.count
}

// Dropped returns the number of keystrokes lost to a full buffer.
func (d *Driver) Dropped() uint64 {
	return d.dropped
}

// Register claims the keyboard syscalls. getchar writes the next keystroke,
// or zero when none is buffered, to the byte at EBX.
func (d *Driver) Register(t *syscall.Table, mmu *vmm.MMU) *kernel.Error {
	if err := t.Register(GetChar, func(regs *gate.Registers) {
		b, _ := d.ReadByte()
		if err := mmu.Write(regs.EBX, []byte{b}); err != nil {
			d.log.Warn("getchar result could not be delivered", zap.Uint32("addr", regs.EBX), zap.Error(err))
		}
	}); err != nil {
		return err
	}

	return t.Register(Activate, func(_ *gate.Registers) {
		d.Activate()
	})
}
