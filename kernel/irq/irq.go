// Package irq defines the interrupt controller and programmable timer that
// the kernel drives.
package irq

// Line is a hardware interrupt request line on the master PIC.
type Line uint8

const (
	// TimerLine is wired to channel 0 of the PIT.
	TimerLine Line = 0

	// KeyboardLine is wired to the PS/2 keyboard controller.
	KeyboardLine Line = 1
)

// PITBaseFrequency is the input clock of the programmable interval timer.
const PITBaseFrequency = 1193182

// Controller is an 8259-style programmable interrupt controller.
type Controller interface {
	// Ack signals end-of-interrupt for line.
	Ack(line Line)

	// Unmask allows line to raise interrupts.
	Unmask(line Line)

	// Mask prevents line from raising interrupts.
	Mask(line Line)
}

// Timer is a periodic interrupt source.
type Timer interface {
	// SetFrequency programs the timer to fire hz times per second.
	SetFrequency(hz uint32)
}

// Divisor returns the PIT reload value that approximates hz. The result is
// clamped to the range the 16-bit counter supports.
func Divisor(hz uint32) uint16 {
	if hz == 0 {
		return 0xFFFF
	}

	div := PITBaseFrequency / hz
	switch {
	case div < 1:
		return 1
	case div > 0xFFFF:
		return 0xFFFF
	}
	return uint16(div)
}

// EffectiveFrequency returns the rate the PIT fires at with divisor div.
func EffectiveFrequency(div uint16) uint32 {
	if div == 0 {
		return 0
	}
	return PITBaseFrequency / uint32(div)
}
