// Package syscall decodes the system call ABI exposed through the user
// reachable interrupt gate. EAX selects the call and EBX, ECX and EDX carry
// its arguments.
package syscall

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/gate"
	"github.com/Vearance/itb-sub000/kernel/telemetry"
	"go.uber.org/zap"
)

// Number identifies a system call.
type Number uint32

// Process management calls.
const (
	CreateProcess    Number = 12
	ProcessInfo      Number = 13
	TerminateProcess Number = 14
	KillProcess      Number = 24
	ProcessCount     Number = 25
	ProcessByIndex   Number = 26
)

var (
	// ErrAlreadyRegistered is returned when claiming a number that
	// already has a handler.
	ErrAlreadyRegistered = &kernel.Error{Module: "syscall", Message: "syscall number already claimed"}

	errNilHandler = &kernel.Error{Module: "syscall", Message: "nil syscall handler"}
)

// Handler services a system call. Results are written back through regs or
// through pointers passed in the argument registers.
type Handler func(regs *gate.Registers)

// Table maps syscall numbers to handlers. Numbers without a handler are
// ignored so that calls served by absent drivers are harmless.
type Table struct {
	handlers map[Number]Handler
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

// NewTable returns an empty table.
func NewTable(metrics *telemetry.Metrics, log *zap.Logger) *Table {
	return &Table{
		handlers: make(map[Number]Handler),
		metrics:  metrics,
		log:      log,
	}
}

// Register claims n for h.
func (t *Table) Register(n Number, h Handler) *kernel.Error {
	if h == nil {
		return errNilHandler
	}
	if _, claimed := t.handlers[n]; claimed {
		return ErrAlreadyRegistered
	}

	t.handlers[n] = h
	return nil
}

// Dispatch decodes the call number from EAX and runs its handler. It has the
// gate.Handler signature so it can be installed on the syscall vector.
func (t *Table) Dispatch(regs *gate.Registers) {
	n := Number(regs.EAX)
	t.metrics.Syscall(uint32(n))

	h, ok := t.handlers[n]
	if !ok {
		t.log.Debug("unclaimed syscall", zap.Uint32("syscall", uint32(n)))
		return
	}
	h(regs)
}
