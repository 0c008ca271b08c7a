package kfmt

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/cpu"
)

var errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Once Panic returns the CPU no longer accepts interrupts, so callers
// should unwind without touching kernel state.
func Panic(c cpu.CPU, e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	c.Halt()
}
