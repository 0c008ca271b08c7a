// Package proc manages process control blocks: creation from a flat binary
// image, teardown and read-only queries.
package proc

import (
	"math"

	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
)

// InvalidPid is reported for processes that do not exist.
const InvalidPid = uint32(math.MaxUint32)

// State is the scheduling state of a process.
type State uint32

// Process states. A slot is free iff its state is Inactive.
const (
	Inactive State = iota
	Ready
	Running
	Waiting
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Waiting:
		return "WAITING"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotReady is returned when dispatching a process that is not Ready.
	ErrNotReady = &kernel.Error{Module: "proc", Message: "process is not ready"}

	// ErrNotRunning is returned when preempting a process that is not
	// Running.
	ErrNotRunning = &kernel.Error{Module: "proc", Message: "process is not running"}
)

// Memory records the user frames owned by a process.
type Memory struct {
	FrameCount   uint32
	VirtualAddrs []uint32
}

// Context is the saved execution state of a process.
type Context struct {
	cpu.TaskState

	Directory *vmm.PageDirectory
}

// PCB is a process control block.
type PCB struct {
	Pid   uint32
	State State
	Name  string

	Memory  Memory
	Context Context

	// ImageSize and ImageSum describe the binary the process was
	// created from. ImageSum is the xxhash64 of the image bytes.
	ImageSize uint32
	ImageSum  uint64
}

// Active reports whether the PCB describes a live process.
func (p *PCB) Active() bool {
	return p.State != Inactive
}

// Dispatch moves a Ready process to Running.
func (p *PCB) Dispatch() *kernel.Error {
	if p.State != Ready {
		return ErrNotReady
	}
	p.State = Running
	return nil
}

// Preempt moves a Running process back to Ready.
func (p *PCB) Preempt() *kernel.Error {
	if p.State != Running {
		return ErrNotRunning
	}
	p.State = Ready
	return nil
}
