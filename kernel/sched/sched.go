// Package sched implements the preemptive round-robin scheduler. Ready
// processes are visited in ascending process table order, wrapping around.
package sched

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/Vearance/itb-sub000/kernel/gate"
	"github.com/Vearance/itb-sub000/kernel/irq"
	"github.com/Vearance/itb-sub000/kernel/kfmt"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"github.com/Vearance/itb-sub000/kernel/proc"
	"github.com/Vearance/itb-sub000/kernel/telemetry"
	"go.uber.org/zap"
)

// ErrNoRunnableProcess is raised when there is nothing left to run. The CPU
// is halted before it is returned.
var ErrNoRunnableProcess = &kernel.Error{Module: "sched", Message: "no process is ready to run"}

// Scheduler multiplexes the CPU between the processes of a proc.Manager.
type Scheduler struct {
	procs   *proc.Manager
	pool    *vmm.DirectoryPool
	cpu     cpu.CPU
	pic     irq.Controller
	timer   irq.Timer
	timerHz uint32
	metrics *telemetry.Metrics
	log     *zap.Logger

	current    int
	timerArmed bool
}

// New returns a scheduler. The timer is programmed for timerHz on the first
// switch; a zero rate leaves the PIT alone and only unmasks IRQ0.
func New(procs *proc.Manager, pool *vmm.DirectoryPool, c cpu.CPU, pic irq.Controller, timer irq.Timer, timerHz uint32, metrics *telemetry.Metrics, log *zap.Logger) *Scheduler {
	return &Scheduler{
		procs:   procs,
		pool:    pool,
		cpu:     c,
		pic:     pic,
		timer:   timer,
		timerHz: timerHz,
		metrics: metrics,
		log:     log,
	}
}

// Current returns the process table index of the current process.
func (s *Scheduler) Current() int {
	return s.current
}

// Init marks the first Ready process as Running. The timer stays disarmed
// until the first switch so no tick arrives before a process is resumed.
func (s *Scheduler) Init() *kernel.Error {
	for i := 0; i < s.procs.Capacity(); i++ {
		if pcb := s.procs.Slot(i); pcb.State == proc.Ready {
			if err := pcb.Dispatch(); err != nil {
				return err
			}
			s.current = i
			s.log.Info("scheduler initialized", zap.Uint32("pid", pcb.Pid), zap.Int("slot", i))
			return nil
		}
	}

	return s.halt()
}

// OnTimerInterrupt saves the interrupted context into the Running process,
// demotes it and switches to the next Ready process.
func (s *Scheduler) OnTimerInterrupt(frame *gate.Registers) *kernel.Error {
	if pcb := s.procs.Slot(s.current); pcb.State == proc.Running {
		saveContext(pcb, frame)
		if err := pcb.Preempt(); err != nil {
			return err
		}
	}

	return s.SwitchToNext()
}

func saveContext(pcb *proc.PCB, frame *gate.Registers) {
	ctx := &pcb.Context
	ctx.Registers = frame.Registers
	if frame.PrivilegeChange() {
		ctx.ESP = frame.UserESP
	}
	ctx.EIP = frame.EIP
	ctx.EFlags = frame.EFlags
}

// SwitchToNext picks the first Ready process after the current one, wrapping
// around, and resumes it. If no other process is Ready the current one keeps
// running. The call ends with a context restore.
func (s *Scheduler) SwitchToNext() *kernel.Error {
	next := s.nextReady()
	if next < 0 {
		if state := s.procs.Slot(s.current).State; state != proc.Ready && state != proc.Running {
			return s.halt()
		}
		next = s.current
	}

	if outgoing := s.procs.Slot(s.current); outgoing.State == proc.Running {
		if err := outgoing.Preempt(); err != nil {
			return err
		}
	}

	incoming := s.procs.Slot(next)
	if err := incoming.Dispatch(); err != nil {
		return err
	}
	s.current = next

	s.pool.SwitchTo(incoming.Context.Directory)
	s.armTimer()
	s.metrics.ContextSwitch()
	s.log.Debug("context switch", zap.Uint32("pid", incoming.Pid), zap.Int("slot", next))

	s.cpu.RestoreContext(&incoming.Context.TaskState)
	return nil
}

// ExitCurrent destroys the Running process and switches to the next Ready
// one.
func (s *Scheduler) ExitCurrent() *kernel.Error {
	pcb := s.procs.Slot(s.current)
	if pcb.State != proc.Running {
		return proc.ErrNotRunning
	}

	pid := pcb.Pid
	if err := pcb.Preempt(); err != nil {
		return err
	}

	// The directory being freed must not stay loaded in CR3.
	s.pool.SwitchTo(s.pool.Kernel())
	if err := s.procs.Destroy(pid); err != nil {
		return err
	}
	s.log.Info("process exited", zap.Uint32("pid", pid))

	return s.SwitchToNext()
}

func (s *Scheduler) nextReady() int {
	n := s.procs.Capacity()
	for i := 1; i < n; i++ {
		index := (s.current + i) % n
		if s.procs.Slot(index).State == proc.Ready {
			return index
		}
	}
	return -1
}

func (s *Scheduler) armTimer() {
	if s.timerArmed {
		return
	}

	if s.timerHz != 0 {
		s.timer.SetFrequency(s.timerHz)
	}
	s.pic.Unmask(irq.TimerLine)
	s.timerArmed = true
}

func (s *Scheduler) halt() *kernel.Error {
	kfmt.Printf("\nscheduler: no process is ready to run\n")
	kfmt.Panic(s.cpu, ErrNoRunnableProcess)
	return ErrNoRunnableProcess
}
