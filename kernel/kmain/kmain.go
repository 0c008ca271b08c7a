// Package kmain assembles the kernel on top of a board and boots the init
// process.
package kmain

import (
	"fmt"

	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/driver/hostfs"
	"github.com/Vearance/itb-sub000/kernel/driver/keyboard"
	"github.com/Vearance/itb-sub000/kernel/gate"
	"github.com/Vearance/itb-sub000/kernel/hal"
	"github.com/Vearance/itb-sub000/kernel/irq"
	"github.com/Vearance/itb-sub000/kernel/kfmt"
	"github.com/Vearance/itb-sub000/kernel/mem/pmm/allocator"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"github.com/Vearance/itb-sub000/kernel/proc"
	"github.com/Vearance/itb-sub000/kernel/sched"
	"github.com/Vearance/itb-sub000/kernel/syscall"
	"github.com/Vearance/itb-sub000/kernel/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config describes the board and the kernel limits.
type Config struct {
	FrameCount     uint32
	DirectoryCount int
	// TimerHz is the scheduler tick rate; zero leaves the PIT alone.
	TimerHz uint32
	Process proc.Config

	// FSRoot is the host directory served as the root filesystem.
	FSRoot string
	// Init is the executable started at boot.
	Init string
	// BootID tags logs and metrics. A random one is generated if empty.
	BootID string
}

// Kernel holds every kernel subsystem. It is the only kernel-wide state and
// is handed explicitly to whoever needs it.
type Kernel struct {
	Machine  *hal.Machine
	Pool     *vmm.DirectoryPool
	Frames   *allocator.BitmapAllocator
	MMU      *vmm.MMU
	FS       *hostfs.Driver
	Procs    *proc.Manager
	Sched    *sched.Scheduler
	Syscalls *syscall.Table
	Keyboard *keyboard.Driver
	Metrics  *telemetry.Metrics
	BootID   string

	cfg    Config
	log    *zap.Logger
	gauges metric.Registration
}

// New wires the subsystems together and installs the interrupt handlers.
// Instruments are created on meter.
func New(cfg Config, meter metric.Meter, log *zap.Logger) (*Kernel, error) {
	if cfg.BootID == "" {
		cfg.BootID = uuid.NewString()
	}
	log = log.With(zap.String("boot_id", cfg.BootID))

	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("kmain: create instruments: %w", err)
	}

	k := &Kernel{
		Metrics: metrics,
		BootID:  cfg.BootID,
		cfg:     cfg,
		log:     log,
	}

	k.Machine = hal.NewMachine(cfg.FrameCount, log.Named("hal"))
	k.Pool = vmm.NewDirectoryPool(k.Machine, cfg.DirectoryCount, log.Named("vmm"))
	k.Frames = allocator.NewBitmapAllocator(k.Machine, cfg.FrameCount, log.Named("pmm"))
	k.MMU = vmm.NewMMU(k.Pool, k.Machine.Memory(), k.Machine.PageFault)

	if k.FS, err = hostfs.New(cfg.FSRoot, k.MMU, log.Named("hostfs")); err != nil {
		return nil, err
	}

	k.Procs = proc.NewManager(cfg.Process, k.Pool, k.Frames, k.MMU, k.FS, metrics, log.Named("proc"))
	k.Sched = sched.New(k.Procs, k.Pool, k.Machine, k.Machine, k.Machine, cfg.TimerHz, metrics, log.Named("sched"))
	k.Keyboard = keyboard.New(k.Machine, k.Machine, log.Named("keyboard"))

	k.Syscalls = syscall.NewTable(metrics, log.Named("syscall"))
	if kerr := syscall.RegisterProcessCalls(k.Syscalls, k.Procs, k.Sched, k.MMU, log.Named("syscall")); kerr != nil {
		k.FS.Close()
		return nil, kerr
	}
	if kerr := k.Keyboard.Register(k.Syscalls, k.MMU); kerr != nil {
		k.FS.Close()
		return nil, kerr
	}

	k.installHandlers()

	if k.gauges, err = telemetry.ObserveGauges(meter, k.Snapshot); err != nil {
		k.FS.Close()
		return nil, fmt.Errorf("kmain: register gauges: %w", err)
	}

	return k, nil
}

func (k *Kernel) installHandlers() {
	idt := k.Machine.IDT()

	vmm.InstallFaultHandlers(idt, k.Machine)
	idt.HandleInterrupt(gate.TimerInterrupt, gate.KernelGate, k.onTimer)
	idt.HandleInterrupt(gate.KeyboardInterrupt, gate.KernelGate, k.onKeyboard)
	idt.HandleInterrupt(gate.SyscallInterrupt, gate.UserGate, k.onSyscall)
}

func (k *Kernel) onTimer(regs *gate.Registers) {
	k.Metrics.Interrupt(regs.Info)
	k.Machine.Ack(irq.TimerLine)

	if err := k.Sched.OnTimerInterrupt(regs); err != nil {
		k.log.Error("timer tick failed", zap.Error(err))
	}
}

func (k *Kernel) onKeyboard(regs *gate.Registers) {
	k.Metrics.Interrupt(regs.Info)
	k.Machine.Ack(irq.KeyboardLine)
	k.Keyboard.OnInterrupt(regs)
}

func (k *Kernel) onSyscall(regs *gate.Registers) {
	k.Metrics.Interrupt(regs.Info)
	k.Syscalls.Dispatch(regs)
}

// Boot starts the init process and resumes it. It returns an error if
// nothing could be scheduled, in which case the CPU has been halted.
func (k *Kernel) Boot() *kernel.Error {
	var err *kernel.Error
	k.Machine.Atomic(func() {
		err = k.boot()
	})
	return err
}

func (k *Kernel) boot() *kernel.Error {
	w := kfmt.PrefixWriter{Sink: kfmt.Console(), Prefix: []byte("[kmain] ")}
	kfmt.Fprintf(&w, "booting ringos, boot id %s\n", k.BootID)
	kfmt.Fprintf(&w, "%d frames of RAM, %d free, %d page directories\n",
		k.Frames.TotalFrames(), k.Frames.FreeCount(), k.Pool.Capacity())

	k.Pool.SwitchTo(k.Pool.Kernel())

	pid, status := k.Procs.Spawn(k.cfg.Init, hostfs.RootInode)
	if status != proc.StatusSuccess {
		kfmt.Fprintf(&w, "cannot start %s: %s\n", k.cfg.Init, status)
	} else {
		kfmt.Fprintf(&w, "started %s as pid %d\n", k.cfg.Init, pid)
	}

	if err := k.Sched.Init(); err != nil {
		return err
	}
	return k.Sched.SwitchToNext()
}

// Snapshot reports the state exported by the telemetry gauges. It masks
// interrupts while reading.
func (k *Kernel) Snapshot() telemetry.Snapshot {
	var s telemetry.Snapshot
	k.Machine.Atomic(func() {
		s = telemetry.Snapshot{
			FreeFrames:      int64(k.Frames.FreeCount()),
			UsedDirectories: int64(k.Pool.UsedCount()),
			ActiveProcesses: int64(k.Procs.Count()),
		}
	})
	return s
}

// Shutdown releases host resources held by the kernel.
func (k *Kernel) Shutdown() error {
	if err := k.gauges.Unregister(); err != nil {
		return fmt.Errorf("kmain: unregister gauges: %w", err)
	}
	return k.FS.Close()
}
