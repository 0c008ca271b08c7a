package proc

import (
	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/Vearance/itb-sub000/kernel/mem"
	"github.com/Vearance/itb-sub000/kernel/mem/pmm"
	"github.com/Vearance/itb-sub000/kernel/mem/pmm/allocator"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"github.com/Vearance/itb-sub000/kernel/telemetry"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// copyChunkSize bounds the kernel buffer used while copying an image.
const copyChunkSize = 64 * uint32(mem.Kb)

var (
	// ErrProcessNotFound is returned when no live process has the
	// requested pid.
	ErrProcessNotFound = &kernel.Error{Module: "proc", Message: "process not found"}

	// ErrCannotDestroyRunning is returned when destroying the process
	// that currently owns the CPU.
	ErrCannotDestroyRunning = &kernel.Error{Module: "proc", Message: "cannot destroy a running process"}
)

// Config bounds the process table.
type Config struct {
	// MaxProcesses is the number of process table slots.
	MaxProcesses int
	// MaxFrames is the per-process frame cap.
	MaxFrames uint32
	// NameMax is the size of the name field, terminator included.
	NameMax int
}

// Image describes a flat binary that lives in the active address space.
type Image struct {
	Name string
	Addr uint32
	Size uint32
}

// ProcessInfo is a read-only snapshot of a PCB.
type ProcessInfo struct {
	Pid        uint32
	State      State
	Name       string
	FrameCount uint32
	ImageSize  uint32
	ImageSum   uint64
}

// Manager owns the process table.
type Manager struct {
	cfg     Config
	pool    *vmm.DirectoryPool
	frames  *allocator.BitmapAllocator
	mmu     *vmm.MMU
	fs      FileReader
	metrics *telemetry.Metrics
	log     *zap.Logger

	table   []PCB
	pidUsed []bool
	active  int
}

// NewManager returns a manager with an empty process table.
func NewManager(cfg Config, pool *vmm.DirectoryPool, frames *allocator.BitmapAllocator, mmu *vmm.MMU, fs FileReader, metrics *telemetry.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		pool:    pool,
		frames:  frames,
		mmu:     mmu,
		fs:      fs,
		metrics: metrics,
		log:     log,
		table:   make([]PCB, cfg.MaxProcesses),
		pidUsed: make([]bool, cfg.MaxProcesses),
	}
}

// CreateProcess builds a Ready process from img. On any failure every frame,
// the directory and the pid claimed along the way are released again and
// the process table is left untouched.
func (m *Manager) CreateProcess(img Image) (uint32, Status) {
	pid, status := m.create(img)
	if status != StatusSuccess {
		m.metrics.CreateFailed(status.String())
		m.log.Info("process creation failed", zap.String("name", img.Name), zap.Stringer("status", status))
		return InvalidPid, status
	}

	m.metrics.ProcessCreated()
	m.log.Info("process created", zap.Uint32("pid", pid), zap.String("name", img.Name), zap.Uint32("size", img.Size))
	return pid, StatusSuccess
}

func (m *Manager) create(img Image) (uint32, Status) {
	if mem.IsKernelAddress(img.Addr) {
		return InvalidPid, StatusInvalidEntrypoint
	}

	// One extra frame past the image holds the user stack.
	frameCount := (mem.Size(img.Size) + mem.FrameSize).Frames()
	if !m.frames.AllocateCheck(frameCount) || frameCount > m.cfg.MaxFrames {
		return InvalidPid, StatusNotEnoughMemory
	}

	slot := m.inactiveSlot()
	if slot < 0 {
		return InvalidPid, StatusMaxProcessExceeded
	}

	pid := m.claimPid()
	if pid == InvalidPid {
		return InvalidPid, StatusMaxProcessExceeded
	}

	dir, err := m.pool.Create()
	if err != nil {
		m.pidUsed[pid] = false
		return InvalidPid, StatusNotEnoughMemory
	}

	virtAddrs := make([]uint32, 0, frameCount)
	unwind := func() {
		for _, va := range virtAddrs {
			m.frames.FreeUserFrame(dir, va)
		}
		m.pool.Free(dir, m.frames.ReleaseFrame)
		m.pidUsed[pid] = false
	}

	for i := uint32(0); i < frameCount; i++ {
		va := i << mem.FrameShift
		if _, err = m.frames.AllocUserFrame(dir, va); err != nil {
			m.log.Warn("frame allocation failed", zap.Uint32("pid", pid), zap.Uint32("vaddr", va), zap.Error(err))
			unwind()
			return InvalidPid, StatusNotEnoughMemory
		}
		virtAddrs = append(virtAddrs, va)
	}

	sum, err := m.copyImage(dir, img)
	if err != nil {
		m.log.Warn("image copy failed", zap.Uint32("pid", pid), zap.Error(err))
		unwind()
		return InvalidPid, StatusNotEnoughMemory
	}

	m.table[slot] = PCB{
		Pid:   pid,
		State: Ready,
		Name:  m.truncateName(img.Name),
		Memory: Memory{
			FrameCount:   frameCount,
			VirtualAddrs: virtAddrs,
		},
		Context: Context{
			TaskState: cpu.TaskState{
				Registers: cpu.Registers{
					ESP: frameCount<<mem.FrameShift - 4,
					GS:  cpu.UserDataSelector,
					FS:  cpu.UserDataSelector,
					ES:  cpu.UserDataSelector,
					DS:  cpu.UserDataSelector,
				},
				EIP:    0,
				EFlags: cpu.EFlagsBase | cpu.EFlagsInterruptEnable,
			},
			Directory: dir,
		},
		ImageSize: img.Size,
		ImageSum:  sum,
	}
	m.active++

	return pid, StatusSuccess
}

// copyImage copies img into the frames mapped by dir, one destination frame
// at a time through the temporary kernel window.
func (m *Manager) copyImage(dir *vmm.PageDirectory, img Image) (uint64, *kernel.Error) {
	var (
		digest = xxhash.New()
		buf    = make([]byte, copyChunkSize)
		copied uint32
	)

	for frameIndex := uint32(0); copied < img.Size; frameIndex++ {
		frame := dir.Entry(frameIndex << mem.FrameShift).Frame()
		n := img.Size - copied
		if n > uint32(mem.FrameSize) {
			n = uint32(mem.FrameSize)
		}

		if err := m.copyToFrame(frame, img.Addr+copied, n, buf, digest); err != nil {
			return 0, err
		}
		copied += n
	}

	return digest.Sum64(), nil
}

func (m *Manager) copyToFrame(frame pmm.Frame, src, size uint32, buf []byte, digest *xxhash.Digest) *kernel.Error {
	tmp, err := m.pool.MapTemporary(frame)
	if err != nil {
		return err
	}
	defer tmp.Release()

	for off := uint32(0); off < size; {
		n := size - off
		if n > uint32(len(buf)) {
			n = uint32(len(buf))
		}

		if err = m.mmu.Read(src+off, buf[:n]); err != nil {
			return err
		}
		digest.Write(buf[:n])
		if err = m.mmu.Write(tmp.Addr()+off, buf[:n]); err != nil {
			return err
		}
		off += n
	}

	return nil
}

// Destroy tears down the process with the given pid. The Running process
// cannot be destroyed.
func (m *Manager) Destroy(pid uint32) *kernel.Error {
	index := m.indexOf(pid)
	if index < 0 {
		return ErrProcessNotFound
	}

	pcb := &m.table[index]
	if pcb.State == Running {
		return ErrCannotDestroyRunning
	}

	dir := pcb.Context.Directory
	for _, va := range pcb.Memory.VirtualAddrs {
		if err := m.frames.FreeUserFrame(dir, va); err != nil {
			m.log.Warn("freeing process frame failed", zap.Uint32("pid", pid), zap.Uint32("vaddr", va), zap.Error(err))
		}
	}
	if err := m.pool.Free(dir, m.frames.ReleaseFrame); err != nil {
		m.log.Warn("freeing page directory failed", zap.Uint32("pid", pid), zap.Error(err))
	}

	m.pidUsed[pid] = false
	m.table[index] = PCB{}
	m.active--

	m.log.Info("process destroyed", zap.Uint32("pid", pid))
	return nil
}

// Info returns a snapshot of the live process with the given pid. Unknown
// pids yield a snapshot whose Pid is InvalidPid.
func (m *Manager) Info(pid uint32) ProcessInfo {
	index := m.indexOf(pid)
	if index < 0 {
		return ProcessInfo{Pid: InvalidPid}
	}
	return m.table[index].info()
}

// InfoByIndex returns a snapshot of the process table slot at index.
// Out-of-range indices yield an Inactive snapshot.
func (m *Manager) InfoByIndex(index int) ProcessInfo {
	if index < 0 || index >= len(m.table) {
		return ProcessInfo{Pid: InvalidPid, State: Inactive}
	}
	return m.table[index].info()
}

// Count returns the number of live processes.
func (m *Manager) Count() int {
	return m.active
}

// Capacity returns the number of process table slots.
func (m *Manager) Capacity() int {
	return len(m.table)
}

// Slot returns the PCB stored at index. The scheduler uses it to drive
// state transitions.
func (m *Manager) Slot(index int) *PCB {
	return &m.table[index]
}

// RunningIndex returns the slot of the Running process or -1.
func (m *Manager) RunningIndex() int {
	for i := range m.table {
		if m.table[i].State == Running {
			return i
		}
	}
	return -1
}

func (p *PCB) info() ProcessInfo {
	return ProcessInfo{
		Pid:        p.Pid,
		State:      p.State,
		Name:       p.Name,
		FrameCount: p.Memory.FrameCount,
		ImageSize:  p.ImageSize,
		ImageSum:   p.ImageSum,
	}
}

func (m *Manager) indexOf(pid uint32) int {
	if pid >= uint32(len(m.pidUsed)) || !m.pidUsed[pid] {
		return -1
	}
	for i := range m.table {
		if m.table[i].Active() && m.table[i].Pid == pid {
			return i
		}
	}
	return -1
}

func (m *Manager) inactiveSlot() int {
	for i := range m.table {
		if !m.table[i].Active() {
			return i
		}
	}
	return -1
}

// claimPid reserves the lowest unused pid.
func (m *Manager) claimPid() uint32 {
	for pid := range m.pidUsed {
		if !m.pidUsed[pid] {
			m.pidUsed[pid] = true
			return uint32(pid)
		}
	}
	return InvalidPid
}

func (m *Manager) truncateName(name string) string {
	if limit := m.cfg.NameMax - 1; len(name) > limit {
		return name[:limit]
	}
	return name
}

// NameMax returns the size of the name field reported to user code.
func (m *Manager) NameMax() int {
	return m.cfg.NameMax
}
