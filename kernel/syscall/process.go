package syscall

import (
	"encoding/binary"

	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/gate"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"github.com/Vearance/itb-sub000/kernel/proc"
	"github.com/Vearance/itb-sub000/kernel/sched"
	"go.uber.org/zap"
)

// KillResult is written back by the kill call.
type KillResult uint32

// Kill results.
const (
	KillOK KillResult = iota
	KillNotFound
	KillRunning
)

func (r KillResult) String() string {
	switch r {
	case KillOK:
		return "ok"
	case KillNotFound:
		return "not found"
	case KillRunning:
		return "process is running"
	default:
		return "unknown"
	}
}

// metadataHeaderSize covers the pid and state fields.
const metadataHeaderSize = 8

// Metadata is the process record copied to user memory by the info calls.
// On the wire it is a little-endian pid and state followed by a fixed-size,
// NUL-padded name.
type Metadata struct {
	Pid   uint32
	State proc.State
	Name  string
}

// MetadataSize returns the encoded size of a record with a nameMax byte
// name field.
func MetadataSize(nameMax int) int {
	return metadataHeaderSize + nameMax
}

// DecodeMetadata parses a record produced by the info calls.
func DecodeMetadata(b []byte) Metadata {
	md := Metadata{
		Pid:   binary.LittleEndian.Uint32(b[0:]),
		State: proc.State(binary.LittleEndian.Uint32(b[4:])),
	}

	name := b[metadataHeaderSize:]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	md.Name = string(name)
	return md
}

func encodeMetadata(info proc.ProcessInfo, nameMax int) []byte {
	b := make([]byte, MetadataSize(nameMax))
	binary.LittleEndian.PutUint32(b[0:], info.Pid)
	binary.LittleEndian.PutUint32(b[4:], uint32(info.State))
	// Names are at most nameMax-1 bytes so the field stays terminated.
	copy(b[metadataHeaderSize:len(b)-1], info.Name)
	return b
}

// processCalls serves the process management calls on behalf of the
// Running process.
type processCalls struct {
	procs *proc.Manager
	sched *sched.Scheduler
	mmu   *vmm.MMU
	log   *zap.Logger
}

// RegisterProcessCalls installs the process management calls into t.
func RegisterProcessCalls(t *Table, procs *proc.Manager, s *sched.Scheduler, mmu *vmm.MMU, log *zap.Logger) *kernel.Error {
	pc := &processCalls{procs: procs, sched: s, mmu: mmu, log: log}

	for n, h := range map[Number]Handler{
		CreateProcess:    pc.create,
		ProcessInfo:      pc.info,
		TerminateProcess: pc.terminate,
		KillProcess:      pc.kill,
		ProcessCount:     pc.count,
		ProcessByIndex:   pc.byIndex,
	} {
		if err := t.Register(n, h); err != nil {
			return err
		}
	}
	return nil
}

// create: EBX filename, ECX parent inode, EDX status slot.
func (pc *processCalls) create(regs *gate.Registers) {
	pc.procs.Exec(regs.EBX, regs.ECX, regs.EDX)
}

// info: EBX pid, ECX metadata. Only the pid field is written for unknown
// pids.
func (pc *processCalls) info(regs *gate.Registers) {
	info := pc.procs.Info(regs.EBX)
	if info.Pid == proc.InvalidPid {
		pc.store(regs.ECX, info.Pid)
		return
	}
	pc.write(regs.ECX, encodeMetadata(info, pc.procs.NameMax()))
}

func (pc *processCalls) terminate(_ *gate.Registers) {
	if err := pc.sched.ExitCurrent(); err != nil && err != sched.ErrNoRunnableProcess {
		pc.log.Warn("terminate failed", zap.Error(err))
	}
}

// kill: EBX pid, ECX result slot.
func (pc *processCalls) kill(regs *gate.Registers) {
	result := KillOK
	switch err := pc.procs.Destroy(regs.EBX); err {
	case nil:
	case proc.ErrCannotDestroyRunning:
		result = KillRunning
	default:
		result = KillNotFound
	}

	if regs.ECX != 0 {
		pc.store(regs.ECX, uint32(result))
	}
}

// count: EBX count slot.
func (pc *processCalls) count(regs *gate.Registers) {
	if regs.EBX != 0 {
		pc.store(regs.EBX, uint32(pc.procs.Count()))
	}
}

// byIndex: EBX slot index, ECX metadata. Only the state field is written for
// indices past the end of the table.
func (pc *processCalls) byIndex(regs *gate.Registers) {
	index := regs.EBX
	if index >= uint32(pc.procs.Capacity()) {
		pc.store(regs.ECX+4, uint32(proc.Inactive))
		return
	}
	pc.write(regs.ECX, encodeMetadata(pc.procs.InfoByIndex(int(index)), pc.procs.NameMax()))
}

func (pc *processCalls) store(addr, value uint32) {
	if err := pc.mmu.WriteUint32(addr, value); err != nil {
		pc.log.Warn("syscall result could not be delivered", zap.Uint32("addr", addr), zap.Error(err))
	}
}

func (pc *processCalls) write(addr uint32, b []byte) {
	if err := pc.mmu.Write(addr, b); err != nil {
		pc.log.Warn("syscall result could not be delivered", zap.Uint32("addr", addr), zap.Error(err))
	}
}
