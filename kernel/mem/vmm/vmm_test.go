package vmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Vearance/itb-sub000/kernel/gate"
	"github.com/Vearance/itb-sub000/kernel/hal"
	"github.com/Vearance/itb-sub000/kernel/kfmt"
	"github.com/Vearance/itb-sub000/kernel/mem"
	"github.com/Vearance/itb-sub000/kernel/mem/pmm"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestPool(t *testing.T, capacity int) (*hal.Machine, *DirectoryPool) {
	m := hal.NewMachine(32, zaptest.NewLogger(t))
	pool := NewDirectoryPool(m, capacity, zaptest.NewLogger(t))
	pool.SwitchTo(pool.Kernel())
	return m, pool
}

func TestPageDirectoryEntryFlags(t *testing.T) {
	var (
		pde   PageDirectoryEntry
		frame = pmm.Frame(123)
	)

	pde.SetFlags(FlagPresent | FlagRW | FlagPageSize)
	pde.SetFrame(frame)

	if got := pde.Frame(); got != frame {
		t.Fatalf("expected frame %d; got %d", frame, got)
	}

	if !pde.HasFlags(FlagPresent | FlagRW | FlagPageSize) {
		t.Fatal("expected all set flags to be reported")
	}

	if pde.HasFlags(FlagUserAccessible) || pde.HasFlags(FlagPresent|FlagDirty) {
		t.Fatal("expected unset flags to be reported as missing")
	}

	pde.SetFlags(FlagUserAccessible)
	if got := pde.Frame(); got != frame {
		t.Fatalf("expected setting flags to keep frame %d; got %d", frame, got)
	}
}

func TestDirectoryPoolCreate(t *testing.T) {
	_, pool := newTestPool(t, 2)

	d, err := pool.Create()
	require.Nil(t, err)
	require.Equal(t, 1, pool.UsedCount())

	specs := []struct {
		virtAddr uint32
		frame    pmm.Frame
	}{
		{0, 0},
		{0xC0000000, 0},
		{0xC0400000, 1},
		{0xC0800000, 2},
	}
	for _, spec := range specs {
		pde := d.Entry(spec.virtAddr)
		require.True(t, pde.HasFlags(FlagPresent|FlagRW|FlagPageSize), "entry for 0x%x", spec.virtAddr)
		require.False(t, pde.HasFlags(FlagUserAccessible), "kernel entry for 0x%x must be supervisor only", spec.virtAddr)
		require.Equal(t, spec.frame, pde.Frame())
	}

	var present int
	for _, pde := range d.Entries {
		if pde.HasFlags(FlagPresent) {
			present++
		}
	}
	require.Equal(t, len(specs), present)

	_, err = pool.Create()
	require.Nil(t, err)

	_, err = pool.Create()
	require.Same(t, ErrDirectoryPoolExhausted, err)
}

func TestDirectoryPoolFree(t *testing.T) {
	m, pool := newTestPool(t, 2)

	d, err := pool.Create()
	require.Nil(t, err)
	UpdateEntry(m, d, 0, pmm.Frame(5), FlagPresent|FlagRW|FlagUserAccessible)
	UpdateEntry(m, d, 0x400000, pmm.Frame(7), FlagPresent|FlagRW|FlagUserAccessible)

	var released []pmm.Frame
	require.Nil(t, pool.Free(d, func(f pmm.Frame) { released = append(released, f) }))

	require.Equal(t, []pmm.Frame{5, 7}, released, "only user frames are released")
	require.Equal(t, 0, pool.UsedCount())
	require.Equal(t, PageDirectoryEntry(0), d.Entry(0xC0000000))

	t.Run("double free", func(t *testing.T) {
		require.Same(t, errUnknownDirectory, pool.Free(d, func(pmm.Frame) {}))
	})

	t.Run("kernel directory", func(t *testing.T) {
		require.Same(t, errFreeKernelDir, pool.Free(pool.Kernel(), func(pmm.Frame) {}))
	})

	t.Run("slot is reused", func(t *testing.T) {
		again, err := pool.Create()
		require.Nil(t, err)
		require.True(t, again == d)

		identity := again.Entry(0)
		require.True(t, identity.HasFlags(FlagPresent|FlagRW|FlagPageSize))
		require.False(t, identity.HasFlags(FlagUserAccessible))
		require.Equal(t, pmm.Frame(0), identity.Frame())
		for i, pde := range again.Entries {
			require.False(t, pde.HasFlags(FlagUserAccessible), "entry %d still maps a user frame", i)
		}
	})
}

func TestDirectoryPoolSwitchTo(t *testing.T) {
	m, pool := newTestPool(t, 2)

	require.True(t, pool.Active() == pool.Kernel())

	d, err := pool.Create()
	require.Nil(t, err)
	pool.SwitchTo(d)
	require.Equal(t, d.PhysAddr(), m.ActivePDT())
	require.True(t, pool.Active() == d)

	t.Run("higher half address is rebased", func(t *testing.T) {
		bogus := &PageDirectory{physAddr: mem.KernelVirtualBase + d.PhysAddr()}
		pool.SwitchTo(bogus)
		require.Equal(t, d.PhysAddr(), m.ActivePDT())
	})

	t.Run("lookup of unknown address", func(t *testing.T) {
		require.Nil(t, pool.Lookup(0x1234))
		require.Nil(t, pool.Lookup(poolPhysBase+poolStride))
		require.Nil(t, pool.Lookup(poolPhysBase+100*poolStride))
	})
}

func TestTemporaryMapping(t *testing.T) {
	m, pool := newTestPool(t, 1)
	mmu := NewMMU(pool, m.Memory(), nil)

	tmp, err := pool.MapTemporary(pmm.Frame(9))
	require.Nil(t, err)
	require.Equal(t, TempMappingAddr, tmp.Addr())

	require.Nil(t, mmu.Write(tmp.Addr()+4, []byte("hello")))

	buf := make([]byte, 5)
	require.Nil(t, m.Memory().ReadPhysical(pmm.Frame(9).Address()+4, buf))
	require.Equal(t, "hello", string(buf))

	_, err = pool.MapTemporary(pmm.Frame(10))
	require.Same(t, ErrTemporaryMappingInUse, err)

	tmp.Release()
	tmp.Release()
	require.False(t, pool.Kernel().Entry(TempMappingAddr).HasFlags(FlagPresent))
	require.True(t, pool.Kernel().Entry(0xC0400000).HasFlags(FlagPresent), "kernel data mapping must survive")

	_, err = mmu.Translate(TempMappingAddr)
	require.Same(t, ErrInvalidMapping, err)
}

func TestMMU(t *testing.T) {
	m, pool := newTestPool(t, 1)

	var faults []uint32
	mmu := NewMMU(pool, m.Memory(), func(virtAddr, code uint32) {
		faults = append(faults, virtAddr, code)
	})

	d, err := pool.Create()
	require.Nil(t, err)
	UpdateEntry(m, d, 0, pmm.Frame(4), FlagPresent|FlagRW|FlagUserAccessible)
	UpdateEntry(m, d, 0x400000, pmm.Frame(6), FlagPresent|FlagRW|FlagUserAccessible)
	pool.SwitchTo(d)

	t.Run("translate", func(t *testing.T) {
		phys, err := mmu.Translate(0x400010)
		require.Nil(t, err)
		require.Equal(t, pmm.Frame(6).Address()+0x10, phys)
	})

	t.Run("access across two frames", func(t *testing.T) {
		addr := uint32(mem.FrameSize) - 3
		require.Nil(t, mmu.Write(addr, []byte("abcdef")))

		buf := make([]byte, 6)
		require.Nil(t, mmu.Read(addr, buf))
		require.Equal(t, "abcdef", string(buf))

		require.Nil(t, m.Memory().ReadPhysical(pmm.Frame(6).Address(), buf[:3]))
		require.Equal(t, "def", string(buf[:3]))
	})

	t.Run("words", func(t *testing.T) {
		require.Nil(t, mmu.WriteUint32(0x100, 0xCAFEBABE))
		v, err := mmu.ReadUint32(0x100)
		require.Nil(t, err)
		require.Equal(t, uint32(0xCAFEBABE), v)
	})

	t.Run("c strings", func(t *testing.T) {
		require.Nil(t, mmu.Write(0x200, []byte("shell\x00")))
		s, err := mmu.ReadCString(0x200, 128)
		require.Nil(t, err)
		require.Equal(t, "shell", s)

		require.Nil(t, mmu.Write(0x300, bytes.Repeat([]byte{'a'}, 8)))
		_, err = mmu.ReadCString(0x300, 8)
		require.Same(t, ErrStringTooLong, err)
	})

	t.Run("unmapped access faults", func(t *testing.T) {
		faults = nil
		require.Same(t, ErrInvalidMapping, mmu.Write(0x800000, []byte{1}))
		require.Equal(t, []uint32{0x800000, faultWrite}, faults)

		faults = nil
		require.Same(t, ErrInvalidMapping, mmu.Read(0x800004, make([]byte, 1)))
		require.Equal(t, []uint32{0x800004, 0}, faults)
	})
}

func TestFaultHandlers(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	specs := []struct {
		vector gate.InterruptNumber
		code   uint32
		exp    string
	}{
		{gate.PageFaultException, 0, "read from non-present page"},
		{gate.PageFaultException, 2, "write to non-present page"},
		{gate.PageFaultException, 4, "page-fault in user-mode"},
		{gate.PageFaultException, 0xff, "unknown"},
		{gate.GPFException, 0x102, "General protection fault (error code: 0x102)"},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)

		m := hal.NewMachine(4, zaptest.NewLogger(t))
		InstallFaultHandlers(m.IDT(), m)

		m.Atomic(func() {
			if spec.vector == gate.PageFaultException {
				m.PageFault(0xbadc0de, spec.code)
				return
			}
			m.IDT().Dispatch(&gate.Registers{Info: uint32(spec.vector), ErrorCode: spec.code})
		})

		out := buf.String()
		if !strings.Contains(out, spec.exp) {
			t.Errorf("[spec %d] expected output to contain %q; got:\n%s", specIndex, spec.exp, out)
		}
		if !strings.Contains(out, "kernel panic: system halted") {
			t.Errorf("[spec %d] expected a kernel panic banner", specIndex)
		}
		if !m.Halted() {
			t.Errorf("[spec %d] expected the CPU to be halted", specIndex)
		}
	}
}
