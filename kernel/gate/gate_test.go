package gate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Vearance/itb-sub000/kernel/cpu"
	"github.com/stretchr/testify/require"
)

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{
		Registers: cpu.Registers{EAX: 0xc, EBX: 0x1, DS: cpu.UserDataSelector},
		EIP:       0x1234,
		CS:        cpu.UserCodeSelector,
		UserESP:   0x7ffffc,
	}

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	out := buf.String()
	for _, exp := range []string{
		"EAX = 0000000c EBX = 00000001\n",
		"EIP = 00001234 CS  = 0000001b\n",
		"ESP = 007ffffc SS  = 00000000\n",
	} {
		require.True(t, strings.Contains(out, exp), "expected dump to contain %q; got:\n%s", exp, out)
	}
}

func TestIDTDispatch(t *testing.T) {
	var (
		idt       IDT
		delivered []InterruptNumber
	)

	record := func(regs *Registers) {
		delivered = append(delivered, InterruptNumber(regs.Info))
	}

	idt.HandleInterrupt(TimerInterrupt, KernelGate, record)
	idt.HandleInterrupt(SyscallInterrupt, UserGate, record)
	idt.HandleInterrupt(GPFException, KernelGate, record)

	t.Run("hardware interrupt", func(t *testing.T) {
		delivered = nil
		idt.Dispatch(&Registers{Info: uint32(TimerInterrupt), CS: cpu.UserCodeSelector})
		require.Equal(t, []InterruptNumber{TimerInterrupt}, delivered)
	})

	t.Run("unhandled vector is ignored", func(t *testing.T) {
		delivered = nil
		idt.Dispatch(&Registers{Info: uint32(DivideByZero)})
		require.Empty(t, delivered)
	})

	t.Run("user syscall through user gate", func(t *testing.T) {
		delivered = nil
		idt.DispatchSoftware(&Registers{Info: uint32(SyscallInterrupt), CS: cpu.UserCodeSelector})
		require.Equal(t, []InterruptNumber{SyscallInterrupt}, delivered)
	})

	t.Run("user INT into kernel gate raises GPF", func(t *testing.T) {
		delivered = nil
		regs := &Registers{Info: uint32(TimerInterrupt), CS: cpu.UserCodeSelector}
		idt.DispatchSoftware(regs)

		require.Equal(t, []InterruptNumber{GPFException}, delivered)
		require.Equal(t, uint32(TimerInterrupt)<<3|0x2, regs.ErrorCode)
	})

	t.Run("kernel INT into kernel gate", func(t *testing.T) {
		delivered = nil
		idt.DispatchSoftware(&Registers{Info: uint32(TimerInterrupt), CS: cpu.KernelCodeSelector})
		require.Equal(t, []InterruptNumber{TimerInterrupt}, delivered)
	})
}
