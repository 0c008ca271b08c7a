package kmain

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/driver/hostfs"
	"github.com/Vearance/itb-sub000/kernel/driver/keyboard"
	"github.com/Vearance/itb-sub000/kernel/hal"
	"github.com/Vearance/itb-sub000/kernel/irq"
	"github.com/Vearance/itb-sub000/kernel/kfmt"
	"github.com/Vearance/itb-sub000/kernel/proc"
	"github.com/Vearance/itb-sub000/kernel/sched"
	"github.com/Vearance/itb-sub000/kernel/syscall"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T, init string) Config {
	root := t.TempDir()
	for name, data := range map[string]string{
		"shell": "\xeb\xfe",
		"clock": "\x90\x90\xeb\xfe",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(data), 0o644))
	}

	return Config{
		FrameCount:     32,
		DirectoryCount: 8,
		Process:        proc.Config{MaxProcesses: 8, MaxFrames: 4, NameMax: 32},
		FSRoot:         root,
		Init:           init,
		BootID:         "test-boot",
	}
}

func newKernel(t *testing.T, cfg Config) (*Kernel, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	k, err := New(cfg, meter, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { k.Shutdown() })
	return k, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestBoot(t *testing.T) {
	k, reader := newKernel(t, testConfig(t, "shell"))
	require.Nil(t, k.Boot())

	pcb := k.Procs.Slot(0)
	require.Equal(t, proc.Running, pcb.State)
	require.Equal(t, "shell", pcb.Name)
	require.Equal(t, pcb.Context.Directory.PhysAddr(), k.Machine.ActivePDT())

	ts, user := k.Machine.UserState()
	require.True(t, user)
	require.Equal(t, uint32(0), ts.EIP)
	require.True(t, bytes.Contains(kfmt.Messages(), []byte("[kmain] started shell as pid 0")))

	t.Run("gauges", func(t *testing.T) {
		got := collect(t, reader)
		require.Equal(t, int64(32-3-2), got["ringos.mem.free_frames"])
		require.Equal(t, int64(1), got["ringos.mem.used_directories"])
		require.Equal(t, int64(1), got["ringos.proc.active"])
	})
}

func TestBootWithoutInit(t *testing.T) {
	k, _ := newKernel(t, testConfig(t, "missing"))

	require.Same(t, sched.ErrNoRunnableProcess, k.Boot())
	require.True(t, k.Machine.Halted())
	require.True(t, bytes.Contains(kfmt.Messages(), []byte("cannot start missing: FS_READ_FAILURE")))
}

func TestUserCallWithoutProcess(t *testing.T) {
	k, _ := newKernel(t, testConfig(t, "shell"))

	_, err := k.ProcessCount()
	require.Same(t, ErrNoRunningProcess, err)
}

func TestProcessCalls(t *testing.T) {
	k, _ := newKernel(t, testConfig(t, "shell"))
	require.Nil(t, k.Boot())
	shellDir := k.Machine.ActivePDT()

	status, err := k.Exec("clock", hostfs.RootInode)
	require.Nil(t, err)
	require.Equal(t, proc.StatusSuccess, status)
	require.Equal(t, shellDir, k.Machine.ActivePDT())

	status, err = k.Exec("missing", hostfs.RootInode)
	require.Nil(t, err)
	require.Equal(t, proc.StatusFSReadFailure, status)

	count, err := k.ProcessCount()
	require.Nil(t, err)
	require.Equal(t, uint32(2), count)

	md, err := k.ProcessByIndex(1)
	require.Nil(t, err)
	require.Equal(t, syscall.Metadata{Pid: 1, State: proc.Ready, Name: "clock"}, md)

	md, err = k.ProcessInfo(0)
	require.Nil(t, err)
	require.Equal(t, syscall.Metadata{Pid: 0, State: proc.Running, Name: "shell"}, md)

	md, err = k.ProcessInfo(5)
	require.Nil(t, err)
	require.Equal(t, proc.InvalidPid, md.Pid)

	specs := []struct {
		pid uint32
		exp syscall.KillResult
	}{
		{0, syscall.KillRunning},
		{1, syscall.KillOK},
		{1, syscall.KillNotFound},
	}
	for specIndex, spec := range specs {
		res, err := k.Kill(spec.pid)
		require.Nil(t, err)
		require.Equal(t, spec.exp, res, "spec %d", specIndex)
	}

	count, err = k.ProcessCount()
	require.Nil(t, err)
	require.Equal(t, uint32(1), count)
}

func TestTimerPreemption(t *testing.T) {
	k, reader := newKernel(t, testConfig(t, "shell"))
	require.Nil(t, k.Boot())

	status, err := k.Exec("clock", hostfs.RootInode)
	require.Nil(t, err)
	require.Equal(t, proc.StatusSuccess, status)

	// Boot unmasked IRQ0 without programming the PIT.
	require.True(t, k.Machine.RaiseIRQ(irq.TimerLine))
	require.Equal(t, 1, k.Sched.Current())
	require.Equal(t, k.Procs.Slot(1).Context.Directory.PhysAddr(), k.Machine.ActivePDT())

	require.True(t, k.Machine.RaiseIRQ(irq.TimerLine))
	require.Equal(t, 0, k.Sched.Current())

	require.Nil(t, k.Exit())
	require.Equal(t, 1, k.Sched.Current())
	require.Equal(t, 1, k.Procs.Count())
	require.Equal(t, proc.InvalidPid, k.Procs.Info(0).Pid)

	got := collect(t, reader)
	require.Equal(t, int64(4), got["ringos.sched.context_switches"])
	require.Equal(t, int64(2), got["ringos.proc.created"])

	t.Run("last process exits", func(t *testing.T) {
		require.Nil(t, k.Exit())
		require.True(t, k.Machine.Halted())

		_, err := k.ProcessCount()
		require.Same(t, hal.ErrHalted, err)
	})
}

func TestKeyboard(t *testing.T) {
	k, _ := newKernel(t, testConfig(t, "shell"))
	require.Nil(t, k.Boot())

	require.False(t, k.Machine.PressKey('x'))
	require.Nil(t, k.UserCall(keyboard.Activate, nil, nil))
	require.True(t, k.Machine.PressKey('y'))

	var got []byte
	err := k.UserCall(keyboard.GetChar,
		func(s *Stack) (Args, *kernel.Error) {
			return Args{EBX: s.Alloc(1)}, nil
		},
		func(s *Stack) *kernel.Error {
			b, err := s.Read(s.top, 1)
			got = b
			return err
		},
	)
	require.Nil(t, err)
	require.Equal(t, []byte("y"), got)
}
