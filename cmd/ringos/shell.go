package main

import (
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/Vearance/itb-sub000/kernel"
	"github.com/Vearance/itb-sub000/kernel/irq"
	"github.com/Vearance/itb-sub000/kernel/kfmt"
	"github.com/Vearance/itb-sub000/kernel/kmain"
	"github.com/Vearance/itb-sub000/kernel/proc"
)

type command struct {
	name  string
	usage string
	help  string
	nargs int
	run   func(sh *shell, args []string) error
}

var commands = []command{
	{"exec", "exec <path>", "start an executable from the root filesystem", 1, (*shell).cmdExec},
	{"ps", "ps", "list live processes", 0, (*shell).cmdPs},
	{"kill", "kill <pid>", "destroy a process that is not running", 1, (*shell).cmdKill},
	{"info", "info <pid>", "show the metadata of a process", 1, (*shell).cmdInfo},
	{"count", "count", "show the number of live processes", 0, (*shell).cmdCount},
	{"exit", "exit", "terminate the running process", 0, (*shell).cmdExit},
	{"tick", "tick", "raise a timer interrupt", 0, (*shell).cmdTick},
	{"mem", "mem", "show memory and board counters", 0, (*shell).cmdMem},
	{"dmesg", "dmesg", "print the kernel console log", 0, (*shell).cmdDmesg},
	{"help", "help", "list commands", 0, nil},
	{"quit", "quit", "power off", 0, nil},
}

type shell struct {
	k   *kmain.Kernel
	out io.Writer
}

func newShell(k *kmain.Kernel, out io.Writer) *shell {
	return &shell{k: k, out: out}
}

// exec runs one console line and reports whether the console should quit.
func (sh *shell) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	name, args := fields[0], fields[1:]
	switch name {
	case "quit":
		return true
	case "help":
		sh.help()
		return false
	}

	for _, c := range commands {
		if c.name != name {
			continue
		}
		if len(args) != c.nargs {
			fmt.Fprintf(sh.out, "usage: %s\n", c.usage)
			return false
		}
		if err := c.run(sh, args); err != nil {
			fmt.Fprintf(sh.out, "%s: %v\n", name, err)
		}
		return false
	}

	fmt.Fprintf(sh.out, "unknown command %q, try help\n", name)
	return false
}

func (sh *shell) help() {
	w := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(w, "%s\t%s\n", c.usage, c.help)
	}
	w.Flush()
}

func parsePid(s string) (uint32, error) {
	pid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return uint32(pid), nil
}

// kerr converts a kernel error into a Go error without producing a typed
// nil.
func kerr(err *kernel.Error) error {
	if err == nil {
		return nil
	}
	return err
}

func (sh *shell) cmdExec(args []string) error {
	dir, name := path.Split(path.Clean(args[0]))
	if dir == "" {
		dir = "."
	}

	var (
		inode uint32
		err   error
	)
	sh.k.Machine.Atomic(func() {
		inode, err = sh.k.FS.DirInode(dir)
	})
	if err != nil {
		return err
	}

	status, kErr := sh.k.Exec(name, inode)
	if kErr != nil {
		return kErr
	}
	fmt.Fprintf(sh.out, "%s: %s\n", name, status)
	return nil
}

func (sh *shell) cmdPs(_ []string) error {
	w := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tSTATE\tNAME")
	for i := 0; i < sh.k.Procs.Capacity(); i++ {
		md, err := sh.k.ProcessByIndex(uint32(i))
		if err != nil {
			return err
		}
		if md.State == proc.Inactive {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", md.Pid, md.State, md.Name)
	}
	return w.Flush()
}

func (sh *shell) cmdKill(args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}

	res, kErr := sh.k.Kill(pid)
	if kErr != nil {
		return kErr
	}
	fmt.Fprintf(sh.out, "pid %d: %s\n", pid, res)
	return nil
}

func (sh *shell) cmdInfo(args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}

	md, kErr := sh.k.ProcessInfo(pid)
	if kErr != nil {
		return kErr
	}
	if md.Pid == proc.InvalidPid {
		fmt.Fprintf(sh.out, "pid %d: no such process\n", pid)
		return nil
	}
	fmt.Fprintf(sh.out, "pid %d: %s %s\n", md.Pid, md.State, md.Name)
	return nil
}

func (sh *shell) cmdCount(_ []string) error {
	count, err := sh.k.ProcessCount()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d\n", count)
	return nil
}

func (sh *shell) cmdExit(_ []string) error {
	return kerr(sh.k.Exit())
}

func (sh *shell) cmdTick(_ []string) error {
	if !sh.k.Machine.RaiseIRQ(irq.TimerLine) {
		fmt.Fprintln(sh.out, "timer interrupt not delivered")
	}
	return nil
}

func (sh *shell) cmdMem(_ []string) error {
	snap := sh.k.Snapshot()
	stats := sh.k.Machine.Stats()

	w := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "free frames\t%d/%d\n", snap.FreeFrames, sh.k.Frames.TotalFrames())
	fmt.Fprintf(w, "page directories\t%d/%d\n", snap.UsedDirectories, sh.k.Pool.Capacity())
	fmt.Fprintf(w, "processes\t%d/%d\n", snap.ActiveProcesses, sh.k.Procs.Capacity())
	fmt.Fprintf(w, "interrupts\t%d\n", stats.Interrupts)
	fmt.Fprintf(w, "context loads\t%d\n", stats.ContextLoads)
	fmt.Fprintf(w, "timer\t%d Hz\n", stats.TimerFrequency)
	return w.Flush()
}

func (sh *shell) cmdDmesg(_ []string) error {
	_, err := sh.out.Write(kfmt.Messages())
	return err
}
