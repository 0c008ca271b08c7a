// Command ringos boots the kernel on the hosted board and attaches an
// interactive console that issues syscalls on behalf of the Running process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/Vearance/itb-sub000/config"
	"github.com/Vearance/itb-sub000/kernel/hal"
	"github.com/Vearance/itb-sub000/kernel/klog"
	"github.com/Vearance/itb-sub000/kernel/kfmt"
	"github.com/Vearance/itb-sub000/kernel/kmain"
	"github.com/Vearance/itb-sub000/kernel/proc"
	"github.com/Vearance/itb-sub000/kernel/telemetry"
	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "ringos.yaml", "Path to the YAML configuration file")
	logLevel   = flag.String("log-level", "", "Override logging.level")
	noTimer    = flag.Bool("no-timer", false, "Leave the PIT unprogrammed; ticks are raised with the tick command")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ringos: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *noTimer {
		cfg.Machine.TimerHz = 0
	}

	log, err := klog.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	bootID := uuid.NewString()
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, bootID, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	k, err := kmain.New(kmain.Config{
		FrameCount:     cfg.Machine.FrameCount,
		DirectoryCount: cfg.Machine.DirectoryCount,
		TimerHz:        cfg.Machine.TimerHz,
		Process: proc.Config{
			MaxProcesses: cfg.Process.MaxCount,
			MaxFrames:    cfg.Process.MaxFrames,
			NameMax:      cfg.Process.NameMax,
		},
		FSRoot: cfg.FS.Root,
		Init:   cfg.Init,
		BootID: bootID,
	}, tel.Meter, log)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ringos> ",
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	defer rl.Close()

	kfmt.SetOutputSink(&kfmt.PrefixWriter{
		Sink:   rl.Stdout(),
		Prefix: []byte("kernel: "),
	})

	if err := k.Boot(); err != nil {
		log.Error("boot failed", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go func() {
		if err := k.Machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, hal.ErrHalted) {
			log.Error("board stopped", zap.Error(err))
		}
	}()

	sh := newShell(k, rl.Stdout())
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("console: %w", err)
		}

		if sh.exec(line) {
			return nil
		}
	}
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}
	return readline.NewPrefixCompleter(items...)
}
