// Package config loads the simulator configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/Vearance/itb-sub000/kernel/klog"
	"github.com/Vearance/itb-sub000/kernel/mem"
	"github.com/Vearance/itb-sub000/kernel/mem/vmm"
	"github.com/Vearance/itb-sub000/kernel/telemetry"
	"gopkg.in/yaml.v3"
)

// Machine describes the simulated board.
type Machine struct {
	// FrameCount is the amount of RAM in 4MB frames.
	FrameCount uint32 `yaml:"frame_count"`
	// DirectoryCount is the size of the page directory pool.
	DirectoryCount int `yaml:"directory_count"`
	// TimerHz is the scheduler tick rate. Zero leaves the PIT unprogrammed
	// so ticks are only raised by hand.
	TimerHz uint32 `yaml:"timer_hz"`
}

// Process bounds the process table.
type Process struct {
	MaxCount  int    `yaml:"max_count"`
	MaxFrames uint32 `yaml:"max_frames"`
	NameMax   int    `yaml:"name_max"`
}

// FS configures the host directory served as the filesystem.
type FS struct {
	Root string `yaml:"root"`
}

// Config is the top-level configuration document.
type Config struct {
	Machine   Machine          `yaml:"machine"`
	Process   Process          `yaml:"process"`
	FS        FS               `yaml:"fs"`
	Init      string           `yaml:"init"`
	Logging   klog.Config      `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Defaults returns the configuration used when no file is supplied.
func Defaults() Config {
	return Config{
		Machine: Machine{FrameCount: 32, DirectoryCount: 32, TimerHz: 100},
		Process: Process{MaxCount: 16, MaxFrames: 8, NameMax: 32},
		FS:      FS{Root: "./rootfs"},
		Init:    "shell",
		Logging: klog.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName:    "ringos",
			PrometheusPort: 9464,
		},
	}
}

// Load reads path on top of the defaults. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects geometries the kernel cannot boot with.
func (c Config) Validate() error {
	var errs []error

	if c.Machine.FrameCount <= mem.KernelReservedFrames {
		errs = append(errs, fmt.Errorf("machine.frame_count must exceed the %d kernel frames", mem.KernelReservedFrames))
	}
	if maxFrames := uint32(1) << (32 - mem.FrameShift); c.Machine.FrameCount > maxFrames {
		errs = append(errs, fmt.Errorf("machine.frame_count %d exceeds the 4GB physical address space", c.Machine.FrameCount))
	}
	if c.Machine.DirectoryCount < 1 || c.Machine.DirectoryCount > vmm.MaxPoolCapacity {
		errs = append(errs, fmt.Errorf("machine.directory_count must be between 1 and %d", vmm.MaxPoolCapacity))
	}
	if c.Process.MaxCount < 1 {
		errs = append(errs, errors.New("process.max_count must be positive"))
	}
	if c.Process.MaxFrames < 1 {
		errs = append(errs, errors.New("process.max_frames must be positive"))
	}
	if c.Process.NameMax < 2 {
		errs = append(errs, errors.New("process.name_max must leave room for a name and its terminator"))
	}
	if c.Init == "" {
		errs = append(errs, errors.New("init must name an executable"))
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort < 1 || c.Telemetry.PrometheusPort > 65535) {
		errs = append(errs, fmt.Errorf("telemetry.prometheus_port %d is out of range", c.Telemetry.PrometheusPort))
	}

	return errors.Join(errs...)
}
