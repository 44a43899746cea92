package main

import (
	"fmt"
	"strings"

	"github.com/Aglay/Escape/kernel/kmain"
	"github.com/Aglay/Escape/kernel/mm"
	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// config is the configuration of the simulated machine and of the tool's
// logging.
type config struct {
	Machine machineConfig `toml:"machine"`
	Log     logConfig     `toml:"log"`
}

type machineConfig struct {
	// MemoryMb is the amount of physical memory in megabytes.
	MemoryMb uint32 `toml:"memory_mb"`

	// KernelFrames is the number of frames occupied by the kernel image.
	KernelFrames uint32 `toml:"kernel_frames"`

	// HeapKb is the size of the kernel heap in kilobytes. The heap holds
	// the copy-on-write bookkeeping.
	HeapKb uint32 `toml:"heap_kb"`
}

type logConfig struct {
	// Level is a logrus level name.
	Level string `toml:"level"`

	// Kernel forwards the kernel log to the tool's log at debug level.
	Kernel bool `toml:"kernel"`
}

func defaultConfig() *config {
	return &config{
		Machine: machineConfig{
			MemoryMb:     4,
			KernelFrames: 16,
			HeapKb:       64,
		},
		Log: logConfig{
			Level:  "info",
			Kernel: true,
		},
	}
}

// loadConfig reads the config file at path on top of the defaults. An empty
// path yields the defaults.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("loading config: unknown keys %s", strings.Join(keys, ", "))
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

func (c *config) validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Machine.MemoryMb == 0 {
		return fmt.Errorf("machine.memory_mb must be positive")
	}

	return nil
}

// kmainConfig converts the machine section to the boot parameters.
func (c *config) kmainConfig() kmain.Config {
	return kmain.Config{
		MemorySize:   mm.Size(c.Machine.MemoryMb) * mm.Mb,
		KernelFrames: c.Machine.KernelFrames,
		HeapSize:     mm.Size(c.Machine.HeapKb) * mm.Kb,
	}
}
