package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/kmain"
	"github.com/Aglay/Escape/kernel/mm"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Fatalf("expected the default config (-want +got):\n%s", diff)
	}

	cfg, err = loadConfig("testdata/machine.toml")
	if err != nil {
		t.Fatal(err)
	}

	exp := &config{
		Machine: machineConfig{MemoryMb: 8, KernelFrames: 32, HeapKb: 128},
		Log:     logConfig{Level: "debug", Kernel: false},
	}
	if diff := cmp.Diff(exp, cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}

	expBoot := kmain.Config{MemorySize: 8 * mm.Mb, KernelFrames: 32, HeapSize: 128 * mm.Kb}
	if diff := cmp.Diff(expBoot, cfg.kmainConfig()); diff != "" {
		t.Fatalf("unexpected boot config (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	specs := []struct {
		name   string
		input  string
		expErr string
	}{
		{"syntax", "[machine\n", "loading config"},
		{"unknown key", "[machine]\nmemory = 4\n", "unknown keys machine.memory"},
		{"log level", "[log]\nlevel = \"loud\"\n", "not a valid logrus Level"},
		{"no memory", "[machine]\nmemory_mb = 0\n", "machine.memory_mb must be positive"},
	}

	dir := t.TempDir()
	for specIndex, spec := range specs {
		path := filepath.Join(dir, spec.name+".toml")
		if err := os.WriteFile(path, []byte(spec.input), 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := loadConfig(path)
		if err == nil || !strings.Contains(err.Error(), spec.expErr) {
			t.Errorf("[spec %d] expected error containing %q; got %v", specIndex, spec.expErr, err)
		}
	}

	if _, err := loadConfig(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(logConfig{Level: "warning"}, os.Stderr)
	if logger.GetLevel() != logrus.WarnLevel {
		t.Fatalf("expected level %s; got %s", logrus.WarnLevel, logger.GetLevel())
	}

	logger = newLogger(logConfig{Level: "bogus"}, os.Stderr)
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected an invalid level to fall back to %s; got %s", logrus.InfoLevel, logger.GetLevel())
	}
}

func TestAttachKernelLog(t *testing.T) {
	logger := discardLogger()

	detach := attachKernelLog(logger, false)
	if kfmt.GetOutputSink() == nil {
		t.Fatal("expected the kernel log to be discarded")
	}
	detach()
	if kfmt.GetOutputSink() != nil {
		t.Fatal("expected the kernel log to be detached")
	}

	detach = attachKernelLog(logger, true)
	if kfmt.GetOutputSink() == nil {
		t.Fatal("expected the kernel log to be forwarded to the logger")
	}
	kfmt.Printf("[test] forwarded\n")
	detach()
	if kfmt.GetOutputSink() != nil {
		t.Fatal("expected the kernel log to be detached")
	}
}
