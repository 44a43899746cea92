package kmain

import (
	"testing"

	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/mm/vmm"
	"github.com/Aglay/Escape/kernel/proc"
)

var testConfig = Config{
	MemorySize:   4 * mm.Mb,
	KernelFrames: 16,
	HeapSize:     64 * mm.Kb,
}

func TestKmain(t *testing.T) {
	m, err := Kmain(testConfig)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	if m.Kernel.Pid != proc.KernelPid {
		t.Fatalf("expected the kernel process to have pid %d; got %d", proc.KernelPid, m.Kernel.Pid)
	}

	// the boot directory, its tables and the kernel stack
	if exp, got := uint32(1024-16-256), mm.FreeFrameCount(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	info, err := proc.Lookup(proc.KernelPid)
	if err != nil {
		t.Fatal(err)
	}
	if vmm.Active().DirectoryFrame() != info.Directory {
		t.Fatal("expected the boot address space to be active")
	}

	if _, err := Kmain(testConfig); err != errAlreadyBooted {
		t.Fatalf("expected errAlreadyBooted; got %v", err)
	}

	pid, err := proc.Spawn("init", []byte{0x90}, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)
	if err := proc.ReadMemory(pid, 0, buf); err != nil || buf[0] != 0x90 {
		t.Fatalf("expected to read the text of the new process; got 0x%x, %v", buf[0], err)
	}
}

func TestKmainErrors(t *testing.T) {
	specs := []struct {
		name      string
		cfg       Config
		expModule string
	}{
		{"empty heap", Config{MemorySize: 4 * mm.Mb, KernelFrames: 16}, "kmain"},
		{"heap too large", Config{MemorySize: 4 * mm.Mb, KernelFrames: 16, HeapSize: 1024 * mm.Mb}, "kmain"},
		{"odd memory size", Config{MemorySize: 4*mm.Mb + 1, KernelFrames: 16, HeapSize: mm.Kb}, "pmm"},
		{"kernel larger than memory", Config{MemorySize: 4 * mm.Mb, KernelFrames: 2000, HeapSize: mm.Kb}, "pmm"},
		{"kernel larger than a table", Config{MemorySize: 8 * mm.Mb, KernelFrames: 1025, HeapSize: mm.Kb}, "vmm"},
	}

	for _, spec := range specs {
		m, err := Kmain(spec.cfg)
		if err == nil {
			m.Shutdown()
			t.Errorf("[%s] expected an error", spec.name)
			continue
		}

		if err.Module != spec.expModule {
			t.Errorf("[%s] expected an error from %q; got %s", spec.name, spec.expModule, err)
		}
	}

	// failed boots leave nothing behind
	m, err := Kmain(testConfig)
	if err != nil {
		t.Fatal(err)
	}
	m.Shutdown()
}

func TestShutdown(t *testing.T) {
	m, err := Kmain(testConfig)
	if err != nil {
		t.Fatal(err)
	}

	m.Shutdown()
	if booted != nil {
		t.Fatal("expected the machine to be shut down")
	}

	// shutting down twice is a no-op
	m.Shutdown()

	other, err := Kmain(testConfig)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Shutdown()

	m.Shutdown()
	if booted != other {
		t.Fatal("expected a stale machine not to shut down the running one")
	}
}
