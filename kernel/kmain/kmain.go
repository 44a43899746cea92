// Package kmain boots the simulated machine: it installs physical memory,
// sets up the frame allocator, the kernel heap and virtual memory, and
// registers the kernel process.
package kmain

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/cpu"
	"github.com/Aglay/Escape/kernel/gate"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/mm/kheap"
	"github.com/Aglay/Escape/kernel/mm/pmm"
	"github.com/Aglay/Escape/kernel/mm/vmm"
	"github.com/Aglay/Escape/kernel/proc"
)

// heapLimit is the first address past the kernel heap region; the kernel
// stack table starts there.
const heapLimit = uintptr(0xff400000)

// Config describes the machine to boot.
type Config struct {
	// MemorySize is the amount of physical memory.
	MemorySize mm.Size

	// KernelFrames is the number of frames, starting at frame 0, that hold
	// the kernel image.
	KernelFrames uint32

	// HeapSize is the size of the kernel heap.
	HeapSize mm.Size
}

// Machine is a booted machine.
type Machine struct {
	mem *pmm.Memory

	// Kernel is the process that owns the boot address space.
	Kernel *proc.Process
}

var (
	// booted is the running machine, if any.
	booted *Machine

	errAlreadyBooted = &kernel.Error{Module: "kmain", Message: "a machine is already running"}
	errHeapSize      = &kernel.Error{Module: "kmain", Message: "kernel heap size must be non-zero and fit in the kernel area"}
)

// Kmain boots a machine with the supplied configuration. Only one machine can
// run at a time; it must be shut down before booting another one.
func Kmain(cfg Config) (*Machine, *kernel.Error) {
	if booted != nil {
		return nil, errAlreadyBooted
	}

	if cfg.HeapSize == 0 || uintptr(cfg.HeapSize) > heapLimit-vmm.KernelHeapVAddr {
		return nil, errHeapSize
	}

	cpu.Reset()
	mem, err := pmm.NewMemory(cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	m := &Machine{mem: mem}
	if err = pmm.Init(mem, cfg.KernelFrames); err != nil {
		m.release()
		return nil, err
	}

	kheap.Init(vmm.KernelHeapVAddr, uintptr(cfg.HeapSize))

	boot, err := vmm.Init(cfg.KernelFrames)
	if err != nil {
		m.release()
		return nil, err
	}

	m.Kernel = proc.Init(boot)
	booted = m

	kfmt.Printf("[kmain] machine up: %d of %d frames free\n", mm.FreeFrameCount(), mem.FrameCount())
	return m, nil
}

// Shutdown powers the machine off and returns its memory to the host.
func (m *Machine) Shutdown() {
	if booted != m {
		return
	}

	m.release()
	booted = nil
	kfmt.Printf("[kmain] machine halted\n")
}

func (m *Machine) release() {
	gate.HandleInterrupt(gate.PageFaultException, nil)
	mm.SetFrameAllocator(nil)
	mm.SetPhysicalMemory(nil)
	m.mem.Release()
	cpu.Reset()
}
