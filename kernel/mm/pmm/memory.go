package pmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
	"golang.org/x/sys/unix"
)

var (
	// The following functions are used by tests to mock calls to the host
	// memory mapping syscalls.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap

	errInvalidMemorySize = &kernel.Error{Module: "pmm", Message: "memory size must be a non-zero multiple of the page size"}
	errMemoryMapFailed   = &kernel.Error{Module: "pmm", Message: "unable to map physical memory"}
	errNoSuchFrame       = &kernel.Error{Module: "pmm", Message: "access to non-existing physical frame"}
)

// Memory models the machine's physical RAM as an anonymous host mapping.
// Physical address p lives at offset p of the mapping.
type Memory struct {
	ram []byte
}

// NewMemory reserves size bytes of zeroed physical memory.
func NewMemory(size mm.Size) (*Memory, *kernel.Error) {
	if size == 0 || uintptr(size)&(mm.PageSize-1) != 0 {
		return nil, errInvalidMemorySize
	}

	ram, err := mmapFn(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errMemoryMapFailed
	}

	return &Memory{ram: ram}, nil
}

// FrameData returns a PageSize-long slice aliasing the contents of frame f.
// Accessing a frame outside the installed memory is a bus error and causes
// a kernel panic.
func (m *Memory) FrameData(f mm.Frame) []byte {
	offset := f.Address()
	if !f.Valid() || offset >= uintptr(len(m.ram)) {
		kfmt.Panic(errNoSuchFrame)
		return nil
	}

	return m.ram[offset : offset+mm.PageSize : offset+mm.PageSize]
}

// FrameCount returns the number of installed physical frames.
func (m *Memory) FrameCount() uint32 {
	return uint32(uintptr(len(m.ram)) >> mm.PageShift)
}

// Release returns the memory to the host. The Memory must not be used
// afterwards.
func (m *Memory) Release() {
	if m.ram == nil {
		return
	}

	_ = munmapFn(m.ram)
	m.ram = nil
}
