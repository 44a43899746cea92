// Package pmm provides the machine's physical memory and the frame allocator
// that hands out its frames.
package pmm

import (
	"sync"

	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/mm"
)

// lockedAllocator serializes access to a BitmapAllocator. Frame allocation
// is reachable both from inside and outside the vmm critical section so it
// carries its own lock.
type lockedAllocator struct {
	mu    sync.Mutex
	alloc *BitmapAllocator
}

func (l *lockedAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alloc.AllocFrame()
}

func (l *lockedAllocator) FreeFrame(f mm.Frame) *kernel.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alloc.FreeFrame(f)
}

func (l *lockedAllocator) FreeFrameCount() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alloc.FreeFrameCount()
}

// Init sets up the kernel physical memory allocation sub-system. Frames
// [0, reservedFrames) hold the kernel image and are never allocated.
func Init(mem *Memory, reservedFrames uint32) *kernel.Error {
	alloc, err := NewBitmapAllocator(reservedFrames, mem.FrameCount())
	if err != nil {
		return err
	}

	alloc.printStats()
	mm.SetPhysicalMemory(mem)
	mm.SetFrameAllocator(&lockedAllocator{alloc: alloc})
	return nil
}
