// Package kheap implements the kernel heap that backs kernel bookkeeping
// structures. The heap manages a range of kernel virtual addresses; callers
// charge their allocations against it and get back a handle that they later
// release with Free.
package kheap

import (
	"sync"

	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/google/btree"
)

const (
	// allocAlign is the granularity of heap allocations. Every free block
	// is a multiple of allocAlign so any request of at most allocAlign
	// bytes succeeds while FreeBytes is non-zero.
	allocAlign = uintptr(16)

	// freeTreeDegree is the branching factor of the free block tree.
	freeTreeDegree = 8
)

var (
	// ErrOutOfMemory is returned when no free block can fit a request.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "out of memory"}

	errInvalidSize    = &kernel.Error{Module: "kheap", Message: "allocation size must be greater than zero"}
	errNotInitialized = &kernel.Error{Module: "kheap", Message: "heap is not initialized"}
	errInvalidFree    = &kernel.Error{Module: "kheap", Message: "free of an address that was not allocated"}

	// defaultHeap is the heap used by the package-level helpers.
	defaultHeap *Heap
)

// block describes a contiguous run of free heap addresses.
type block struct {
	addr uintptr
	size uintptr
}

func blockLess(a, b block) bool { return a.addr < b.addr }

// Heap is a first-fit allocator. Free blocks are kept in an address-ordered
// tree so that neighbouring blocks can be coalesced when memory is
// released.
type Heap struct {
	mu sync.Mutex

	start, end uintptr
	freeBytes  uintptr

	free      *btree.BTreeG[block]
	allocated map[uintptr]uintptr
}

// New returns a heap managing the address range [start, start+size).
func New(start, size uintptr) *Heap {
	size &^= allocAlign - 1

	h := &Heap{
		start:     start,
		end:       start + size,
		freeBytes: size,
		free:      btree.NewG(freeTreeDegree, blockLess),
		allocated: make(map[uintptr]uintptr),
	}

	if size != 0 {
		h.free.ReplaceOrInsert(block{addr: start, size: size})
	}

	return h
}

// Alloc reserves size bytes and returns the address of the reserved block.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidSize
	}

	size = (size + allocAlign - 1) &^ (allocAlign - 1)

	h.mu.Lock()
	defer h.mu.Unlock()

	if size > h.freeBytes {
		return 0, ErrOutOfMemory
	}

	var (
		found block
		ok    bool
	)
	h.free.Ascend(func(b block) bool {
		if b.size >= size {
			found, ok = b, true
			return false
		}
		return true
	})

	if !ok {
		return 0, ErrOutOfMemory
	}

	h.free.Delete(found)
	if found.size > size {
		h.free.ReplaceOrInsert(block{addr: found.addr + size, size: found.size - size})
	}

	h.allocated[found.addr] = size
	h.freeBytes -= size
	return found.addr, nil
}

// Free releases a block previously returned by Alloc.
func (h *Heap) Free(addr uintptr) *kernel.Error {
	h.mu.Lock()
	defer h.mu.Unlock()

	size, ok := h.allocated[addr]
	if !ok {
		return errInvalidFree
	}
	delete(h.allocated, addr)
	h.freeBytes += size

	freed := block{addr: addr, size: size}

	var prev, next block
	h.free.DescendLessOrEqual(freed, func(b block) bool {
		prev = b
		return false
	})
	h.free.AscendGreaterOrEqual(freed, func(b block) bool {
		next = b
		return false
	})

	// Merge with the neighbouring free blocks when they are contiguous.
	if prev.size != 0 && prev.addr+prev.size == freed.addr {
		h.free.Delete(prev)
		freed.addr = prev.addr
		freed.size += prev.size
	}
	if next.size != 0 && freed.addr+freed.size == next.addr {
		h.free.Delete(next)
		freed.size += next.size
	}

	h.free.ReplaceOrInsert(freed)
	return nil
}

// FreeBytes returns the number of bytes that are not allocated.
func (h *Heap) FreeBytes() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freeBytes
}

// Init sets up the kernel heap to manage [start, start+size).
func Init(start, size uintptr) {
	defaultHeap = New(start, size)
	kfmt.Printf("[kheap] heap at 0x%8x, size: %dKb\n", start, size>>10)
}

// Alloc reserves size bytes from the kernel heap.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	if defaultHeap == nil {
		return 0, errNotInitialized
	}
	return defaultHeap.Alloc(size)
}

// Free releases a kernel heap block.
func Free(addr uintptr) *kernel.Error {
	if defaultHeap == nil {
		return errNotInitialized
	}
	return defaultHeap.Free(addr)
}

// FreeBytes returns the number of free kernel heap bytes.
func FreeBytes() uintptr {
	if defaultHeap == nil {
		return 0
	}
	return defaultHeap.FreeBytes()
}
