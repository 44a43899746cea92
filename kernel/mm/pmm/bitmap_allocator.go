package pmm

import (
	"math/bits"

	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when no free frames remain.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errFrameNotManaged     = &kernel.Error{Module: "pmm", Message: "frame is not managed by the allocator"}
	errDoubleFree          = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errNoAllocatableMemory = &kernel.Error{Module: "pmm", Message: "reserved frames exceed installed memory"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap with one bit per frame. Frames below
// startFrame hold the kernel image and are never handed out.
type BitmapAllocator struct {
	// startFrame is the frame number for the first allocatable frame.
	// Each bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame managed by the allocator.
	endFrame mm.Frame

	// totalPages tracks the number of frames managed by the allocator.
	totalPages uint32

	// freeCount tracks the available frames. The allocator uses it to
	// fail fast without scanning the bitmap.
	freeCount uint32

	// nextScan is the bitmap block where the next allocation scan begins.
	nextScan int

	// freeBitmap tracks used/free frames. A set bit marks a reserved
	// frame.
	freeBitmap []uint64
}

// NewBitmapAllocator returns an allocator managing frames
// [reservedFrames, totalFrames).
func NewBitmapAllocator(reservedFrames, totalFrames uint32) (*BitmapAllocator, *kernel.Error) {
	if reservedFrames >= totalFrames {
		return nil, errNoAllocatableMemory
	}

	pageCount := totalFrames - reservedFrames
	alloc := &BitmapAllocator{
		startFrame: mm.Frame(reservedFrames),
		endFrame:   mm.Frame(totalFrames - 1),
		totalPages: pageCount,
		freeCount:  pageCount,

		// To represent the free page bitmap we need pageCount bits. Since
		// the bitmap uses uint64 blocks we round up the required bits so
		// they are a multiple of 64.
		freeBitmap: make([]uint64, (pageCount+63)>>6),
	}

	// Pad bits past endFrame are permanently reserved.
	if tail := pageCount & 63; tail != 0 {
		alloc.freeBitmap[len(alloc.freeBitmap)-1] = ^uint64(0) >> tail
	}

	return alloc, nil
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(frame mm.Frame, flag markAs) {
	relFrame := frame - alloc.startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame & 63)))

	switch flag {
	case markFree:
		alloc.freeBitmap[block] &^= mask
		alloc.freeCount++
	case markReserved:
		alloc.freeBitmap[block] |= mask
		alloc.freeCount--
	}
}

// AllocFrame reserves and returns a physical memory frame. An error will be
// returned if no more memory can be allocated.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	for i := 0; i < len(alloc.freeBitmap); i++ {
		block := (alloc.nextScan + i) % len(alloc.freeBitmap)
		if alloc.freeBitmap[block] == ^uint64(0) {
			continue
		}

		bit := bits.LeadingZeros64(^alloc.freeBitmap[block])
		frame := alloc.startFrame + mm.Frame(block<<6+bit)
		alloc.markFrame(frame, markReserved)
		alloc.nextScan = block
		return frame, nil
	}

	// freeCount claimed a free frame but the bitmap has none.
	kfmt.Panic(&kernel.Error{Module: "pmm", Message: "free frame count out of sync with bitmap"})
	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
// Trying to release a frame not part of the allocator pool or a frame that
// is already marked as free will cause an error to be returned.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if frame < alloc.startFrame || frame > alloc.endFrame {
		return errFrameNotManaged
	}

	relFrame := frame - alloc.startFrame
	mask := uint64(1 << (63 - (relFrame & 63)))
	if alloc.freeBitmap[relFrame>>6]&mask == 0 {
		return errDoubleFree
	}

	alloc.markFrame(frame, markFree)
	return nil
}

// FreeFrameCount returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreeFrameCount() uint32 {
	return alloc.freeCount
}

// printStats outputs the allocator's frame statistics to the kernel log.
func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[pmm] page stats: free: %d/%d (%d reserved)\n",
		alloc.freeCount,
		alloc.totalPages,
		uint32(alloc.startFrame),
	)
}
