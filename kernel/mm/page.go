// Package mm defines the physical frame and virtual page types shared by the
// memory management sub-systems together with the registration points for
// the active frame allocator and the machine's physical memory.
package mm

import (
	"math"

	"github.com/Aglay/Escape/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators.
type FrameAllocator interface {
	// AllocFrame reserves a free frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame releases a frame previously returned by AllocFrame.
	FreeFrame(Frame) *kernel.Error

	// FreeFrameCount returns the number of frames that can still be
	// allocated.
	FreeFrameCount() uint32
}

// PhysicalMemory provides access to the contents of physical frames.
type PhysicalMemory interface {
	// FrameData returns a PageSize-long slice aliasing the frame contents.
	FrameData(Frame) []byte

	// FrameCount returns the number of frames installed in the machine.
	FrameCount() uint32
}

var (
	// frameAllocator points to the frame allocator registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocator

	// physMem points to the physical memory registered using
	// SetPhysicalMemory.
	physMem PhysicalMemory

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// SetFrameAllocator registers a frame allocator that will be used by the vmm
// code when physical frames need to be allocated or released.
func SetFrameAllocator(alloc FrameAllocator) { frameAllocator = alloc }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator.AllocFrame()
}

// FreeFrame returns a physical frame to the currently active allocator.
func FreeFrame(f Frame) *kernel.Error {
	if frameAllocator == nil {
		return errNoFrameAllocator
	}
	return frameAllocator.FreeFrame(f)
}

// FreeFrameCount returns the number of frames the active allocator can still
// hand out.
func FreeFrameCount() uint32 {
	if frameAllocator == nil {
		return 0
	}
	return frameAllocator.FreeFrameCount()
}

// SetPhysicalMemory registers the machine's physical memory.
func SetPhysicalMemory(mem PhysicalMemory) { physMem = mem }

// FrameData returns a slice aliasing the contents of the given frame.
func FrameData(f Frame) []byte {
	return physMem.FrameData(f)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
