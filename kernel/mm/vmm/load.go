package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

// Segment identifies a growable user segment.
type Segment uint8

const (
	// SegmentData is the data segment; it grows upwards.
	SegmentData Segment = iota

	// SegmentStack is the stack segment; it grows downwards.
	SegmentStack
)

var (
	// ErrAddressSpaceFull is returned when the data and stack segments
	// would share a page table or overlap.
	ErrAddressSpaceFull = &kernel.Error{Module: "vmm", Message: "not enough virtual address space"}

	// ErrAlreadyLoaded is returned by Load for an address space that
	// already has user segments.
	ErrAlreadyLoaded = &kernel.Error{Module: "vmm", Message: "address space already contains an image"}

	errInvalidSegment = &kernel.Error{Module: "vmm", Message: "invalid segment"}
)

// fitsLayout returns true if text+data and the stack can be mapped without
// sharing a page table.
func fitsLayout(textDataPages, stackPages uint32) bool {
	return uint64(tablesFor(textDataPages))+uint64(tablesFor(stackPages)) <= uint64(kernelPDIndex)
}

// Load maps a program image into an empty, active address space: the text
// read-only, the data and stackPages stack pages writable. The image is
// copied in through the kernel's view of the new pages.
func (as *AddressSpace) Load(text, data []byte, stackPages uint32) *kernel.Error {
	defer enterCriticalSection()()

	if as != activeSpace {
		kfmt.Panic(errNotActive)
	}

	if as.TextPages+as.DataPages+as.StackPages != 0 {
		return ErrAlreadyLoaded
	}

	var (
		textPages = mm.Size(len(text)).Pages()
		dataPages = mm.Size(len(data)).Pages()
		dataStart = uintptr(textPages) << mm.PageShift
		stackEnd  = KernelAreaVAddr - uintptr(stackPages)<<mm.PageShift
	)

	if !fitsLayout(textPages+dataPages, stackPages) {
		return ErrAddressSpaceFull
	}

	needed := countFramesNeededForMap(currentWindow, 0, textPages+dataPages) +
		countFramesNeededForMap(currentWindow, stackEnd, stackPages)
	if mm.FreeFrameCount() < needed {
		return ErrOutOfFrames
	}

	// Read-only user pages have no map flags of their own so the text
	// frames are allocated here and mapped by address.
	textFrames := make([]uintptr, textPages)
	for i := range textFrames {
		frame, err := mm.AllocFrame()
		if err != nil {
			return ErrOutOfFrames
		}
		clearFrame(frame)
		textFrames[i] = frame.Address()
	}

	if err := mapPages(currentWindow, 0, textFrames, textPages, MapAddrToFrame, true); err != nil {
		return err
	}
	if err := mapPages(currentWindow, dataStart, nil, dataPages, MapWritable, true); err != nil {
		return err
	}
	if err := mapPages(currentWindow, stackEnd, nil, stackPages, MapWritable, true); err != nil {
		return err
	}

	copyToUser(0, text)
	copyToUser(dataStart, data)

	as.TextPages, as.DataPages, as.StackPages = textPages, dataPages, stackPages
	return nil
}

// copyToUser writes data to the active address space through the kernel's
// view of the pages, ignoring user write protection.
func copyToUser(virtAddr uintptr, data []byte) {
	for len(data) > 0 {
		n := copy(kernelPage(virtAddr)[PageOffset(virtAddr):], data)
		data = data[n:]
		virtAddr += uintptr(n)
	}
}

// Grow extends a segment of the active address space by pages zeroed,
// writable pages.
func (as *AddressSpace) Grow(segment Segment, pages uint32) *kernel.Error {
	defer enterCriticalSection()()

	if as != activeSpace {
		kfmt.Panic(errNotActive)
	}

	var (
		virtAddr        uintptr
		textData, stack = as.TextPages + as.DataPages, as.StackPages
	)

	switch segment {
	case SegmentData:
		virtAddr = as.DataEnd()
		textData += pages
	case SegmentStack:
		stack += pages
		virtAddr = KernelAreaVAddr - uintptr(stack)<<mm.PageShift
	default:
		kfmt.Panic(errInvalidSegment)
	}

	if textData < as.TextPages+as.DataPages || stack < as.StackPages || !fitsLayout(textData, stack) {
		return ErrAddressSpaceFull
	}

	if mm.FreeFrameCount() < countFramesNeededForMap(currentWindow, virtAddr, pages) {
		return ErrOutOfFrames
	}

	if err := mapPages(currentWindow, virtAddr, nil, pages, MapWritable, true); err != nil {
		return err
	}

	as.DataPages = textData - as.TextPages
	as.StackPages = stack
	return nil
}
