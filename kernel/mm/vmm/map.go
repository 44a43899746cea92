package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

// MapFlag selects the attributes of the pages installed by Map.
type MapFlag uint32

const (
	// MapWritable allows user-mode writes to the mapped pages.
	MapWritable MapFlag = 1 << iota

	// MapSupervisor restricts the mapped pages to kernel code.
	MapSupervisor

	// MapCopyOnWrite marks the mapped pages as copy-on-write. It cannot be
	// combined with MapWritable.
	MapCopyOnWrite

	// MapAddrToFrame indicates that the frames passed to Map are physical
	// addresses instead of frame numbers.
	MapAddrToFrame

	mapAllFlags = MapWritable | MapSupervisor | MapCopyOnWrite | MapAddrToFrame
)

var (
	// ErrOutOfFrames is returned when a mapping operation cannot allocate a
	// physical frame for a page or a page table.
	ErrOutOfFrames = &kernel.Error{Module: "vmm", Message: "out of physical frames"}

	// reservedFrames is the number of low frames that hold the kernel image.
	// They are mapped in every address space and never freed.
	reservedFrames mm.Frame

	errEmptyMapFlags     = &kernel.Error{Module: "vmm", Message: "map flags are empty"}
	errInvalidMapFlags   = &kernel.Error{Module: "vmm", Message: "map flags contain invalid bits"}
	errWritableCOWFlags  = &kernel.Error{Module: "vmm", Message: "copy-on-write pages cannot be mapped writable"}
	errFrameListTooShort = &kernel.Error{Module: "vmm", Message: "frame list is shorter than the page count"}
	errInvalidTableRange = &kernel.Error{Module: "vmm", Message: "page table range overlaps the fixed directory slots"}
	errFreeFrameFailed   = &kernel.Error{Module: "vmm", Message: "unable to release physical frame"}
)

// entryFlags converts map flags to the flags of a present page table entry.
func (f MapFlag) entryFlags() PageTableEntryFlag {
	pteFlags := FlagPresent
	if f&MapWritable != 0 {
		pteFlags |= FlagRW
	}
	if f&MapSupervisor == 0 {
		pteFlags |= FlagUserAccessible
	}
	if f&MapCopyOnWrite != 0 {
		pteFlags |= FlagCopyOnWrite
	}
	return pteFlags
}

func checkMapFlags(flags MapFlag) {
	switch {
	case flags == 0:
		kfmt.Panic(errEmptyMapFlags)
	case flags&^mapAllFlags != 0:
		kfmt.Panic(errInvalidMapFlags)
	case flags&(MapWritable|MapCopyOnWrite) == MapWritable|MapCopyOnWrite:
		kfmt.Panic(errWritableCOWFlags)
	}
}

// Map maps count consecutive pages starting at virtAddr in the active
// address space. If frames is nil, a fresh zeroed frame is allocated for
// each page; otherwise frames[i] backs page i and holds either a frame
// number or, with MapAddrToFrame, a physical address. Pages that are already
// present are left untouched unless force is set. Replacing a copy-on-write
// page gives up the address space's share of the old frame.
//
// Missing page tables are allocated on demand. Map returns ErrOutOfFrames if
// the frame allocator runs dry; callers that must not fail half-way should
// check CountFramesNeededForMap first.
func Map(virtAddr uintptr, frames []uintptr, count uint32, flags MapFlag, force bool) *kernel.Error {
	defer enterCriticalSection()()
	return mapPages(currentWindow, virtAddr, frames, count, flags, force)
}

// mapPages implements Map for the directory visible through w.
func mapPages(w window, virtAddr uintptr, frames []uintptr, count uint32, flags MapFlag, force bool) *kernel.Error {
	checkMapFlags(flags)
	if frames != nil && uint32(len(frames)) < count {
		kfmt.Panic(errFrameListTooShort)
	}

	var (
		pteFlags = flags.entryFlags()
		frame    mm.Frame
		err      *kernel.Error
	)

	virtAddr &^= mm.PageSize - 1
	for i := uint32(0); i < count; i, virtAddr = i+1, virtAddr+mm.PageSize {
		pde := w.pde(virtAddr)

		// Page table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pde.HasFlags(FlagPresent) {
			if frame, err = mm.AllocFrame(); err != nil {
				return ErrOutOfFrames
			}

			*pde = 0
			pde.SetFrame(frame)
			pde.SetFlags(FlagPresent | FlagRW)
			kernel.Memset(kernelPage(w.tableAddr(virtAddr>>pdShift)), 0)
		}

		if flags&MapSupervisor == 0 {
			pde.SetFlags(FlagUserAccessible)
		}

		pte := w.pte(virtAddr)
		if !force && pte.HasFlags(FlagPresent) {
			continue
		}

		switch {
		case frames == nil:
			if frame, err = mm.AllocFrame(); err != nil {
				return ErrOutOfFrames
			}
			clearFrame(frame)
		case flags&MapAddrToFrame != 0:
			frame = mm.FrameFromAddress(frames[i])
		default:
			frame = mm.Frame(frames[i])
		}

		if pte.HasFlags(FlagPresent | FlagCopyOnWrite) {
			releaseShared(w, pte.Frame())
		}

		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(pteFlags)

		if w == currentWindow {
			flushTLBEntryFn(virtAddr)
		}
	}

	return nil
}

// clearFrame zeroes the contents of a physical frame.
func clearFrame(frame mm.Frame) {
	addr, unmap := mapTemporary(frame)
	kernel.Memset(kernelPage(addr), 0)
	unmap()
}

// freeFrame returns a frame to the frame allocator. Failing to do so means
// that the page tables and the allocator disagree about the frame.
func freeFrame(frame mm.Frame) {
	if err := mm.FreeFrame(frame); err != nil {
		kfmt.Panic(errFreeFrameFailed)
	}
}

// releaseShared gives up the share of a copy-on-write frame held by the
// owner of w. A sharer left as the frame's only owner is promoted.
//
// The temporary window must not be borrowed if w is currentWindow; tables
// accessed through the temporary window must have their owner's entries
// purged beforehand.
func releaseShared(w window, frame mm.Frame) {
	if survivor, ok := ledger.drop(frame, w.owner()); ok {
		promote(survivor)
	}
}

// Unmap removes the mappings for count consecutive pages starting at
// virtAddr in the active address space. If freeFrames is set, the frames
// backing the pages are returned to the frame allocator unless they are
// shared copy-on-write or hold the kernel image. Unmapping a copy-on-write
// page gives up the address space's share of the frame.
func Unmap(virtAddr uintptr, count uint32, freeFrames bool) {
	defer enterCriticalSection()()
	unmapPages(currentWindow, virtAddr, count, freeFrames)
}

// unmapPages implements Unmap for the directory visible through w.
func unmapPages(w window, virtAddr uintptr, count uint32, freeFrames bool) {
	virtAddr &^= mm.PageSize - 1
	for i := uint32(0); i < count; i, virtAddr = i+1, virtAddr+mm.PageSize {
		pte := w.lookup(virtAddr)
		if pte == nil || !pte.HasFlags(FlagPresent) {
			continue
		}

		switch frame := pte.Frame(); {
		case pte.HasFlags(FlagCopyOnWrite):
			releaseShared(w, frame)
		case freeFrames && frame >= reservedFrames:
			freeFrame(frame)
		}
		*pte = 0

		if w == currentWindow {
			flushTLBEntryFn(virtAddr)
		}
	}
}

// UnmapPageTables releases the present page tables referenced by directory
// entries [start, start+count) of the active address space. The pages that
// the tables map must have been unmapped beforehand.
func UnmapPageTables(start, count uint32) {
	defer enterCriticalSection()()
	unmapPageTables(currentWindow, uintptr(start), uintptr(count))
}

// unmapPageTables implements UnmapPageTables for the directory visible
// through w.
func unmapPageTables(w window, start, count uintptr) {
	if start+count > tempWindowPDIndex {
		kfmt.Panic(errInvalidTableRange)
	}

	dir := w.directory()
	for pdIndex := start; pdIndex < start+count; pdIndex++ {
		if !dir[pdIndex].HasFlags(FlagPresent) {
			continue
		}

		freeFrame(dir[pdIndex].Frame())
		dir[pdIndex] = 0
	}

	flushTLBFn()
}

// CountFramesNeededForMap returns the number of frames that a call to Map
// with a nil frame list would allocate: one for each page plus one for each
// missing page table in the covered range.
func CountFramesNeededForMap(virtAddr uintptr, count uint32) uint32 {
	return countFramesNeededForMap(currentWindow, virtAddr, count)
}

func countFramesNeededForMap(w window, virtAddr uintptr, count uint32) uint32 {
	if count == 0 {
		return 0
	}

	var (
		needed = count
		dir    = w.directory()
		first  = virtAddr >> pdShift
		last   = ((virtAddr &^ (mm.PageSize - 1)) + uintptr(count-1)<<mm.PageShift) >> pdShift
	)

	if last >= entriesPerTable {
		last = entriesPerTable - 1
	}

	for pdIndex := first; pdIndex <= last; pdIndex++ {
		if !dir[pdIndex].HasFlags(FlagPresent) {
			needed++
		}
	}

	return needed
}
