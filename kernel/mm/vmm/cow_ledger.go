package vmm

import (
	"io"
	"slices"

	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/mm/kheap"
)

var (
	// the following functions are mocked by tests.
	kheapAllocFn     = kheap.Alloc
	kheapFreeFn      = kheap.Free
	kheapFreeBytesFn = kheap.FreeBytes

	// ledger tracks the owners of every frame shared copy-on-write.
	ledger = newCowLedger()

	errLedgerOutOfMemory = &kernel.Error{Module: "vmm", Message: "not enough kernel heap for copy-on-write bookkeeping"}
)

// cowEntry records that an address space maps a shared frame.
type cowEntry struct {
	// virtAddr is where the owner maps the frame. Shared frames live at
	// the same address in every sharer.
	virtAddr uintptr

	// heapAddr is the kernel heap block charged for the entry.
	heapAddr uintptr
}

// textRef counts the address spaces that map a shared text frame.
type textRef struct {
	count    uint32
	heapAddr uintptr
}

// cowOwner identifies the page table entry of a ledger entry's owner.
type cowOwner struct {
	as       *AddressSpace
	virtAddr uintptr
}

// cowLedger maps every frame shared copy-on-write to the set of address
// spaces that map it. Outside of a ledger operation every frame has either
// no entries or at least two: when an operation leaves a single owner, that
// owner is handed back to the caller for promotion to exclusive ownership.
//
// Text frames are never copy-on-write; they are tracked in a separate table
// of reference counts. A text frame without a counter has a single owner.
type cowLedger struct {
	frames map[mm.Frame]map[*AddressSpace]cowEntry

	// byOwner indexes frames by owner so purgeOwner does not need to scan
	// the whole ledger.
	byOwner map[*AddressSpace]map[mm.Frame]struct{}

	text map[mm.Frame]*textRef
}

func newCowLedger() *cowLedger {
	return &cowLedger{
		frames:  make(map[mm.Frame]map[*AddressSpace]cowEntry),
		byOwner: make(map[*AddressSpace]map[mm.Frame]struct{}),
		text:    make(map[mm.Frame]*textRef),
	}
}

// heapAlloc charges size bytes to the kernel heap. Callers pre-flight their
// heap usage so running out here is fatal.
func heapAlloc(size uintptr) uintptr {
	addr, err := kheapAllocFn(size)
	if err != nil {
		kfmt.Panic(errLedgerOutOfMemory)
	}
	return addr
}

// heapFree returns a block charged by heapAlloc to the kernel heap.
func heapFree(addr uintptr) {
	if err := kheapFreeFn(addr); err != nil {
		kfmt.Panic(err)
	}
}

// add inserts an entry for owner unless one already exists.
func (l *cowLedger) add(frame mm.Frame, owner *AddressSpace, virtAddr uintptr) {
	owners := l.frames[frame]
	if owners == nil {
		owners = make(map[*AddressSpace]cowEntry, 2)
		l.frames[frame] = owners
	}

	if _, exists := owners[owner]; exists {
		return
	}
	owners[owner] = cowEntry{virtAddr: virtAddr, heapAddr: heapAlloc(cowEntrySize)}

	owned := l.byOwner[owner]
	if owned == nil {
		owned = make(map[mm.Frame]struct{})
		l.byOwner[owner] = owned
	}
	owned[frame] = struct{}{}
}

// remove deletes owner's entry for frame and reports whether it existed.
func (l *cowLedger) remove(frame mm.Frame, owner *AddressSpace) bool {
	owners := l.frames[frame]
	entry, exists := owners[owner]
	if !exists {
		return false
	}

	heapFree(entry.heapAddr)
	delete(owners, owner)
	if len(owners) == 0 {
		delete(l.frames, frame)
	}

	owned := l.byOwner[owner]
	delete(owned, frame)
	if len(owned) == 0 {
		delete(l.byOwner, owner)
	}

	return true
}

// recordShare marks frame, mapped at virtAddr, as shared between parent and
// child. The parent entry is only added if the parent does not already
// share the frame with someone else.
func (l *cowLedger) recordShare(frame mm.Frame, parent, child *AddressSpace, virtAddr uintptr) {
	l.add(frame, child, virtAddr)
	l.add(frame, parent, virtAddr)
}

// has returns true if owner has an entry for frame.
func (l *cowLedger) has(frame mm.Frame, owner *AddressSpace) bool {
	_, exists := l.frames[frame][owner]
	return exists
}

// sharers returns the number of entries for frame.
func (l *cowLedger) sharers(frame mm.Frame) int {
	return len(l.frames[frame])
}

// resolve removes the requester's entry for frame. It returns the number of
// entries left for the frame and false if the requester had no entry.
func (l *cowLedger) resolve(frame mm.Frame, requester *AddressSpace) (int, bool) {
	if !l.remove(frame, requester) {
		return 0, false
	}

	return len(l.frames[frame]), true
}

// takeSoleOwner removes and returns the last entry for frame. It returns
// false if the frame does not have exactly one entry.
func (l *cowLedger) takeSoleOwner(frame mm.Frame) (cowOwner, bool) {
	owners := l.frames[frame]
	if len(owners) != 1 {
		return cowOwner{}, false
	}

	for owner, entry := range owners {
		l.remove(frame, owner)
		return cowOwner{as: owner, virtAddr: entry.virtAddr}, true
	}

	return cowOwner{}, false
}

// drop removes owner's entry for frame. If a single owner is left, its
// entry is removed too and it is returned for promotion.
func (l *cowLedger) drop(frame mm.Frame, owner *AddressSpace) (cowOwner, bool) {
	if !l.remove(frame, owner) {
		return cowOwner{}, false
	}
	return l.takeSoleOwner(frame)
}

// purgeOwner removes all entries that belong to as. Frames that are left
// with a single owner lose their last entry too; those owners are returned
// so the caller can give them exclusive access to the frame.
func (l *cowLedger) purgeOwner(as *AddressSpace) []cowOwner {
	var survivors []cowOwner

	for frame := range l.byOwner[as] {
		if survivor, ok := l.drop(frame, as); ok {
			survivors = append(survivors, survivor)
		}
	}

	return survivors
}

// shareText increments the reference count of a text frame.
func (l *cowLedger) shareText(frame mm.Frame) {
	if ref := l.text[frame]; ref != nil {
		ref.count++
		return
	}

	l.text[frame] = &textRef{count: 2, heapAddr: heapAlloc(textRefSize)}
}

// unshareText drops a reference to a text frame and returns true if the
// caller held the last one and should free the frame.
func (l *cowLedger) unshareText(frame mm.Frame) bool {
	ref := l.text[frame]
	if ref == nil {
		return true
	}

	if ref.count--; ref.count == 1 {
		heapFree(ref.heapAddr)
		delete(l.text, frame)
	}

	return false
}

// textRefs returns the reference count of a text frame.
func (l *cowLedger) textRefs(frame mm.Frame) uint32 {
	if ref := l.text[frame]; ref != nil {
		return ref.count
	}
	return 1
}

// dump outputs the ledger contents to w.
func (l *cowLedger) dump(w io.Writer) {
	frames := make([]mm.Frame, 0, len(l.frames))
	for frame := range l.frames {
		frames = append(frames, frame)
	}
	slices.Sort(frames)

	kfmt.Fprintf(w, "COW-Frames:\n")
	for _, frame := range frames {
		owners := make([]*AddressSpace, 0, len(l.frames[frame]))
		for owner := range l.frames[frame] {
			owners = append(owners, owner)
		}
		slices.SortFunc(owners, func(a, b *AddressSpace) int { return int(a.pdFrame) - int(b.pdFrame) })

		for _, owner := range owners {
			kfmt.Fprintf(w, "\tframe=0x%x, dir=0x%x, virt=0x%8x\n", uintptr(frame), uintptr(owner.pdFrame), l.frames[frame][owner].virtAddr)
		}
	}

	textFrames := make([]mm.Frame, 0, len(l.text))
	for frame := range l.text {
		textFrames = append(textFrames, frame)
	}
	slices.Sort(textFrames)

	kfmt.Fprintf(w, "Shared text frames:\n")
	for _, frame := range textFrames {
		kfmt.Fprintf(w, "\tframe=0x%x, refs=%d\n", uintptr(frame), l.text[frame].count)
	}
}

// SharerCount returns the number of address spaces that share frame
// copy-on-write.
func SharerCount(frame mm.Frame) int {
	defer enterCriticalSection()()
	return ledger.sharers(frame)
}

// DumpLedger outputs the copy-on-write ledger to w.
func DumpLedger(w io.Writer) {
	defer enterCriticalSection()()
	ledger.dump(w)
}
