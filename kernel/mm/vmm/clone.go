package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

var (
	// ErrCloneOutOfMemory is returned by Clone when there are not enough
	// free frames or kernel heap to complete the operation. Clone checks
	// this before changing any state.
	ErrCloneOutOfMemory = &kernel.Error{Module: "vmm", Message: "not enough memory to clone address space"}

	errCloneMapFailed = &kernel.Error{Module: "vmm", Message: "clone ran out of pre-validated frames"}
)

// cloneRequirements returns the number of frames and the kernel heap bytes
// that cloning as may consume in the worst case.
func (as *AddressSpace) cloneRequirements() (uint32, uintptr) {
	// directory, kernel stack page table and kernel stack page plus the
	// page tables for text+data and for the stack. The frames for the
	// page contents are shared.
	frames := 3 + tablesFor(as.TextPages+as.DataPages) + tablesFor(as.StackPages)

	// Two ledger entries per shared data/stack page and a reference
	// counter per text page.
	heap := 2*uintptr(as.DataPages+as.StackPages)*cowEntrySize + uintptr(as.TextPages)*textRefSize

	return frames, heap
}

// Clone creates a copy of the address space for a forked process. Text
// frames are shared read-only. Data and stack frames are shared
// copy-on-write: both address spaces map them read-only until one of them
// writes and gets a private copy through HandleFault.
//
// The address space must be active. If there is not enough memory, Clone
// returns ErrCloneOutOfMemory without modifying any state.
func (as *AddressSpace) Clone() (*AddressSpace, *kernel.Error) {
	defer enterCriticalSection()()

	if as != activeSpace {
		kfmt.Panic(errNotActive)
	}

	frameCount, heapCount := as.cloneRequirements()
	if mm.FreeFrameCount() < frameCount || kheapFreeBytesFn() < heapCount {
		return nil, ErrCloneOutOfMemory
	}

	pdFrame, err := mm.AllocFrame()
	if err != nil {
		kfmt.Panic(errCloneMapFailed)
	}
	initDirectory(pdFrame)

	child := &AddressSpace{
		pdFrame:    pdFrame,
		TextPages:  as.TextPages,
		DataPages:  as.DataPages,
		StackPages: as.StackPages,
	}

	as.populateChild(child)

	// one final flush to pick up the parent's downgraded entries
	flushTLBFn()

	return child, nil
}

// populateChild fills the directory of a freshly initialized child through
// the temporary window.
func (as *AddressSpace) populateChild(child *AddressSpace) {
	release := borrowTemporaryWindow(child)
	defer release()

	mustMap(KernelStackVAddr, nil, MapWritable|MapSupervisor)
	child.KernelStackFrame = temporaryWindow.pte(KernelStackVAddr).Frame()

	for page := uint32(0); page < as.TextPages; page++ {
		virtAddr := uintptr(page) << mm.PageShift
		pte := currentWindow.lookup(virtAddr)
		if pte == nil || !pte.HasFlags(FlagPresent) {
			continue
		}

		frame := pte.Frame()
		mustMap(virtAddr, []uintptr{frame.Address()}, MapAddrToFrame)
		ledger.shareText(frame)
	}

	as.shareCopyOnWrite(child, as.DataStart(), as.DataPages)
	as.shareCopyOnWrite(child, as.StackStart(), as.StackPages)
}

// initDirectory prepares a new page directory: the user half is cleared,
// the kernel page tables are shared with the active directory and the last
// slot maps the directory itself.
func initDirectory(pdFrame mm.Frame) {
	addr, unmap := mapTemporary(pdFrame)
	defer unmap()

	var (
		dir    = (*pageTable)(ptePtrFn(addr))
		curDir = currentWindow.directory()
	)

	for pdIndex := uintptr(0); pdIndex < kernelPDIndex; pdIndex++ {
		dir[pdIndex] = 0
	}
	copy(dir[kernelPDIndex:kernelStackPDIndex], curDir[kernelPDIndex:kernelStackPDIndex])

	// The kernel stack and the windows are private to each directory.
	dir[kernelStackPDIndex] = 0
	dir[tempWindowPDIndex] = 0
	setDirectoryEntry(&dir[selfPDIndex], pdFrame)
}

// mustMap maps a single page into the borrowed directory. Clone validates
// its frame requirements up front so a failure here is fatal.
func mustMap(virtAddr uintptr, frames []uintptr, flags MapFlag) {
	if err := mapPages(temporaryWindow, virtAddr, frames, 1, flags, true); err != nil {
		kfmt.Panic(errCloneMapFailed)
	}
}

// shareCopyOnWrite maps count pages starting at virtAddr into the borrowed
// child directory copy-on-write, downgrades the parent's entries and
// records both owners in the ledger.
func (as *AddressSpace) shareCopyOnWrite(child *AddressSpace, virtAddr uintptr, count uint32) {
	for i := uint32(0); i < count; i, virtAddr = i+1, virtAddr+mm.PageSize {
		pte := currentWindow.lookup(virtAddr)
		if pte == nil || !pte.HasFlags(FlagPresent) {
			continue
		}

		frame := pte.Frame()
		mustMap(virtAddr, []uintptr{frame.Address()}, MapCopyOnWrite|MapAddrToFrame)
		ledger.recordShare(frame, as, child, virtAddr)

		pte.ClearFlags(FlagRW)
		pte.SetFlags(FlagCopyOnWrite)
	}
}
