package vmm

import (
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

// Destroy releases every resource owned by the address space: its user
// pages, its page tables, its kernel stack and its page directory. Frames
// still shared with other address spaces are left to them; a sharer that
// becomes the sole owner of a frame gets write access to it.
//
// The address space must not be active and must not be used afterwards.
func (as *AddressSpace) Destroy() {
	defer enterCriticalSection()()

	switch {
	case !as.pdFrame.Valid():
		kfmt.Panic(errDestroyed)
	case as == activeSpace:
		kfmt.Panic(errActiveDestroyed)
	}

	survivors := as.teardown()
	freeFrame(as.pdFrame)
	as.pdFrame = mm.InvalidFrame

	for _, survivor := range survivors {
		promote(survivor)
	}
}

// teardown unmaps the contents of the directory through the temporary
// window and returns the sharers that became sole owners of a frame.
func (as *AddressSpace) teardown() []cowOwner {
	release := borrowTemporaryWindow(as)
	defer release()

	w := temporaryWindow

	as.releaseText(w)

	// Survivors can only be promoted once the window is released so the
	// ledger entries are dropped before the shared pages are unmapped.
	survivors := ledger.purgeOwner(as)

	unmapPages(w, as.DataStart(), as.DataPages, true)
	unmapPages(w, as.StackStart(), as.StackPages, true)

	unmapPages(w, KernelStackVAddr, 1, true)
	unmapPageTables(w, kernelStackPDIndex, 1)

	as.releaseLeftovers(w)

	return survivors
}

// releaseText unmaps the text pages and frees the frames that no other
// address space maps.
func (as *AddressSpace) releaseText(w window) {
	for page := uint32(0); page < as.TextPages; page++ {
		virtAddr := uintptr(page) << mm.PageShift
		pte := w.lookup(virtAddr)
		if pte == nil || !pte.HasFlags(FlagPresent) {
			continue
		}

		if frame := pte.Frame(); ledger.unshareText(frame) && frame >= reservedFrames {
			freeFrame(frame)
		}
		*pte = 0
	}
}

// releaseLeftovers frees the user page tables together with any page still
// mapped through them. Pages mapped outside of the text, data and stack
// segments belong to the address space too.
func (as *AddressSpace) releaseLeftovers(w window) {
	dir := w.directory()
	for pdIndex := uintptr(0); pdIndex < kernelPDIndex; pdIndex++ {
		if !dir[pdIndex].HasFlags(FlagPresent) {
			continue
		}

		unmapPages(w, pdIndex<<pdShift, uint32(entriesPerTable), true)
		unmapPageTables(w, pdIndex, 1)
	}
}
