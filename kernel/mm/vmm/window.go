package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

// window is a 4 MiB region of the kernel area through which the page
// tables of one page directory are visible. Page table i lives at
// window+i*PageSize and, since every directory maps itself in its last
// slot, the directory itself is the window's last page.
type window uintptr

const (
	// currentWindow exposes the page tables of the active directory.
	currentWindow = window(currentWindowAddr)

	// temporaryWindow exposes the page tables of a borrowed directory.
	temporaryWindow = window(temporaryWindowAddr)
)

var (
	// borrowedSpace is the address space whose tables are visible through
	// temporaryWindow or nil if the window is not borrowed.
	borrowedSpace *AddressSpace

	errWindowBusy   = &kernel.Error{Module: "vmm", Message: "temporary window is already borrowed"}
	errTempPageBusy = &kernel.Error{Module: "vmm", Message: "temporary page is already mapped"}
)

// tableAddr returns the virtual address of the page table for pdIndex.
func (w window) tableAddr(pdIndex uintptr) uintptr {
	return uintptr(w) + pdIndex<<mm.PageShift
}

// table returns the page table for pdIndex. The caller must ensure that the
// corresponding directory entry is present.
func (w window) table(pdIndex uintptr) *pageTable {
	return (*pageTable)(ptePtrFn(w.tableAddr(pdIndex)))
}

// directory returns the page directory visible through the window.
func (w window) directory() *pageTable {
	return w.table(selfPDIndex)
}

// pde returns the directory entry covering virtAddr.
func (w window) pde(virtAddr uintptr) *pageTableEntry {
	return &w.directory()[virtAddr>>pdShift]
}

// pte returns the page table entry for virtAddr. The page table covering
// virtAddr must be present.
func (w window) pte(virtAddr uintptr) *pageTableEntry {
	return &w.table(virtAddr>>pdShift)[(virtAddr>>mm.PageShift)&(entriesPerTable-1)]
}

// owner returns the address space whose tables are visible through w.
func (w window) owner() *AddressSpace {
	if w == currentWindow {
		return activeSpace
	}
	return borrowedSpace
}

// lookup returns the page table entry for virtAddr or nil if no page table
// covers it.
func (w window) lookup(virtAddr uintptr) *pageTableEntry {
	if !w.pde(virtAddr).HasFlags(FlagPresent) {
		return nil
	}
	return w.pte(virtAddr)
}

// borrowTemporaryWindow makes the page tables of as visible through
// temporaryWindow. The returned function ends the borrow; callers are
// expected to defer it:
//
//	release := borrowTemporaryWindow(as)
//	defer release()
//
// Only one directory can be borrowed at a time.
func borrowTemporaryWindow(as *AddressSpace) func() {
	if borrowedSpace != nil {
		kfmt.Panic(errWindowBusy)
	}
	borrowedSpace = as

	slot := currentWindow.pde(temporaryWindowAddr)
	*slot = 0
	slot.SetFrame(as.pdFrame)
	slot.SetFlags(FlagPresent | FlagRW)
	flushTLBFn()

	return func() {
		*slot = 0
		flushTLBFn()
		borrowedSpace = nil
	}
}

// mapTemporary establishes a supervisor RW mapping of frame at a fixed
// kernel address and returns that address together with a function that
// removes the mapping.
func mapTemporary(frame mm.Frame) (uintptr, func()) {
	pte := currentWindow.pte(tempPageAddr)
	if pte.HasFlags(FlagPresent) {
		kfmt.Panic(errTempPageBusy)
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagRW)
	flushTLBEntryFn(tempPageAddr)

	return tempPageAddr, func() {
		*pte = 0
		flushTLBEntryFn(tempPageAddr)
	}
}
