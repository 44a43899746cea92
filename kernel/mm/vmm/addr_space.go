package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

// AddressSpace describes the virtual memory of a process: a page directory
// and the sizes of the three user segments. Text pages start at address 0,
// data pages follow immediately and stack pages end at KernelAreaVAddr.
type AddressSpace struct {
	pdFrame mm.Frame

	// TextPages is the number of read-only code pages.
	TextPages uint32

	// DataPages is the number of data pages that follow the text.
	DataPages uint32

	// StackPages is the number of stack pages below the kernel area.
	StackPages uint32

	// KernelStackFrame is the frame that backs the kernel stack page of
	// the address space.
	KernelStackFrame mm.Frame
}

var (
	// activeSpace is the address space whose directory is loaded in CR3.
	activeSpace *AddressSpace

	errNotActive       = &kernel.Error{Module: "vmm", Message: "operation requires the active address space"}
	errActiveDestroyed = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}
	errDestroyed       = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}
)

// Active returns the address space that is currently active.
func Active() *AddressSpace {
	defer enterCriticalSection()()
	return activeSpace
}

// Activate loads the address space's directory into CR3.
func (as *AddressSpace) Activate() {
	defer enterCriticalSection()()
	as.activate()
}

func (as *AddressSpace) activate() {
	if !as.pdFrame.Valid() {
		kfmt.Panic(errDestroyed)
	}

	activeSpace = as
	switchPDTFn(as.pdFrame.Address())
}

// DirectoryFrame returns the physical frame of the page directory.
func (as *AddressSpace) DirectoryFrame() mm.Frame {
	return as.pdFrame
}

// DataStart returns the virtual address of the first data page.
func (as *AddressSpace) DataStart() uintptr {
	return uintptr(as.TextPages) << mm.PageShift
}

// DataEnd returns the virtual address right after the last data page.
func (as *AddressSpace) DataEnd() uintptr {
	return uintptr(as.TextPages+as.DataPages) << mm.PageShift
}

// StackStart returns the virtual address of the lowest stack page.
func (as *AddressSpace) StackStart() uintptr {
	return KernelAreaVAddr - uintptr(as.StackPages)<<mm.PageShift
}

// windowFor returns the window through which the tables of as can be
// accessed, borrowing the temporary window if as is not active. The
// returned function ends the borrow.
func windowFor(as *AddressSpace) (window, func()) {
	if as == activeSpace {
		return currentWindow, func() {}
	}

	return temporaryWindow, borrowTemporaryWindow(as)
}

// promote gives owner exclusive access to the frame it maps at virtAddr by
// turning its copy-on-write page into a writable one.
func promote(owner cowOwner) {
	w, release := windowFor(owner.as)
	defer release()

	pte := w.lookup(owner.virtAddr)
	if pte == nil || !pte.HasFlags(FlagPresent|FlagCopyOnWrite) {
		kfmt.Panic(errLedgerCorrupted)
	}

	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagRW)
	if w == currentWindow {
		flushTLBEntryFn(owner.virtAddr)
	}
}
