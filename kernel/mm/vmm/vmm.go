// Package vmm implements paged virtual memory for the i586: two-level page
// tables manipulated through recursive windows, per-process address spaces
// that are cloned copy-on-write and the page fault handler that resolves
// copy-on-write faults.
package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/gate"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/sync"
)

var (
	// criticalSection serializes every operation that touches page tables,
	// the frame allocator and the ledger together.
	criticalSection sync.CriticalSection

	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt

	errKernelTooLarge = &kernel.Error{Module: "vmm", Message: "kernel image does not fit in a single page table"}
)

// enterCriticalSection enters the vmm critical section and returns the
// function that leaves it.
func enterCriticalSection() func() {
	return criticalSection.Enter()
}

// Init builds the boot address space, activates it and installs the page
// fault handler. Frames [0, kernelFrames) hold the kernel image; they are
// mapped at KernelAreaVAddr in every address space and never freed.
//
// Init must be called once the frame allocator and the kernel heap are set
// up and before any other function of this package.
func Init(kernelFrames uint32) (*AddressSpace, *kernel.Error) {
	defer enterCriticalSection()()

	if kernelFrames > uint32(entriesPerTable) {
		return nil, errKernelTooLarge
	}

	reservedFrames = mm.Frame(kernelFrames)
	ledger = newCowLedger()
	borrowedSpace = nil
	activeSpace = nil

	boot, err := setupBootDirectory(kernelFrames)
	if err != nil {
		return nil, err
	}
	boot.activate()

	handleInterruptFn(gate.PageFaultException, pageFaultHandler)

	kfmt.Printf("[vmm] boot directory at frame 0x%x, kernel image: %d frames\n", uintptr(boot.pdFrame), kernelFrames)
	return boot, nil
}

// allocClearedFrame allocates a frame and zeroes it through physical memory.
// It is only used before paging is enabled.
func allocClearedFrame() (mm.Frame, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, ErrOutOfFrames
	}

	kernel.Memset(mm.FrameData(frame), 0)
	return frame, nil
}

// setupBootDirectory builds the first page directory through physical
// memory: the kernel image at KernelAreaVAddr, the page tables of the rest
// of the kernel area (shared by all directories), a kernel stack page and
// the recursive slot.
func setupBootDirectory(kernelFrames uint32) (*AddressSpace, *kernel.Error) {
	var (
		frames [3]mm.Frame
		err    *kernel.Error
	)

	// directory, kernel image table, kernel stack table
	for i := range frames {
		if frames[i], err = allocClearedFrame(); err != nil {
			return nil, err
		}
	}

	pdFrame, imageTableFrame, stackTableFrame := frames[0], frames[1], frames[2]
	dir := tableAt(pdFrame)

	imageTable := tableAt(imageTableFrame)
	for i := uint32(0); i < kernelFrames; i++ {
		imageTable[i].SetFrame(mm.Frame(i))
		imageTable[i].SetFlags(FlagPresent | FlagRW | FlagGlobal)
	}
	setDirectoryEntry(&dir[kernelPDIndex], imageTableFrame)

	for pdIndex := kernelHeapPDIndex; pdIndex < kernelStackPDIndex; pdIndex++ {
		tableFrame, err := allocClearedFrame()
		if err != nil {
			return nil, err
		}
		setDirectoryEntry(&dir[pdIndex], tableFrame)
	}

	stackFrame, err := allocClearedFrame()
	if err != nil {
		return nil, err
	}
	stackTable := tableAt(stackTableFrame)
	stackTable[(KernelStackVAddr>>mm.PageShift)&(entriesPerTable-1)].SetFrame(stackFrame)
	stackTable[(KernelStackVAddr>>mm.PageShift)&(entriesPerTable-1)].SetFlags(FlagPresent | FlagRW)
	setDirectoryEntry(&dir[kernelStackPDIndex], stackTableFrame)

	setDirectoryEntry(&dir[selfPDIndex], pdFrame)

	return &AddressSpace{pdFrame: pdFrame, KernelStackFrame: stackFrame}, nil
}

// setDirectoryEntry points a supervisor directory entry at a page table.
func setDirectoryEntry(pde *pageTableEntry, tableFrame mm.Frame) {
	*pde = 0
	pde.SetFrame(tableFrame)
	pde.SetFlags(FlagPresent | FlagRW)
}
