package vmm

import (
	"unsafe"

	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/cpu"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

var (
	// the following functions are mocked by tests.
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBFn      = cpu.FlushTLB

	// ptePtrFn returns a pointer to the supplied kernel virtual address.
	// Every page table access outside of bootstrapping and the emulated
	// MMU goes through it.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(&kernelPage(entryAddr)[PageOffset(entryAddr)])
	}

	errKernelPageFault = &kernel.Error{Module: "vmm", Message: "kernel access to unmapped virtual address"}
)

// tableAt returns the page table stored in the supplied physical frame. Only
// the boot code and the MMU access tables by their physical frame; the rest
// of the package goes through a window.
func tableAt(frame mm.Frame) *pageTable {
	data := mm.FrameData(frame)
	return (*pageTable)(unsafe.Pointer(&data[0]))
}

// Translate returns the physical address that corresponds to the supplied
// virtual address in the active address space or ErrInvalidMapping if the
// virtual address is not mapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pde := tableAt(mm.FrameFromAddress(activePDTFn()))[virtAddr>>pdShift]
	if !pde.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	pte := tableAt(pde.Frame())[(virtAddr>>mm.PageShift)&(entriesPerTable-1)]
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// kernelPage returns the contents of the page that contains virtAddr as seen
// by kernel code. Supervisor writes ignore FlagRW so the returned page is
// always writable. Touching an unmapped address from kernel code is fatal.
func kernelPage(virtAddr uintptr) []byte {
	physAddr, err := Translate(virtAddr)
	if err != nil {
		kfmt.Panic(errKernelPageFault)
		return nil
	}

	return mm.FrameData(mm.FrameFromAddress(physAddr))
}
