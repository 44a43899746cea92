package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/cpu"
	"github.com/Aglay/Escape/kernel/gate"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
)

var (
	// the following functions are mocked by tests.
	readCR2Fn = cpu.ReadCR2

	// ErrUnhandledFault is returned for faults that are not caused by a
	// write to a copy-on-write page. The caller decides what happens to
	// the faulting process.
	ErrUnhandledFault = &kernel.Error{Module: "vmm", Message: "unhandled page fault"}

	errLedgerCorrupted = &kernel.Error{Module: "vmm", Message: "copy-on-write page without a ledger entry"}
)

// HandleFault resolves a write fault on a copy-on-write page of the active
// address space. If other address spaces still share the frame, the faulting
// space gets a private copy; otherwise it keeps the frame. Either way the page
// is writable afterwards.
//
// HandleFault returns ErrUnhandledFault if the page is not present or not
// copy-on-write and ErrOutOfFrames if a private copy cannot be allocated.
func HandleFault(virtAddr uintptr) *kernel.Error {
	defer enterCriticalSection()()
	return handleFault(virtAddr)
}

func handleFault(virtAddr uintptr) *kernel.Error {
	var (
		faultPage = virtAddr &^ (mm.PageSize - 1)
		pte       = currentWindow.lookup(faultPage)
	)

	// CoW is supported for RO pages with the CoW flag set
	if pte == nil || !pte.HasFlags(FlagPresent|FlagCopyOnWrite) {
		return ErrUnhandledFault
	}

	frame := pte.Frame()
	if !ledger.has(frame, activeSpace) {
		kfmt.Panic(errLedgerCorrupted)
	}

	// Allocate the private copy before touching the ledger so that running
	// out of memory leaves everything as it was.
	others := ledger.sharers(frame) - 1
	copyFrame := mm.InvalidFrame
	if others > 0 {
		var err *kernel.Error
		if copyFrame, err = mm.AllocFrame(); err != nil {
			return ErrOutOfFrames
		}
	}

	ledger.resolve(frame, activeSpace)
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagRW)

	if others == 0 {
		flushTLBEntryFn(faultPage)
		return nil
	}

	// Point the entry at the copy and fill it from the shared frame.
	srcAddr, unmap := mapTemporary(frame)
	pte.SetFrame(copyFrame)
	flushTLBEntryFn(faultPage)
	kernel.Memcopy(kernelPage(srcAddr), kernelPage(faultPage))
	unmap()

	// The remaining sharer owns the frame now.
	if survivor, ok := ledger.takeSoleOwner(frame); ok {
		promote(survivor)
	}

	return nil
}

// pageFaultHandler is invoked when a page is not present or when a
// protection check fails.
func pageFaultHandler(regs *gate.Registers) *kernel.Error {
	faultAddress := readCR2Fn()

	// CoW faults are protection violations caused by writes
	err := ErrUnhandledFault
	if regs.Info&(gate.PageFaultPresent|gate.PageFaultWrite) == gate.PageFaultPresent|gate.PageFaultWrite {
		if err = HandleFault(faultAddress); err == nil {
			// Fault recovered; retry the instruction that caused the fault
			return nil
		}
	}

	nonRecoverablePageFault(faultAddress, regs, err)
	return err
}

// nonRecoverablePageFault describes a fault that could not be handled on the
// kernel log.
func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch regs.Info & (gate.PageFaultPresent | gate.PageFaultWrite) {
	case 0:
		kfmt.Printf("read from non-present page")
	case gate.PageFaultPresent:
		kfmt.Printf("page protection violation (read)")
	case gate.PageFaultWrite:
		kfmt.Printf("write to non-present page")
	default:
		kfmt.Printf("page protection violation (write)")
	}

	if regs.Info&gate.PageFaultUser != 0 {
		kfmt.Printf(" in user-mode")
	}
	kfmt.Printf(" (%s)\n\nRegisters:\n", err.Message)
	regs.DumpTo(kfmt.GetOutputSink())
}
