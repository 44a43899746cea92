package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/cpu"
	"github.com/Aglay/Escape/kernel/gate"
	"github.com/Aglay/Escape/kernel/mm"
)

var (
	// the following functions are mocked by tests.
	lookupTLBFn = cpu.LookupTLB
	fillTLBFn   = cpu.FillTLB
	writeCR2Fn  = cpu.WriteCR2
	raiseFn     = gate.Raise
)

// ReadUser copies len(buf) bytes starting at virtAddr into buf, performing
// the accesses the way the MMU does for user-mode code. Accesses that the
// MMU rejects raise a page fault; if the fault handler cannot resolve it the
// handler's error is returned.
func ReadUser(virtAddr uintptr, buf []byte) *kernel.Error {
	return accessUser(virtAddr, buf, false)
}

// WriteUser copies data to the user memory starting at virtAddr, performing
// the accesses the way the MMU does for user-mode code. Writes to
// copy-on-write pages fault and are resolved by the page fault handler.
func WriteUser(virtAddr uintptr, data []byte) *kernel.Error {
	return accessUser(virtAddr, data, true)
}

func accessUser(virtAddr uintptr, buf []byte, write bool) *kernel.Error {
	for len(buf) > 0 {
		frame, err := userFrame(virtAddr, write)
		if err != nil {
			return err
		}

		var (
			page = mm.FrameData(frame)[PageOffset(virtAddr):]
			n    int
		)

		if write {
			n = copy(page, buf)
		} else {
			n = copy(buf, page)
		}

		buf = buf[n:]
		virtAddr += uintptr(n)
	}

	return nil
}

// userFrame returns the frame that backs a user-mode access to virtAddr. If
// the MMU rejects the access, a page fault is raised and, once the handler
// resolves it, the access is retried. A second fault on the same access is
// reported as unhandled.
func userFrame(virtAddr uintptr, write bool) (mm.Frame, *kernel.Error) {
	for attempt := 0; ; attempt++ {
		frame, errorCode, ok := translateUser(virtAddr, write)
		if ok {
			return frame, nil
		}

		if attempt > 0 {
			return mm.InvalidFrame, ErrUnhandledFault
		}

		writeCR2Fn(virtAddr)
		if err := raiseFn(gate.PageFaultException, &gate.Registers{Info: errorCode}); err != nil {
			return mm.InvalidFrame, err
		}
	}
}

// translateUser emulates the MMU translation of a user-mode access. Entries
// are served from the TLB when possible; on a miss the page tables of the
// active directory are walked and the effective entry, with the directory
// permissions folded in, is cached. If the access is not allowed,
// translateUser returns the page fault error code.
func translateUser(virtAddr uintptr, write bool) (mm.Frame, uint32, bool) {
	errorCode := gate.PageFaultUser
	if write {
		errorCode |= gate.PageFaultWrite
	}

	entry, cached := lookupTLBFn(virtAddr)
	if !cached {
		pte := walkUser(virtAddr, FlagAccessed)
		if pte == nil {
			return mm.InvalidFrame, errorCode, false
		}
		entry = uint32(*pte)
		fillTLBFn(virtAddr, entry)
	}

	errorCode |= gate.PageFaultPresent

	pte := pageTableEntry(entry)
	if !pte.HasFlags(FlagUserAccessible) || (write && !pte.HasFlags(FlagRW)) {
		return mm.InvalidFrame, errorCode, false
	}

	if write && !pte.HasFlags(FlagDirty) {
		if dirty := walkUser(virtAddr, FlagAccessed|FlagDirty); dirty != nil {
			fillTLBFn(virtAddr, uint32(*dirty))
		}
	}

	return pte.Frame(), 0, true
}

// walkUser walks the active page tables for virtAddr. It returns nil if the
// page is not present; otherwise it sets the supplied status flags on the
// page table entry and returns the effective entry.
func walkUser(virtAddr uintptr, status PageTableEntryFlag) *pageTableEntry {
	if virtAddr>>pdShift >= entriesPerTable {
		return nil
	}

	pde := tableAt(mm.FrameFromAddress(activePDTFn()))[virtAddr>>pdShift]
	if !pde.HasFlags(FlagPresent) {
		return nil
	}

	pte := &tableAt(pde.Frame())[(virtAddr>>mm.PageShift)&(entriesPerTable-1)]
	if !pte.HasFlags(FlagPresent) {
		return nil
	}
	pte.SetFlags(status)

	effective := *pte
	if !pde.HasFlags(FlagRW) {
		effective.ClearFlags(FlagRW)
	}
	if !pde.HasFlags(FlagUserAccessible) {
		effective.ClearFlags(FlagUserAccessible)
	}
	return &effective
}
