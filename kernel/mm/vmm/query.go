package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/mm"
)

// IsMapped returns true if virtAddr is backed by a frame in the active
// address space.
func IsMapped(virtAddr uintptr) bool {
	defer enterCriticalSection()()
	pte := currentWindow.lookup(virtAddr)
	return pte != nil && pte.HasFlags(FlagPresent)
}

// FrameOf returns the frame that backs virtAddr in the active address space
// or ErrInvalidMapping if virtAddr is not mapped.
func FrameOf(virtAddr uintptr) (mm.Frame, *kernel.Error) {
	defer enterCriticalSection()()
	pte := currentWindow.lookup(virtAddr)
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	return pte.Frame(), nil
}

// IsRangeReadable returns true if user code can read the size bytes that
// start at virtAddr.
func IsRangeReadable(virtAddr, size uintptr) bool {
	defer enterCriticalSection()()
	return checkUserRange(virtAddr, size, false)
}

// IsRangeWritable returns true if user code can write the size bytes that
// start at virtAddr. Copy-on-write pages in the range are resolved on the
// spot because kernel writes on behalf of the user bypass the protection
// that would otherwise trigger the fault.
func IsRangeWritable(virtAddr, size uintptr) bool {
	defer enterCriticalSection()()
	return checkUserRange(virtAddr, size, true)
}

// checkUserRange validates that [virtAddr, virtAddr+size) lies in user space
// and is mapped with the requested access. An empty range only needs to
// start in user space.
func checkUserRange(virtAddr, size uintptr, write bool) bool {
	end := virtAddr + size
	if end < virtAddr || end > KernelAreaVAddr || virtAddr >= KernelAreaVAddr {
		return false
	}

	if size == 0 {
		return true
	}

	for page := virtAddr &^ (mm.PageSize - 1); page < end; page += mm.PageSize {
		if !currentWindow.pde(page).HasFlags(FlagPresent | FlagUserAccessible) {
			return false
		}

		pte := currentWindow.pte(page)
		if !pte.HasFlags(FlagPresent | FlagUserAccessible) {
			return false
		}

		if !write || pte.HasFlags(FlagRW) {
			continue
		}

		if !pte.HasFlags(FlagCopyOnWrite) || handleFault(page) != nil {
			return false
		}
	}

	return true
}
