package vmm

import "github.com/Aglay/Escape/kernel/mm"

const (
	// entriesPerTable is the number of 32-bit entries in a page directory
	// or page table.
	entriesPerTable = uintptr(1024)

	// pdShift is equal to log2 of the address range covered by a single
	// page directory entry (4 MiB).
	pdShift = uintptr(22)

	// ptePhysPageMask is a mask that allows us to extract the physical
	// frame address from a page table entry.
	ptePhysPageMask = uint32(0xfffff000)

	// KernelAreaVAddr is the first virtual address of the kernel half of
	// every address space. User space ends right below it.
	KernelAreaVAddr = uintptr(0xc0000000)

	// KernelHeapVAddr is the start of the kernel heap region.
	KernelHeapVAddr = uintptr(0xc0400000)

	// KernelStackVAddr is the address of the per-process kernel stack page.
	KernelStackVAddr = uintptr(0xff7ff000)

	// tempPageAddr is a kernel page used for short-lived mappings of
	// arbitrary frames. It shares the kernel stack page table.
	tempPageAddr = uintptr(0xff7fe000)

	// temporaryWindowAddr is where the page tables of a borrowed, inactive
	// page directory become visible.
	temporaryWindowAddr = uintptr(0xff800000)

	// currentWindowAddr is where the page tables of the active page
	// directory are visible through the recursive directory slot.
	currentWindowAddr = uintptr(0xffc00000)
)

// Page directory indices of the fixed regions.
const (
	kernelPDIndex      = KernelAreaVAddr >> pdShift
	kernelHeapPDIndex  = KernelHeapVAddr >> pdShift
	kernelStackPDIndex = KernelStackVAddr >> pdShift
	tempWindowPDIndex  = temporaryWindowAddr >> pdShift
	selfPDIndex        = currentWindowAddr >> pdShift
)

const (
	// cowEntrySize is the number of kernel heap bytes charged for every
	// ledger entry.
	cowEntrySize = uintptr(16)

	// textRefSize is the number of kernel heap bytes charged for every
	// shared text frame reference counter.
	textRefSize = uintptr(16)
)

// userPages returns the number of user pages that fit below the kernel area.
func userPages() uint32 {
	return uint32(KernelAreaVAddr >> mm.PageShift)
}

// tablesFor returns the number of page tables needed to map pageCount pages
// starting at a page directory boundary.
func tablesFor(pageCount uint32) uint32 {
	return (pageCount + uint32(entriesPerTable) - 1) / uint32(entriesPerTable)
}
