package vmm

import (
	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table
// or page directory entry.
type PageTableEntryFlag uint32

const (
	// FlagPresent is set when the page is backed by a physical frame.
	FlagPresent PageTableEntryFlag = 1 << 0

	// FlagRW is set if user-mode code can write to the page.
	FlagRW PageTableEntryFlag = 1 << 1

	// FlagUserAccessible is set if user-mode code can access the page. If
	// not set only kernel code can access it.
	FlagUserAccessible PageTableEntryFlag = 1 << 2

	// FlagAccessed is set by the MMU when the page is accessed.
	FlagAccessed PageTableEntryFlag = 1 << 5

	// FlagDirty is set by the MMU when the page is written to.
	FlagDirty PageTableEntryFlag = 1 << 6

	// FlagGlobal prevents the TLB entry for the page from being flushed
	// when CR3 is reloaded.
	FlagGlobal PageTableEntryFlag = 1 << 8

	// FlagCopyOnWrite marks a page whose frame is shared with other address
	// spaces. It lives in one of the OS-available bits and is mutually
	// exclusive with FlagRW.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9
)

// pageTableEntry describes a 32-bit i586 page table entry. Bits 12-31 hold
// the physical frame number and the low bits hold the flags.
type pageTableEntry uint32

// pageTable is a page directory or a page table.
type pageTable [entriesPerTable]pageTableEntry

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
