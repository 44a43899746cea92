// Package cpu emulates the slice of i586 processor state that the kernel
// relies on: the control registers used by paging (CR2, CR3), the interrupt
// flag and the translation lookaside buffer.
//
// There is exactly one emulated CPU. Callers that model multiple kernel
// control paths with goroutines are expected to serialize their use of the
// CPU the same way a single-core kernel would.
package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/Aglay/Escape/kernel"
)

// ErrHalted is the value that Halt unwinds the calling goroutine with.
var ErrHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}

var (
	// interruptsEnabled mirrors the IF bit of EFLAGS.
	interruptsEnabled atomic.Bool

	mu  sync.Mutex
	cr2 uintptr
	cr3 uintptr

	// tlb caches raw page table entries keyed by virtual page address.
	tlb = make(map[uintptr]uint32)
)

const pageMask = ^uintptr(0xfff)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	interruptsEnabled.Store(true)
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	interruptsEnabled.Store(false)
}

// InterruptsEnabled returns true if interrupt handling is enabled.
func InterruptsEnabled() bool {
	return interruptsEnabled.Load()
}

// SetInterruptsEnabled sets the interrupt flag to the requested state and
// returns its previous value so callers can restore it.
func SetInterruptsEnabled(enabled bool) bool {
	return interruptsEnabled.Swap(enabled)
}

// Halt stops instruction execution. The emulated CPU cannot stop the host so
// Halt unwinds the calling goroutine with ErrHalted instead; Halt never
// returns.
func Halt() {
	DisableInterrupts()
	panic(ErrHalted)
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	mu.Lock()
	delete(tlb, virtAddr&pageMask)
	mu.Unlock()
}

// FlushTLB flushes all TLB entries.
func FlushTLB() {
	mu.Lock()
	clear(tlb)
	mu.Unlock()
}

// LookupTLB returns the cached page table entry for the page containing
// virtAddr.
func LookupTLB(virtAddr uintptr) (uint32, bool) {
	mu.Lock()
	entry, ok := tlb[virtAddr&pageMask]
	mu.Unlock()
	return entry, ok
}

// FillTLB caches a page table entry for the page containing virtAddr.
func FillTLB(virtAddr uintptr, entry uint32) {
	mu.Lock()
	tlb[virtAddr&pageMask] = entry
	mu.Unlock()
}

// TLBSize returns the number of cached translations.
func TLBSize() int {
	mu.Lock()
	defer mu.Unlock()
	return len(tlb)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	mu.Lock()
	cr3 = pdtPhysAddr
	clear(tlb)
	mu.Unlock()
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	mu.Lock()
	defer mu.Unlock()
	return cr3
}

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uintptr {
	mu.Lock()
	defer mu.Unlock()
	return cr2
}

// WriteCR2 latches the faulting address into CR2. The emulated MMU calls it
// before raising a page fault.
func WriteCR2(virtAddr uintptr) {
	mu.Lock()
	cr2 = virtAddr
	mu.Unlock()
}

// Reset restores the power-on state: interrupts disabled, CR2/CR3 cleared
// and an empty TLB.
func Reset() {
	DisableInterrupts()
	mu.Lock()
	cr2, cr3 = 0, 0
	clear(tlb)
	mu.Unlock()
}
