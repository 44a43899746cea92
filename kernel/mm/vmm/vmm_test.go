package vmm

import (
	"testing"

	"github.com/Aglay/Escape/kernel/cpu"
	"github.com/Aglay/Escape/kernel/gate"
	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/mm/kheap"
	"github.com/Aglay/Escape/kernel/mm/pmm"
)

const (
	testMemorySize   = 4 * mm.Mb
	testKernelFrames = 16
	testHeapSize     = 64 * mm.Kb

	// frames consumed by Init: directory, image table, 252 kernel area
	// tables, kernel stack table and kernel stack page.
	bootFrames = 256
)

// setupVMM boots a fresh machine and returns its boot address space.
func setupVMM(t *testing.T) *AddressSpace {
	t.Helper()

	cpu.Reset()
	mem, err := pmm.NewMemory(testMemorySize)
	if err != nil {
		t.Fatal(err)
	}

	if err := pmm.Init(mem, testKernelFrames); err != nil {
		t.Fatal(err)
	}
	kheap.Init(KernelHeapVAddr, uintptr(testHeapSize))

	boot, err := Init(testKernelFrames)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		gate.HandleInterrupt(gate.PageFaultException, nil)
		mm.SetFrameAllocator(nil)
		mm.SetPhysicalMemory(nil)
		mem.Release()
		cpu.Reset()
	})

	return boot
}

// pattern returns pages worth of data where every byte of page i is base+i.
func pattern(pages int, base byte) []byte {
	buf := make([]byte, pages*int(mm.PageSize))
	for i := range buf {
		buf[i] = base + byte(i>>mm.PageShift)
	}
	return buf
}

func loadTestImage(t *testing.T, as *AddressSpace, textPages, dataPages, stackPages int) {
	t.Helper()
	if err := as.Load(pattern(textPages, 0x10), pattern(dataPages, 0xd0), uint32(stackPages)); err != nil {
		t.Fatal(err)
	}
}

// withActive runs fn with as activated and restores the previously active
// address space afterwards.
func withActive(as *AddressSpace, fn func()) {
	prev := Active()
	as.Activate()
	defer prev.Activate()
	fn()
}

// userPageAddrs returns the addresses of every text, data and stack page.
func userPageAddrs(as *AddressSpace) []uintptr {
	var addrs []uintptr
	for page := uint32(0); page < as.TextPages+as.DataPages; page++ {
		addrs = append(addrs, uintptr(page)<<mm.PageShift)
	}
	for page := uint32(0); page < as.StackPages; page++ {
		addrs = append(addrs, as.StackStart()+uintptr(page)<<mm.PageShift)
	}
	return addrs
}

// segmentFrames returns the frames backing the user pages of as in the order
// returned by userPageAddrs.
func segmentFrames(t *testing.T, as *AddressSpace) []mm.Frame {
	t.Helper()

	var frames []mm.Frame
	withActive(as, func() {
		for _, addr := range userPageAddrs(as) {
			frame, err := FrameOf(addr)
			if err != nil {
				t.Fatalf("expected page 0x%x to be mapped; got %v", addr, err)
			}
			frames = append(frames, frame)
		}
	})
	return frames
}

// entryOf returns the page table entry for virtAddr in as or 0 if no table
// covers it.
func entryOf(as *AddressSpace, virtAddr uintptr) pageTableEntry {
	var entry pageTableEntry
	withActive(as, func() {
		if pte := currentWindow.lookup(virtAddr); pte != nil {
			entry = *pte
		}
	})
	return entry
}

// assertLedgerBalanced fails if some frame has exactly one ledger entry.
func assertLedgerBalanced(t *testing.T) {
	t.Helper()
	for frame, owners := range ledger.frames {
		if len(owners) < 2 {
			t.Fatalf("expected frame 0x%x to have no entries or at least two; got %d", uintptr(frame), len(owners))
		}
	}
}

// expectHalt fails the test unless fn causes a kernel panic.
func expectHalt(t *testing.T, fn func()) {
	t.Helper()

	halted := func() (halted bool) {
		defer func() {
			if err := recover(); err != nil {
				if err != cpu.ErrHalted {
					panic(err)
				}
				halted = true
			}
		}()
		fn()
		return false
	}()

	if !halted {
		t.Fatal("expected the call to halt the CPU")
	}
}

func TestInit(t *testing.T) {
	boot := setupVMM(t)

	if exp, got := uint32(1024-testKernelFrames-bootFrames), mm.FreeFrameCount(); got != exp {
		t.Fatalf("expected %d free frames after Init; got %d", exp, got)
	}

	if Active() != boot {
		t.Fatal("expected the boot address space to be active")
	}

	if exp, got := boot.DirectoryFrame().Address(), cpu.ActivePDT(); got != exp {
		t.Fatalf("expected CR3 to point at 0x%x; got 0x%x", exp, got)
	}

	specs := []struct {
		virtAddr uintptr
		expPhys  uintptr
	}{
		{KernelAreaVAddr, 0},
		{KernelAreaVAddr + 0x1234, 0x1234},
		{KernelAreaVAddr + (testKernelFrames-1)<<mm.PageShift, (testKernelFrames - 1) << mm.PageShift},
		{KernelStackVAddr + 8, boot.KernelStackFrame.Address() + 8},
		{currentWindowAddr + selfPDIndex<<mm.PageShift, boot.DirectoryFrame().Address()},
	}

	for specIndex, spec := range specs {
		got, err := Translate(spec.virtAddr)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if got != spec.expPhys {
			t.Errorf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, spec.virtAddr, spec.expPhys, got)
		}
	}

	for _, virtAddr := range []uintptr{0, KernelAreaVAddr + testKernelFrames<<mm.PageShift, KernelHeapVAddr, tempPageAddr, temporaryWindowAddr} {
		if _, err := Translate(virtAddr); err != ErrInvalidMapping {
			t.Errorf("expected 0x%x to be unmapped; got %v", virtAddr, err)
		}
	}

	dir := currentWindow.directory()
	for pdIndex := kernelHeapPDIndex; pdIndex < kernelStackPDIndex; pdIndex++ {
		if !dir[pdIndex].HasFlags(FlagPresent | FlagRW) {
			t.Fatalf("expected kernel area table %d to be preallocated", pdIndex)
		}
	}
	if dir[selfPDIndex].Frame() != boot.DirectoryFrame() {
		t.Fatal("expected the last directory slot to map the directory itself")
	}
}

func TestInitErrors(t *testing.T) {
	t.Run("kernel image too large", func(t *testing.T) {
		setupVMM(t)
		if _, err := Init(uint32(entriesPerTable) + 1); err != errKernelTooLarge {
			t.Fatalf("expected errKernelTooLarge; got %v", err)
		}
	})

	t.Run("out of frames", func(t *testing.T) {
		setupVMM(t)
		for mm.FreeFrameCount() > 10 {
			if _, err := mm.AllocFrame(); err != nil {
				t.Fatal(err)
			}
		}

		if _, err := Init(testKernelFrames); err != ErrOutOfFrames {
			t.Fatalf("expected ErrOutOfFrames; got %v", err)
		}
	})
}

func TestInitInstallsPageFaultHandler(t *testing.T) {
	defer func() { handleInterruptFn = gate.HandleInterrupt }()

	var (
		installed bool
		mem, err  = pmm.NewMemory(testMemorySize)
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		mm.SetFrameAllocator(nil)
		mm.SetPhysicalMemory(nil)
		mem.Release()
		cpu.Reset()
	}()

	if err := pmm.Init(mem, testKernelFrames); err != nil {
		t.Fatal(err)
	}

	handleInterruptFn = func(n gate.InterruptNumber, h gate.Handler) {
		if n != gate.PageFaultException || h == nil {
			t.Fatalf("unexpected handler registration for interrupt %d", n)
		}
		installed = true
	}

	if _, err := Init(testKernelFrames); err != nil {
		t.Fatal(err)
	}

	if !installed {
		t.Fatal("expected Init to install the page fault handler")
	}
}

func TestKernelPageFault(t *testing.T) {
	setupVMM(t)

	expectHalt(t, func() { kernelPage(0x1000) })
}

func TestTranslateErrors(t *testing.T) {
	setupVMM(t)

	if _, err := Translate(0x400000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping for a missing table; got %v", err)
	}

	if _, err := Translate(KernelHeapVAddr); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping for a missing page; got %v", err)
	}
}
