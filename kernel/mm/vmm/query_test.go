package vmm

import (
	"testing"

	"github.com/Aglay/Escape/kernel/mm"
)

func TestIsRangeReadableWritable(t *testing.T) {
	boot := setupVMM(t)
	loadTestImage(t, boot, 2, 2, 2)

	if err := Map(0x800000, nil, 1, MapWritable|MapSupervisor, false); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		name        string
		virtAddr    uintptr
		size        uintptr
		expReadable bool
		expWritable bool
	}{
		{"text", 0, 2 * mm.PageSize, true, false},
		{"data", boot.DataStart() + 10, mm.PageSize, true, true},
		{"text and data", mm.PageSize, 2 * mm.PageSize, true, false},
		{"past the data", boot.DataEnd() - 1, 2, false, false},
		{"stack up to the kernel", boot.StackStart(), 2 * mm.PageSize, true, true},
		{"crosses into the kernel", boot.StackStart(), 2*mm.PageSize + 1, false, false},
		{"kernel", KernelAreaVAddr, 1, false, false},
		{"empty range", 0x400000, 0, true, true},
		{"empty range in the kernel", KernelAreaVAddr, 0, false, false},
		{"empty range in an unmapped page", 0x1000123, 0, true, true},
		{"empty range in a text page", 0x10, 0, true, true},
		{"overflow", ^uintptr(0) - 0xfff, 0x2000, false, false},
		{"supervisor page", 0x800000, 1, false, false},
		{"no page table", 0x1000000, 1, false, false},
	}

	for _, spec := range specs {
		if got := IsRangeReadable(spec.virtAddr, spec.size); got != spec.expReadable {
			t.Errorf("[%s] expected IsRangeReadable to return %t; got %t", spec.name, spec.expReadable, got)
		}
		if got := IsRangeWritable(spec.virtAddr, spec.size); got != spec.expWritable {
			t.Errorf("[%s] expected IsRangeWritable to return %t; got %t", spec.name, spec.expWritable, got)
		}
	}
}

func TestIsRangeWritableResolvesCopyOnWrite(t *testing.T) {
	parent := setupVMM(t)
	loadTestImage(t, parent, 1, 2, 1)

	child, err := parent.Clone()
	if err != nil {
		t.Fatal(err)
	}

	shared := segmentFrames(t, parent)

	if !IsRangeReadable(parent.DataStart(), 2*mm.PageSize) {
		t.Fatal("expected the shared data to be readable")
	}
	if SharerCount(shared[1]) != 2 {
		t.Fatal("expected IsRangeReadable to leave shared pages alone")
	}

	if !IsRangeWritable(parent.DataStart(), 2*mm.PageSize) {
		t.Fatal("expected the shared data to be writable")
	}

	for i, addr := range []uintptr{parent.DataStart(), parent.DataStart() + mm.PageSize} {
		entry := currentWindow.pte(addr)
		if !entry.HasFlags(FlagRW) || entry.HasFlags(FlagCopyOnWrite) {
			t.Fatalf("expected 0x%x to be writable; got %s", addr, entry.flagString())
		}
		if entry.Frame() == shared[1+i] {
			t.Fatalf("expected 0x%x to be backed by a private copy", addr)
		}
		if SharerCount(shared[1+i]) != 0 {
			t.Fatalf("expected frame 0x%x to leave the ledger", uintptr(shared[1+i]))
		}
		if entry := entryOf(child, addr); !entry.HasFlags(FlagRW) {
			t.Fatalf("expected the child to own 0x%x exclusively", addr)
		}
	}

	// the stack stays shared
	if SharerCount(shared[3]) != 2 {
		t.Fatal("expected pages outside the range to stay shared")
	}
}

func TestIsRangeWritableOutOfFrames(t *testing.T) {
	parent := setupVMM(t)
	loadTestImage(t, parent, 1, 1, 1)

	if _, err := parent.Clone(); err != nil {
		t.Fatal(err)
	}

	for mm.FreeFrameCount() > 0 {
		if _, err := mm.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}

	if IsRangeWritable(parent.DataStart(), 1) {
		t.Fatal("expected IsRangeWritable to fail when the copy cannot be allocated")
	}
}

func TestFrameOf(t *testing.T) {
	setupVMM(t)

	if _, err := FrameOf(0x1000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}

	if err := Map(0x1000, []uintptr{321}, 1, MapWritable, false); err != nil {
		t.Fatal(err)
	}

	frame, err := FrameOf(0x1abc)
	if err != nil || frame != 321 {
		t.Fatalf("expected frame 321; got %d, %v", frame, err)
	}

	if _, err := FrameOf(0x2000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping for a missing page; got %v", err)
	}
}
