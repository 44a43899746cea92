package vmm

import (
	"testing"

	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/mm/kheap"
)

func TestDestroyReleasesExclusiveFrames(t *testing.T) {
	parent := setupVMM(t)
	loadTestImage(t, parent, 2, 3, 1)

	heapBefore := kheap.FreeBytes()
	child, err := parent.Clone()
	if err != nil {
		t.Fatal(err)
	}

	// give the child one private data frame
	withActive(child, func() {
		if err := WriteUser(child.DataStart(), []byte("child")); err != nil {
			t.Fatal(err)
		}
	})

	freeBefore := mm.FreeFrameCount()
	child.Destroy()

	// private data frame, text+data table, stack table, kernel stack
	// table and page and the directory
	if exp, got := freeBefore+6, mm.FreeFrameCount(); got != exp {
		t.Fatalf("expected %d free frames after Destroy; got %d", exp, got)
	}

	if exp, got := heapBefore, kheap.FreeBytes(); got != exp {
		t.Fatalf("expected the ledger to release its heap charges; free heap %d, expected %d", got, exp)
	}

	if len(ledger.frames) != 0 || len(ledger.byOwner) != 0 || len(ledger.text) != 0 {
		t.Fatal("expected the ledger to be empty")
	}

	// the parent is the sole owner of every frame again
	for _, addr := range userPageAddrs(parent) {
		entry := entryOf(parent, addr)
		if addr >= parent.DataStart() && (!entry.HasFlags(FlagRW) || entry.HasFlags(FlagCopyOnWrite)) {
			t.Fatalf("expected 0x%x to be writable again; got %s", addr, entry.flagString())
		}
	}

	freeBefore = mm.FreeFrameCount()
	if err := WriteUser(parent.DataStart()+mm.PageSize, []byte("parent")); err != nil {
		t.Fatal(err)
	}
	if mm.FreeFrameCount() != freeBefore {
		t.Fatal("expected the sole owner to write without copying")
	}

	if child.DirectoryFrame().Valid() {
		t.Fatal("expected the destroyed address space to lose its directory")
	}
}

func TestDestroyKeepsSiblingsSharing(t *testing.T) {
	parent := setupVMM(t)
	loadTestImage(t, parent, 1, 2, 1)

	child1, err := parent.Clone()
	if err != nil {
		t.Fatal(err)
	}
	child2, err := parent.Clone()
	if err != nil {
		t.Fatal(err)
	}

	frames := segmentFrames(t, parent)
	child1.Destroy()

	for i, addr := range userPageAddrs(parent) {
		frame := frames[i]
		if addr < parent.DataStart() {
			if exp, got := uint32(2), ledger.textRefs(frame); got != exp {
				t.Fatalf("expected text frame to have %d references; got %d", exp, got)
			}
			continue
		}

		if exp, got := 2, SharerCount(frame); got != exp {
			t.Fatalf("expected frame 0x%x to stay shared by %d; got %d", uintptr(frame), exp, got)
		}

		if !ledger.has(frame, parent) || !ledger.has(frame, child2) {
			t.Fatalf("expected frame 0x%x to be shared by the parent and the surviving child", uintptr(frame))
		}

		if entry := entryOf(child2, addr); !entry.HasFlags(FlagCopyOnWrite) {
			t.Fatalf("expected 0x%x to stay copy-on-write in the surviving child", addr)
		}
	}

	assertLedgerBalanced(t)
}

func TestDestroyReturnsAllFrames(t *testing.T) {
	boot := setupVMM(t)

	freeBefore := mm.FreeFrameCount()
	heapBefore := kheap.FreeBytes()

	child, err := boot.Clone()
	if err != nil {
		t.Fatal(err)
	}

	withActive(child, func() {
		loadTestImage(t, child, 2, 3, 1)

		// an extra mapping outside of the segments
		if err := Map(0x800000, nil, 1, MapWritable, false); err != nil {
			t.Fatal(err)
		}
	})

	child.Destroy()

	if exp, got := freeBefore, mm.FreeFrameCount(); got != exp {
		t.Fatalf("expected Destroy to return every frame; free frames %d, expected %d", got, exp)
	}

	if exp, got := heapBefore, kheap.FreeBytes(); got != exp {
		t.Fatalf("expected no heap charges to remain; free heap %d, expected %d", got, exp)
	}
}

func TestDestroySharedTextOwner(t *testing.T) {
	boot := setupVMM(t)
	loadTestImage(t, boot, 2, 1, 1)

	child, err := boot.Clone()
	if err != nil {
		t.Fatal(err)
	}
	textFrames := segmentFrames(t, boot)[:2]

	child.Activate()
	freeBefore := mm.FreeFrameCount()
	boot.Destroy()

	// directory, kernel stack table and page, text+data table and stack
	// table; text frames stay with the child
	if exp, got := freeBefore+5, mm.FreeFrameCount(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	for _, frame := range textFrames {
		if ledger.textRefs(frame) != 1 {
			t.Fatalf("expected the child to be the only owner of text frame 0x%x", uintptr(frame))
		}
	}

	if entry := currentWindow.pte(child.DataStart()); !entry.HasFlags(FlagRW) || entry.HasFlags(FlagCopyOnWrite) {
		t.Fatalf("expected the active survivor to be promoted; got %s", entry.flagString())
	}

	buf := make([]byte, 1)
	if err := ReadUser(0, buf); err != nil || buf[0] != 0x10 {
		t.Fatalf("expected the text to survive; got 0x%x, %v", buf[0], err)
	}
}

func TestDestroyMisuse(t *testing.T) {
	boot := setupVMM(t)

	t.Run("active", func(t *testing.T) {
		expectHalt(t, func() { boot.Destroy() })
	})

	t.Run("twice", func(t *testing.T) {
		child, err := boot.Clone()
		if err != nil {
			t.Fatal(err)
		}

		child.Destroy()
		expectHalt(t, func() { child.Destroy() })
		expectHalt(t, func() { child.Activate() })
	})
}
