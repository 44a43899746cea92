package vmm

import (
	"testing"

	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/mm/kheap"
	"golang.org/x/sync/errgroup"
)

var errRangeNotWritable = &kernel.Error{Module: "vmm_test", Message: "expected the parent's data to be writable"}

func TestConcurrentCloneAndDestroy(t *testing.T) {
	parent := setupVMM(t)
	loadTestImage(t, parent, 1, 2, 1)

	var (
		freeBefore = mm.FreeFrameCount()
		heapBefore = kheap.FreeBytes()
		g          errgroup.Group
	)

	for worker := 0; worker < 8; worker++ {
		g.Go(func() error {
			for i := 0; i < 8; i++ {
				child, err := parent.Clone()
				if err != nil {
					return err
				}

				if !IsRangeWritable(parent.DataStart()+uintptr(i%2)<<mm.PageShift, 1) {
					return errRangeNotWritable
				}

				child.Destroy()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if exp, got := freeBefore, mm.FreeFrameCount(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	if exp, got := heapBefore, kheap.FreeBytes(); got != exp {
		t.Fatalf("expected %d free heap bytes; got %d", exp, got)
	}

	if len(ledger.frames) != 0 || len(ledger.text) != 0 {
		t.Fatal("expected the ledger to be empty")
	}

	for _, addr := range userPageAddrs(parent)[1:] {
		if entry := entryOf(parent, addr); !entry.HasFlags(FlagRW) || entry.HasFlags(FlagCopyOnWrite) {
			t.Fatalf("expected 0x%x to be exclusively owned; got %s", addr, entry.flagString())
		}
	}
}
