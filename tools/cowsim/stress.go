package main

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/mm/kheap"
	"github.com/Aglay/Escape/kernel/proc"
	"golang.org/x/sync/errgroup"
)

type stressOptions struct {
	workers    int
	iterations int
	dataPages  uint
	stackPages uint
}

type stressStats struct {
	forks    uint64
	writes   uint64
	duration time.Duration
}

// stress forks a parent process from concurrent workers. Every child writes
// each of its data pages, checks the result and exits. Once all workers are
// done the machine must have exactly the memory it had before the parent
// was spawned.
func stress(ctx context.Context, opts stressOptions) (stressStats, error) {
	var (
		stats      stressStats
		freeFrames = mm.FreeFrameCount()
		freeHeap   = kheap.FreeBytes()
		start      = time.Now()
	)

	data := bytes.Repeat([]byte{0xaa}, int(opts.dataPages)*int(mm.PageSize))
	parent, err := proc.Spawn("stress", []byte{0xf4}, data, uint32(opts.stackPages))
	if err != nil {
		return stats, fmt.Errorf("spawning the parent: %w", err)
	}

	parentInfo, err := proc.Lookup(parent)
	if err != nil {
		return stats, err
	}

	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < opts.workers; worker++ {
		worker := worker
		g.Go(func() error {
			for i := 0; i < opts.iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				if err := forkAndWrite(parent, parentInfo, byte(worker), &stats); err != nil {
					return fmt.Errorf("worker %d: %w", worker, err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}

	// the parent must not observe any child write
	got := make([]byte, len(data))
	if err := proc.ReadMemory(parent, parentInfo.DataStart, got); err != nil {
		return stats, err
	}
	if !bytes.Equal(got, data) {
		return stats, fmt.Errorf("parent data was modified by a child")
	}

	if err := proc.Exit(parent); err != nil {
		return stats, err
	}

	if got := mm.FreeFrameCount(); got != freeFrames {
		return stats, fmt.Errorf("leaked %d frames", int64(freeFrames)-int64(got))
	}
	if got := kheap.FreeBytes(); got != freeHeap {
		return stats, fmt.Errorf("leaked %d heap bytes", int64(freeHeap)-int64(got))
	}

	stats.duration = time.Since(start)
	return stats, nil
}

func forkAndWrite(parent proc.Pid, parentInfo proc.Info, tag byte, stats *stressStats) error {
	child, err := proc.Fork(parent)
	if err != nil {
		return err
	}
	atomic.AddUint64(&stats.forks, 1)

	buf := make([]byte, 1)
	for page := uint32(0); page < parentInfo.DataPages; page++ {
		addr := parentInfo.DataStart + uintptr(page)<<mm.PageShift + uintptr(tag)

		if err := proc.WriteMemory(child, addr, []byte{tag}); err != nil {
			return err
		}
		atomic.AddUint64(&stats.writes, 1)

		if err := proc.ReadMemory(child, addr, buf); err != nil {
			return err
		}
		if buf[0] != tag {
			return fmt.Errorf("pid %d read 0x%x at 0x%x; expected 0x%x", child, buf[0], addr, tag)
		}
	}

	if err := proc.Exit(child); err != nil {
		return err
	}
	return nil
}
