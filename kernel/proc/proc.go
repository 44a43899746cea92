// Package proc maintains the process table and implements the process
// operations that drive the virtual memory subsystem: spawning programs,
// forking, exiting and accessing user memory.
//
// The simulated machine has a single CPU. Every operation runs with the CPU
// lock held because it may switch the active address space.
package proc

import (
	"slices"

	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/mm/vmm"
	"github.com/Aglay/Escape/kernel/sync"
)

// Pid identifies a process.
type Pid uint32

// KernelPid is the pid of the kernel process. It owns the boot address space
// which never contains user segments and serves as the template for new
// programs.
const KernelPid Pid = 0

// Process is an entry of the process table.
type Process struct {
	Pid    Pid
	Parent Pid
	Name   string

	// KernelStack is the frame that backs the kernel stack page of the
	// process.
	KernelStack mm.Frame

	space *vmm.AddressSpace
}

// Info is a snapshot of a process and the layout of its address space.
type Info struct {
	Pid    Pid
	Parent Pid
	Name   string

	Directory   mm.Frame
	KernelStack mm.Frame

	TextPages  uint32
	DataPages  uint32
	StackPages uint32

	DataStart  uintptr
	StackStart uintptr
}

var (
	// cpuLock serializes the tasks that compete for the CPU.
	cpuLock sync.Spinlock

	table   map[Pid]*Process
	nextPid Pid

	logWriter = kfmt.NewPrefixWriter(nil, "[proc] ")

	// ErrNoSuchProcess is returned for pids that are not in the process
	// table.
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}

	// ErrSegmentationFault is returned when a process performs a memory
	// access that cannot be resolved. The process is terminated.
	ErrSegmentationFault = &kernel.Error{Module: "proc", Message: "segmentation fault"}

	// ErrBadAddress is returned when a buffer passed in by a process is
	// not accessible.
	ErrBadAddress = &kernel.Error{Module: "proc", Message: "bad address"}

	errKernelProcess  = &kernel.Error{Module: "proc", Message: "operation not permitted on the kernel process"}
	errNotInitialized = &kernel.Error{Module: "proc", Message: "process table is not initialized"}
)

// Init resets the process table and registers the kernel process, which
// takes over the boot address space.
func Init(boot *vmm.AddressSpace) *Process {
	cpuLock.Acquire()
	defer cpuLock.Release()

	kernelProc := &Process{
		Pid:         KernelPid,
		Parent:      KernelPid,
		Name:        "kernel",
		KernelStack: boot.KernelStackFrame,
		space:       boot,
	}

	table = map[Pid]*Process{KernelPid: kernelProc}
	nextPid = KernelPid + 1
	return kernelProc
}

// lookup returns the process with the supplied pid.
func lookup(pid Pid) (*Process, *kernel.Error) {
	if table == nil {
		return nil, errNotInitialized
	}

	p, exists := table[pid]
	if !exists {
		return nil, ErrNoSuchProcess
	}

	return p, nil
}

// lookupUser returns the process with the supplied pid unless it is the
// kernel process.
func lookupUser(pid Pid) (*Process, *kernel.Error) {
	if pid == KernelPid {
		return nil, errKernelProcess
	}
	return lookup(pid)
}

// switchTo makes p the process running on the CPU.
func switchTo(p *Process) {
	if vmm.Active() != p.space {
		p.space.Activate()
	}
}

func register(p *Process) {
	p.Pid = nextPid
	nextPid++
	table[p.Pid] = p
}

func (p *Process) info() Info {
	return Info{
		Pid:         p.Pid,
		Parent:      p.Parent,
		Name:        p.Name,
		Directory:   p.space.DirectoryFrame(),
		KernelStack: p.KernelStack,
		TextPages:   p.space.TextPages,
		DataPages:   p.space.DataPages,
		StackPages:  p.space.StackPages,
		DataStart:   p.space.DataStart(),
		StackStart:  p.space.StackStart(),
	}
}

// Lookup returns a snapshot of the process with the supplied pid.
func Lookup(pid Pid) (Info, *kernel.Error) {
	cpuLock.Acquire()
	defer cpuLock.Release()

	p, err := lookup(pid)
	if err != nil {
		return Info{}, err
	}
	return p.info(), nil
}

// List returns a snapshot of the process table ordered by pid.
func List() []Info {
	cpuLock.Acquire()
	defer cpuLock.Release()

	list := make([]Info, 0, len(table))
	for _, p := range table {
		list = append(list, p.info())
	}
	slices.SortFunc(list, func(a, b Info) int { return int(a.Pid) - int(b.Pid) })
	return list
}

// Current returns the pid of the process whose address space is active.
func Current() Pid {
	cpuLock.Acquire()
	defer cpuLock.Release()

	active := vmm.Active()
	for pid, p := range table {
		if p.space == active {
			return pid
		}
	}
	return KernelPid
}
