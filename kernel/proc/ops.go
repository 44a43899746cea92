package proc

import (
	"io"

	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/Aglay/Escape/kernel/mm/vmm"
)

// newImage builds a fresh address space that holds a program image. The
// space is a copy of the kernel process' space, which has no user segments,
// so it starts out with nothing but the kernel area. The kernel process is
// active when newImage returns.
func newImage(text, data []byte, stackPages uint32) (*vmm.AddressSpace, *kernel.Error) {
	kernelProc := table[KernelPid]
	switchTo(kernelProc)

	space, err := kernelProc.space.Clone()
	if err != nil {
		return nil, err
	}

	space.Activate()
	err = space.Load(text, data, stackPages)
	kernelProc.space.Activate()

	if err != nil {
		space.Destroy()
		return nil, err
	}

	return space, nil
}

// Spawn creates a process that runs the supplied program. The new process
// is a child of the kernel process.
func Spawn(name string, text, data []byte, stackPages uint32) (Pid, *kernel.Error) {
	cpuLock.Acquire()
	defer cpuLock.Release()

	if table == nil {
		return 0, errNotInitialized
	}

	space, err := newImage(text, data, stackPages)
	if err != nil {
		return 0, err
	}

	p := &Process{
		Parent:      KernelPid,
		Name:        name,
		KernelStack: space.KernelStackFrame,
		space:       space,
	}
	register(p)

	kfmt.Fprintf(logWriter, "spawned %s (pid %d): text=%d data=%d stack=%d pages\n",
		name, p.Pid, space.TextPages, space.DataPages, space.StackPages)
	return p.Pid, nil
}

// Fork creates a child of the process with the supplied pid. The child gets
// a copy-on-write copy of the parent's address space.
func Fork(pid Pid) (Pid, *kernel.Error) {
	cpuLock.Acquire()
	defer cpuLock.Release()

	parent, err := lookup(pid)
	if err != nil {
		return 0, err
	}

	switchTo(parent)
	space, err := parent.space.Clone()
	if err != nil {
		return 0, err
	}

	child := &Process{
		Parent:      parent.Pid,
		Name:        parent.Name,
		KernelStack: space.KernelStackFrame,
		space:       space,
	}
	register(child)

	kfmt.Fprintf(logWriter, "forked pid %d from pid %d\n", child.Pid, parent.Pid)
	return child.Pid, nil
}

// Exec replaces the program that the process with the supplied pid runs. The
// old address space is destroyed only once the new image is in place; if
// building it fails the process keeps running the old program.
func Exec(pid Pid, name string, text, data []byte, stackPages uint32) *kernel.Error {
	cpuLock.Acquire()
	defer cpuLock.Release()

	p, err := lookupUser(pid)
	if err != nil {
		return err
	}

	space, err := newImage(text, data, stackPages)
	if err != nil {
		return err
	}

	old := p.space
	p.space, p.KernelStack, p.Name = space, space.KernelStackFrame, name
	old.Destroy()

	kfmt.Fprintf(logWriter, "pid %d now runs %s\n", p.Pid, name)
	return nil
}

// Exit terminates the process with the supplied pid and releases its
// address space. Its children are handed over to the kernel process.
func Exit(pid Pid) *kernel.Error {
	cpuLock.Acquire()
	defer cpuLock.Release()

	p, err := lookupUser(pid)
	if err != nil {
		return err
	}

	terminate(p)
	kfmt.Fprintf(logWriter, "pid %d exited\n", pid)
	return nil
}

// terminate removes p from the process table and destroys its address space.
func terminate(p *Process) {
	switchTo(table[KernelPid])
	p.space.Destroy()
	delete(table, p.Pid)

	for _, other := range table {
		if other.Parent == p.Pid {
			other.Parent = KernelPid
		}
	}
}

// Grow extends a segment of the process with the supplied pid by the
// requested number of zeroed pages.
func Grow(pid Pid, segment vmm.Segment, pages uint32) *kernel.Error {
	cpuLock.Acquire()
	defer cpuLock.Release()

	p, err := lookupUser(pid)
	if err != nil {
		return err
	}

	switchTo(p)
	return p.space.Grow(segment, pages)
}

// ReadMemory performs a read of user memory by the process with the supplied
// pid. If the read faults and the fault cannot be resolved, the process is
// terminated and ErrSegmentationFault is returned.
func ReadMemory(pid Pid, virtAddr uintptr, buf []byte) *kernel.Error {
	return accessMemory(pid, virtAddr, buf, false)
}

// WriteMemory performs a write to user memory by the process with the
// supplied pid. Writes to copy-on-write pages give the process its own copy.
// If the write faults and the fault cannot be resolved, the process is
// terminated and ErrSegmentationFault is returned.
func WriteMemory(pid Pid, virtAddr uintptr, data []byte) *kernel.Error {
	return accessMemory(pid, virtAddr, data, true)
}

func accessMemory(pid Pid, virtAddr uintptr, buf []byte, write bool) *kernel.Error {
	cpuLock.Acquire()
	defer cpuLock.Release()

	p, err := lookup(pid)
	if err != nil {
		return err
	}

	switchTo(p)
	if write {
		err = vmm.WriteUser(virtAddr, buf)
	} else {
		err = vmm.ReadUser(virtAddr, buf)
	}

	if err == nil {
		return nil
	}

	// A fault of the kernel process cannot be handled by killing it.
	if p.Pid == KernelPid {
		return err
	}

	kfmt.Fprintf(logWriter, "pid %d (%s) killed: %s at 0x%x\n", p.Pid, p.Name, err.Message, virtAddr)
	terminate(p)
	return ErrSegmentationFault
}

// CopyIn copies user memory of the process with the supplied pid into buf on
// behalf of the kernel. Unlike ReadMemory, an inaccessible buffer does not
// terminate the process; ErrBadAddress is returned instead.
func CopyIn(pid Pid, virtAddr uintptr, buf []byte) *kernel.Error {
	cpuLock.Acquire()
	defer cpuLock.Release()

	p, err := lookup(pid)
	if err != nil {
		return err
	}

	switchTo(p)
	if !vmm.IsRangeReadable(virtAddr, uintptr(len(buf))) {
		return ErrBadAddress
	}

	return vmm.ReadUser(virtAddr, buf)
}

// CopyOut copies data to the user memory of the process with the supplied
// pid on behalf of the kernel. The destination is validated first, which
// also breaks any copy-on-write sharing in the range. An inaccessible buffer
// yields ErrBadAddress.
func CopyOut(pid Pid, virtAddr uintptr, data []byte) *kernel.Error {
	cpuLock.Acquire()
	defer cpuLock.Release()

	p, err := lookup(pid)
	if err != nil {
		return err
	}

	switchTo(p)
	if !vmm.IsRangeWritable(virtAddr, uintptr(len(data))) {
		return ErrBadAddress
	}

	return vmm.WriteUser(virtAddr, data)
}

// Dump writes the page directory of the process with the supplied pid to w.
func Dump(w io.Writer, pid Pid, includeKernel bool) *kernel.Error {
	cpuLock.Acquire()
	defer cpuLock.Release()

	p, err := lookup(pid)
	if err != nil {
		return err
	}

	switchTo(p)
	vmm.DumpDirectory(w, includeKernel)
	return nil
}
