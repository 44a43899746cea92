package sync

import "github.com/Aglay/Escape/kernel/cpu"

// setInterruptsEnabledFn is used by tests.
var setInterruptsEnabledFn = cpu.SetInterruptsEnabled

// CriticalSection serializes kernel paths that must not be interleaved with
// any other kernel activity. Entering it takes the section's spinlock and
// disables interrupts (and thus preemption); the previous interrupt state is
// restored on exit.
type CriticalSection struct {
	lock Spinlock
}

// Enter acquires the critical section and returns a function that releases
// it. The typical usage pattern is:
//
//	defer cs.Enter()()
func (cs *CriticalSection) Enter() func() {
	cs.lock.Acquire()
	prevState := setInterruptsEnabledFn(false)

	return func() {
		setInterruptsEnabledFn(prevState)
		cs.lock.Release()
	}
}

// Held reports whether some task is inside the critical section.
func (cs *CriticalSection) Held() bool {
	return cs.lock.IsHeld()
}
