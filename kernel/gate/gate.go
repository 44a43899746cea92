// Package gate implements the emulated interrupt descriptor table: kernel
// sub-systems register handlers for CPU exceptions and the emulated CPU
// raises them.
package gate

import (
	"io"
	"sync"

	"github.com/Aglay/Escape/kernel"
	"github.com/Aglay/Escape/kernel/kfmt"
)

// Registers contains a snapshot of the i586 register state at the time an
// exception was raised.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info contains the exception specific error code. For page faults
	// it encodes the fault reason (see PageFaultCode).
	Info uint32

	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %08x EBX = %08x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %08x EDX = %08x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %08x EDI = %08x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %08x\n", r.EBP)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %08x CS  = %08x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %08x SS  = %08x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %08x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException is raised when a PDT or PDT-entry is not present
	// or when a privilege and/or RW protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Page fault error code bits stored in Registers.Info.
const (
	// PageFaultPresent is set for protection violations and cleared for
	// accesses to non-present pages.
	PageFaultPresent uint32 = 1 << iota

	// PageFaultWrite is set if the faulting access was a write.
	PageFaultWrite

	// PageFaultUser is set if the access originated in user-mode.
	PageFaultUser
)

// Handler is invoked when an exception is raised. Handlers return nil if the
// exception was dealt with and the faulting instruction can be retried.
type Handler func(regs *Registers) *kernel.Error

var (
	mu       sync.RWMutex
	handlers [256]Handler

	// ErrUnhandledException is returned by Raise when no handler is
	// installed for the raised exception.
	ErrUnhandledException = &kernel.Error{Module: "gate", Message: "no handler installed for exception"}
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Installing a nil handler removes the
// current one.
func HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	mu.Lock()
	handlers[intNumber] = handler
	mu.Unlock()
}

// Raise dispatches an exception to its installed handler and returns the
// handler's result.
func Raise(intNumber InterruptNumber, regs *Registers) *kernel.Error {
	mu.RLock()
	handler := handlers[intNumber]
	mu.RUnlock()

	if handler == nil {
		return ErrUnhandledException
	}

	return handler(regs)
}
