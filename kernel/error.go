// Package kernel contains the types and helpers shared by all kernel
// sub-systems.
package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error so that callers can compare them by identity without
// needing errors.Is.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error prefixed with the module that raised it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
