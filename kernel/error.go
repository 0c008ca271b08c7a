package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error and compared by identity so that callers can tell failure
// classes apart without string matching.
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
