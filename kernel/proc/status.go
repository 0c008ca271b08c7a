package proc

// Status is the result of a process creation as reported to user code.
type Status int32

// Process creation results.
const (
	StatusSuccess Status = iota
	StatusMaxProcessExceeded
	StatusInvalidEntrypoint
	StatusNotEnoughMemory
	StatusFSReadFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusMaxProcessExceeded:
		return "MAX_PROCESS_EXCEEDED"
	case StatusInvalidEntrypoint:
		return "INVALID_ENTRYPOINT"
	case StatusNotEnoughMemory:
		return "NOT_ENOUGH_MEMORY"
	case StatusFSReadFailure:
		return "FS_READ_FAILURE"
	default:
		return "UNKNOWN"
	}
}
