package vmtracker

import "fmt"

// AccountingCode classifies accounting faults.
type AccountingCode int

const (
	FaultOverlappingReservation AccountingCode = iota // New reservation overlaps a tracked one
	FaultOutOfBounds                                  // Committed range outside its owner
	FaultNotReserved                                  // Operation on an untracked address
	FaultDoubleRelease                                // Release of an already released region
	FaultZeroSize                                     // Zero-length range
	FaultOrphanedCommit                               // Committed range left outside shrunken bounds
)

// String returns the string representation of an accounting code.
func (c AccountingCode) String() string {
	switch c {
	case FaultOverlappingReservation:
		return "OverlappingReservation"
	case FaultOutOfBounds:
		return "OutOfBounds"
	case FaultNotReserved:
		return "NotReserved"
	case FaultDoubleRelease:
		return "DoubleRelease"
	case FaultZeroSize:
		return "ZeroSize"
	case FaultOrphanedCommit:
		return "OrphanedCommit"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// AccountingError reports a violated accounting invariant: the bookkeeping
// no longer matches what the process actually did with its address space.
// These are raised as panics rather than returned, since any attempt to
// repair the state could mask a real corruption elsewhere in the runtime.
type AccountingError struct {
	Message string
	Code    AccountingCode
	Base    uint64
	Size    uint64
}

// Error implements the error interface.
func (e *AccountingError) Error() string {
	return fmt.Sprintf("AccountingError[%s]: %s (range=[%#x, %#x))",
		e.Code.String(), e.Message, e.Base, e.Base+e.Size)
}

// accountingFault aborts with an AccountingError describing the violated
// invariant.
func accountingFault(code AccountingCode, base, size uint64, format string, args ...interface{}) {
	panic(&AccountingError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		Base:    base,
		Size:    size,
	})
}
