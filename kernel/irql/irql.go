// Package irql defines the execution priority levels that govern whether a
// running context may block.
package irql

// Level is an execution priority level. Higher levels mask lower ones.
type Level uint8

const (
	// PassiveLevel is the level at which normal thread code runs. All
	// blocking operations are legal.
	PassiveLevel Level = iota

	// APCLevel masks asynchronous procedure calls. Blocking is still legal.
	APCLevel

	// DispatchLevel masks the scheduler. Code running at or above this
	// level must never block or wait.
	DispatchLevel

	// HighLevel masks everything.
	HighLevel
)

// CanBlock returns true if code running at this level may suspend while
// waiting for an event (e.g. page-in I/O).
func (l Level) CanBlock() bool {
	return l < DispatchLevel
}

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case PassiveLevel:
		return "PASSIVE_LEVEL"
	case APCLevel:
		return "APC_LEVEL"
	case DispatchLevel:
		return "DISPATCH_LEVEL"
	case HighLevel:
		return "HIGH_LEVEL"
	default:
		return "UNKNOWN_LEVEL"
	}
}
