package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity. Errors that wrap a lower level failure (e.g. an in-page
// I/O error) carry it in Cause.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause so errors.Is and errors.As can look
// through a wrapped kernel error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap returns a copy of e with its Cause set to cause. The returned error
// still matches e when compared with errors.Is.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Module: e.Module, Message: e.Message, Cause: &wrapped{orig: e, cause: cause}}
}

// Is reports whether target is the same kernel error as e or the error e
// was derived from via Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if w, ok := e.Cause.(*wrapped); ok && w.orig == t {
		return true
	}
	return e == t
}

// wrapped links a derived error back to the declared error variable.
type wrapped struct {
	orig  *Error
	cause error
}

func (w *wrapped) Error() string { return w.cause.Error() }
func (w *wrapped) Unwrap() error { return w.cause }
