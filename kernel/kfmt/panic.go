package kfmt

import (
	"vmfault/kernel"
)

var (
	// haltFn is invoked by Panic once the banner has been printed. It
	// unwinds the faulting context by panicking with the reported error.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the active output sink
// and aborts the current execution context. Calls to Panic never return.
// The value passed to the runtime panic is always a *kernel.Error so callers
// that recover can compare it against the declared error variables.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = errRuntimePanic.Wrap(t)
	default:
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	Printf("[%s] unrecoverable error: %s\n", err.Module, err.Error())
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn(err)
}
