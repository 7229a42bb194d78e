// Package trace records the outcome of every resolved fault so fault
// behaviour can be inspected offline.
package trace

import (
	"strings"
	"time"

	"github.com/rs/xid"
)

// Record describes a single fault resolution.
type Record struct {
	ID        string
	Space     string
	Address   uintptr
	Access    string
	Privilege string

	// States lists the resolver states visited, in order.
	States []string
	Status string

	FramesAllocated int
	Reads           int
	Copies          int

	Start, End time.Time
}

// NewRecord returns a record with a fresh unique ID.
func NewRecord() Record {
	return Record{ID: xid.New().String()}
}

// Path returns the visited states joined with "|".
func (r Record) Path() string {
	return strings.Join(r.States, "|")
}

// Duration returns the time spent resolving the fault.
func (r Record) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Tracer receives fault records.
type Tracer interface {
	Write(r Record)
	Flush()
}

// defaultName derives a unique file name for writers created without an
// explicit path.
func defaultName() string {
	return "mmsim_trace_" + xid.New().String()
}
