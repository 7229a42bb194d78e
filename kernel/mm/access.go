package mm

import "strings"

// Access is a bitmask describing the kind of memory access that caused a
// fault.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
)

// IsWrite returns true if the access includes a write.
func (a Access) IsWrite() bool { return a&AccessWrite != 0 }

// IsExecute returns true if the access includes an instruction fetch.
func (a Access) IsExecute() bool { return a&AccessExecute != 0 }

// String implements fmt.Stringer.
func (a Access) String() string {
	var parts []string
	if a&AccessRead != 0 {
		parts = append(parts, "read")
	}
	if a&AccessWrite != 0 {
		parts = append(parts, "write")
	}
	if a&AccessExecute != 0 {
		parts = append(parts, "execute")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Privilege is the trust level of the context that performed an access.
type Privilege uint8

const (
	// Untrusted is a user-mode equivalent context.
	Untrusted Privilege = iota

	// Trusted is a kernel-mode equivalent context.
	Trusted
)

// String implements fmt.Stringer.
func (p Privilege) String() string {
	if p == Trusted {
		return "trusted"
	}
	return "untrusted"
}
