package mm

import "strings"

// Protection is a page protection code. The low three bits select the base
// protection; the NoCache and Guard bits modify it. KernelOnly marks
// mappings that untrusted contexts may not touch.
type Protection uint8

const (
	// ProtectNone marks memory that is reserved but not committed.
	ProtectNone Protection = iota
	ReadOnly
	Execute
	ExecuteRead
	ReadWrite
	WriteCopy
	ExecuteReadWrite
	ExecuteWriteCopy
)

const (
	// NoCache disables caching for the page.
	NoCache Protection = 1 << (3 + iota)

	// Guard turns the page into a one-shot guard page.
	Guard

	// KernelOnly restricts the mapping to trusted contexts.
	KernelOnly
)

const (
	// NoAccess is an explicit fault-on-touch protection. It is encoded as
	// both modifier bits over an empty base.
	NoAccess = NoCache | Guard

	// ProtectionMask covers every bit a protection code may use.
	ProtectionMask Protection = 0x3f

	baseMask     Protection = 0x07
	modifierMask            = NoCache | Guard
)

// Base returns the base protection with all modifiers stripped.
func (p Protection) Base() Protection {
	return p & baseMask
}

// IsNoAccess returns true for the explicit no-access code.
func (p Protection) IsNoAccess() bool {
	return p&(baseMask|modifierMask) == NoAccess
}

// Committed returns false for reserved-but-uncommitted memory.
func (p Protection) Committed() bool {
	return p&(baseMask|modifierMask) != ProtectNone
}

// IsGuard returns true if this is a guard page protection.
func (p Protection) IsGuard() bool {
	return !p.IsNoAccess() && p&Guard != 0
}

// WithoutGuard returns the protection with the guard modifier stripped.
func (p Protection) WithoutGuard() Protection {
	if p.IsNoAccess() {
		return p
	}
	return p &^ Guard
}

// IsKernelOnly returns true if untrusted contexts may not access the page.
func (p Protection) IsKernelOnly() bool {
	return p&KernelOnly != 0
}

// Readable returns true if the protection permits reads.
func (p Protection) Readable() bool {
	return !p.IsNoAccess() && p.Base() != ProtectNone
}

// Writable returns true if the protection permits writes, either directly
// or through copy-on-write.
func (p Protection) Writable() bool {
	if p.IsNoAccess() {
		return false
	}

	switch p.Base() {
	case ReadWrite, WriteCopy, ExecuteReadWrite, ExecuteWriteCopy:
		return true
	}
	return false
}

// Executable returns true if the protection permits instruction fetches.
func (p Protection) Executable() bool {
	if p.IsNoAccess() {
		return false
	}

	switch p.Base() {
	case Execute, ExecuteRead, ExecuteReadWrite, ExecuteWriteCopy:
		return true
	}
	return false
}

// CopyOnWrite returns true if writes must materialize a private copy.
func (p Protection) CopyOnWrite() bool {
	if p.IsNoAccess() {
		return false
	}

	b := p.Base()
	return b == WriteCopy || b == ExecuteWriteCopy
}

// Permits returns true if every access in a is allowed by this protection.
// Ownership (KernelOnly) and guard state are not considered.
func (p Protection) Permits(a Access) bool {
	if a&AccessRead != 0 && !p.Readable() {
		return false
	}
	if a&AccessWrite != 0 && !p.Writable() {
		return false
	}
	if a&AccessExecute != 0 && !p.Executable() {
		return false
	}
	return true
}

var baseNames = [...]string{
	ProtectNone:      "NONE",
	ReadOnly:         "READONLY",
	Execute:          "EXECUTE",
	ExecuteRead:      "EXECUTE_READ",
	ReadWrite:        "READWRITE",
	WriteCopy:        "WRITECOPY",
	ExecuteReadWrite: "EXECUTE_READWRITE",
	ExecuteWriteCopy: "EXECUTE_WRITECOPY",
}

// String implements fmt.Stringer.
func (p Protection) String() string {
	var parts []string
	if p.IsNoAccess() {
		parts = append(parts, "NOACCESS")
	} else {
		parts = append(parts, baseNames[p.Base()])
		if p&NoCache != 0 {
			parts = append(parts, "NOCACHE")
		}
		if p&Guard != 0 {
			parts = append(parts, "GUARD")
		}
	}
	if p.IsKernelOnly() {
		parts = append(parts, "KERNEL")
	}
	return strings.Join(parts, "|")
}
