package fault

import (
	"vmfault/kernel"
	"vmfault/kernel/mm"
)

// Violation names the reason an access cannot be satisfied.
type Violation uint8

const (
	// ViolationProtection means the protection of the page forbids the
	// access.
	ViolationProtection Violation = iota

	// ViolationUnmapped means no descriptor covers the address.
	ViolationUnmapped

	// ViolationNonCanonical means the address is outside both ranges.
	ViolationNonCanonical

	// ViolationSystemRange means an untrusted context touched the
	// system range.
	ViolationSystemRange

	// ViolationNoAccess means the entry is an explicit no-access entry.
	ViolationNoAccess

	// ViolationUncommitted means the page is reserved but not committed.
	ViolationUncommitted
)

var violationNames = [...]string{
	ViolationProtection:   "protection",
	ViolationUnmapped:     "unmapped",
	ViolationNonCanonical: "non-canonical",
	ViolationSystemRange:  "system-range",
	ViolationNoAccess:     "no-access",
	ViolationUncommitted:  "uncommitted",
}

// String implements fmt.Stringer.
func (v Violation) String() string {
	if int(v) < len(violationNames) {
		return violationNames[v]
	}
	return "unknown"
}

func (v Violation) fatalError() *kernel.Error {
	switch v {
	case ViolationNoAccess, ViolationUncommitted:
		return ErrUncommittedAccess
	default:
		return ErrInvalidAccess
	}
}

// Decision is the verdict of the violation policy.
type Decision uint8

const (
	// ReportViolation returns AccessViolation to the faulting context.
	ReportViolation Decision = iota

	// CrashSystem raises a fatal error.
	CrashSystem
)

// Decide is the single place where a violation is judged recoverable or
// not. Untrusted contexts always get the violation reported. Trusted
// contexts crash unless their trap context pre-approved the access; touching
// reserved or no-access memory from a trusted context always crashes.
func Decide(v Violation, priv mm.Privilege, preApproved bool) Decision {
	if priv == mm.Untrusted {
		return ReportViolation
	}

	switch v {
	case ViolationNoAccess, ViolationUncommitted:
		return CrashSystem
	}

	if preApproved {
		return ReportViolation
	}
	return CrashSystem
}
