// Package coreerr defines the three error kinds spec §7 names
// (OutOfMemory, Corruption, BadArgument) as idiomatic Go error values,
// translating the teacher's throw("message")-and-die style into
// explicit returns for everything except the genuinely fatal
// corruption class.
package coreerr

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned when the PAL cannot fulfil a reservation
// or a backend bucket exhausts the top size class (spec §7).
var ErrOutOfMemory = errors.New("coreheap: out of memory")

// ErrBadArgument is returned for invalid alignment or size arguments;
// never fatal (spec §7).
var ErrBadArgument = errors.New("coreheap: bad argument")

// CorruptionError marks heap corruption: double free, a metadata tag
// mismatch, or a double-acquire of a pooled allocator. Spec §7 makes
// this class fatal via the PAL's Error hook; CorruptionError is the
// payload carried into that call, not something callers recover from.
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("coreheap: corruption detected: %s", e.Reason)
}

// NewCorruption builds a CorruptionError with a formatted reason.
func NewCorruption(format string, args ...any) *CorruptionError {
	return &CorruptionError{Reason: fmt.Sprintf(format, args...)}
}
