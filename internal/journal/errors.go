package journal

// ============================================================================
// Journal Error Definitions
// Purpose: Define all journal-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed indicates the journal is closed, cannot perform operation
	ErrClosed = errors.New("journal: already closed")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed record
	Line     int    // 1-based line number in the file
	Expected uint32 // Checksum computed from the record fields
	Actual   uint32 // Checksum stored in the record
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d line=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Line, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError represents a line that cannot be decoded
type CorruptionError struct {
	Line  int   // 1-based line number in the file
	Cause error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
