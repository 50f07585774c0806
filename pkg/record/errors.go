package record

import (
	"errors"
	"fmt"

	"github.com/trustdesk/govrec/pkg/payload"
)

// Sentinel error kinds. Every engine operation either returns a value or one
// of these kinds, wrapped with operation context. The API boundary maps each
// kind to a distinct HTTP status so clients can tell a state problem (refetch
// and retry) from a data problem (fix and resubmit).
var (
	// ErrValidation indicates bad or missing input, e.g. an empty change reason.
	ErrValidation = errors.New("validation failed")
	// ErrImmutableRevision indicates an attempted mutation of a finalized revision.
	ErrImmutableRevision = errors.New("revision is finalized and immutable")
	// ErrConflict indicates an illegal state transition or a lost race on the
	// record-level lock. "Already finalized" is an expected outcome, not a crash.
	ErrConflict = errors.New("conflicting state transition")
	// ErrNotFound indicates an unknown record, revision, or version.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a revision list already exists for a record.
	ErrAlreadyExists = errors.New("already exists")
	// ErrEncoding indicates a payload that cannot be canonically serialized.
	// Aliases payload.ErrEncoding so errors.Is matches across packages.
	ErrEncoding = payload.ErrEncoding
)

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a formatted detail message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
