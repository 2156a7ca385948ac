package audit

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Store implementations. The appender and
// verifier branch on these with errors.Is, so stores must return them
// (possibly wrapped) rather than driver-specific errors.
var (
	// ErrNotFound is returned when an entry or chain head does not exist.
	ErrNotFound = errors.New("audit: not found")

	// ErrAlreadyExists is returned when creating an entry or chain head
	// whose key is already taken.
	ErrAlreadyExists = errors.New("audit: already exists")

	// ErrHeadConflict is the compare-and-swap conflict signal: the stored
	// head version did not match the expected version because a concurrent
	// append won the race. It is an expected value on the retry path, not
	// an infrastructure failure.
	ErrHeadConflict = errors.New("audit: chain head version conflict")
)

// EncodingError reports that a payload could not be canonically
// serialized (cyclic structure, unsupported value type). The caller must
// sanitize the payload and retry; nothing was persisted.
type EncodingError struct {
	Path   string // JSON-ish path to the offending value, e.g. "details.items[2]"
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("audit: cannot encode payload: %s", e.Reason)
	}
	return fmt.Sprintf("audit: cannot encode payload at %s: %s", e.Path, e.Reason)
}

// ContentionError reports that the append retry budget was exhausted on
// head compare-and-swap conflicts. The outcome is uncertain, not failed:
// a persisted entry may remain orphaned from the head if compensation
// could not run (see Appender.Append).
type ContentionError struct {
	OrganisationID string
	Attempts       int
	// EntryPersisted is true when the losing entry could not be removed
	// and remains in storage, orphaned from the head.
	EntryPersisted bool
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("audit: chain head contention for organisation %s after %d attempts (entry persisted: %v)",
		e.OrganisationID, e.Attempts, e.EntryPersisted)
}
