package audit

import (
	"context"
	"time"
)

// Store is the minimal persistence contract the audit core consumes.
// Implementations must satisfy:
//
//   - CreateEntry is append-only and fails with ErrAlreadyExists when
//     the entry id is already taken.
//   - ListEntries returns entries in stable ascending creation order
//     (insertion sequence, never wall-clock timestamp — chain walks must
//     stay correct under clock skew).
//   - CompareAndSwapChainHead is atomic at the storage layer (a
//     conditional update keyed on Version) and returns ErrHeadConflict
//     when the expected version does not match, distinguishing a lost
//     race from infrastructure failure.
//   - SetVerificationStatus updates the head's verification fields
//     without touching Version, so verification never competes with
//     appenders for the optimistic lock.
type Store interface {
	CreateEntry(ctx context.Context, e *Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	ListEntries(ctx context.Context, organisationID string, opts ListOptions) ([]Entry, error)

	GetChainHead(ctx context.Context, organisationID string) (*ChainHead, error)
	CreateChainHead(ctx context.Context, head *ChainHead) error
	CompareAndSwapChainHead(ctx context.Context, organisationID string, expectedVersion int64, patch HeadPatch) (*ChainHead, error)
	SetVerificationStatus(ctx context.Context, organisationID string, status VerificationStatus, brokenAtEntryID string) error

	// DeleteUnlinkedEntry removes an entry that was persisted by an
	// append attempt which then lost the head compare-and-swap race.
	// It is compensation for provisional rows only: implementations must
	// refuse to delete an entry referenced by the organisation's head.
	DeleteUnlinkedEntry(ctx context.Context, id string) error
}

// ListOptions filters a ListEntries call. Zero values mean "no filter".
// Timestamps bound the informational Timestamp field for range reports;
// ordering is always by creation sequence regardless.
type ListOptions struct {
	From  *time.Time
	To    *time.Time
	Limit int
}
