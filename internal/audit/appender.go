package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	// defaultMaxAttempts bounds the head compare-and-swap retry loop.
	defaultMaxAttempts = 3

	// defaultBackoff is the base of the jittered delay between retry
	// rounds. The actual sleep is uniform in [backoff/2, backoff*3/2).
	defaultBackoff = 40 * time.Millisecond
)

// AppenderOptions configures an Appender. Store is required; everything
// else has defaults.
type AppenderOptions struct {
	Store Store

	// MaxAttempts is the head CAS retry budget (default 3).
	MaxAttempts int

	// RetryBackoff is the base jittered delay between attempts
	// (default 40ms).
	RetryBackoff time.Duration

	// OnAppend, when set, is invoked with each successfully chained
	// entry. Used to feed the live WebSocket feed. Must not block.
	OnAppend func(Entry)
}

// Appender orchestrates the write path: build the entry, hash it against
// the current chain head, persist it, then advance the head under
// optimistic concurrency. Safe for concurrent use — the only
// serialization point is the storage layer's conditional head update, so
// no in-process lock is held across storage I/O and tenants never block
// each other.
type Appender struct {
	store       Store
	maxAttempts int
	backoff     time.Duration
	onAppend    func(Entry)
}

// NewAppender creates an Appender over the given store.
func NewAppender(opts AppenderOptions) *Appender {
	a := &Appender{
		store:       opts.Store,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
		onAppend:    opts.OnAppend,
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = defaultMaxAttempts
	}
	if a.backoff <= 0 {
		a.backoff = defaultBackoff
	}
	return a
}

// Append records a new audit entry on the organisation's chain and
// returns a receipt with the entry id and retry telemetry.
//
// Per attempt: read the chain head (absent means previousHash empty,
// expected version 0), compute the entry hash, persist the entry, then
// advance the head with a compare-and-swap on the head version. A CAS
// conflict means a concurrent append advanced the head first; the
// just-persisted entry is chained against a stale previousHash, so it is
// removed as compensation and the whole sequence retries against the new
// head, up to the retry budget with a small jittered backoff.
//
// A crash or cancellation between persist and head advancement leaves
// the entry orphaned from the head. That is an accepted trade-off —
// the verifier reports orphans as warnings, not tampering — and is why
// an exhausted retry budget surfaces as "uncertain" via ContentionError
// rather than a clean failure.
func (a *Appender) Append(ctx context.Context, req Request) (*Receipt, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	correlationID := resolveCorrelation(ctx, req.CorrelationID)

	for attempt := 1; ; attempt++ {
		receipt, err := a.tryAppend(ctx, req, correlationID, attempt)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrHeadConflict) {
			return nil, err
		}

		slog.Debug("audit append lost head race",
			"organisation", req.OrganisationID, "attempt", attempt)

		if attempt >= a.maxAttempts {
			return nil, &ContentionError{
				OrganisationID: req.OrganisationID,
				Attempts:       attempt,
				EntryPersisted: entryLeftBehind(err),
			}
		}

		// Jittered backoff so colliding writers spread out.
		delay := a.backoff/2 + rand.N(a.backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// tryAppend runs one full read-hash-persist-advance round. It returns an
// error wrapping ErrHeadConflict when the head CAS lost a race.
func (a *Appender) tryAppend(ctx context.Context, req Request, correlationID string, attempt int) (*Receipt, error) {
	var (
		previousHash    string
		expectedVersion int64
	)
	head, err := a.store.GetChainHead(ctx, req.OrganisationID)
	switch {
	case err == nil:
		previousHash = head.LastHash
		expectedVersion = head.Version
	case errors.Is(err, ErrNotFound):
		// First append for this organisation: the entry starts the chain.
	default:
		return nil, fmt.Errorf("reading chain head for %s: %w", req.OrganisationID, err)
	}

	entry := buildEntry(req, correlationID)
	canonical, err := EncodeCanonical(entry)
	if err != nil {
		return nil, err
	}
	entry.CanonicalPayload = canonical
	entry.PreviousHash = previousHash
	entry.Hash = ChainHash(canonical, previousHash)

	if err := a.store.CreateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("persisting audit entry %s: %w", entry.ID, err)
	}

	newHead, err := a.advanceHead(ctx, entry, head, expectedVersion)
	if err != nil {
		if errors.Is(err, ErrHeadConflict) {
			// The entry is chained against a stale previousHash and was
			// never linked. Remove it before retrying; if the removal
			// itself fails the entry stays behind as an orphan, which
			// verification reports as a warning.
			if delErr := a.store.DeleteUnlinkedEntry(ctx, entry.ID); delErr != nil {
				slog.Error("audit: failed to remove unlinked entry after lost race",
					"entry", entry.ID, "error", delErr)
				return nil, &conflictWithOrphan{cause: err}
			}
		}
		return nil, err
	}

	if a.onAppend != nil {
		a.onAppend(*entry)
	}

	slog.Debug("audit entry appended",
		"organisation", entry.OrganisationID, "entry", entry.ID,
		"length", newHead.ChainLength, "attempts", attempt)

	return &Receipt{
		EntryID:       entry.ID,
		Hash:          entry.Hash,
		ChainLength:   newHead.ChainLength,
		CorrelationID: correlationID,
		Attempts:      attempt,
	}, nil
}

// advanceHead moves the organisation's cursor to the new entry: a create
// for the very first append, otherwise a compare-and-swap on the version
// read at the start of this attempt.
func (a *Appender) advanceHead(ctx context.Context, entry *Entry, head *ChainHead, expectedVersion int64) (*ChainHead, error) {
	if head == nil {
		newHead := &ChainHead{
			OrganisationID:     entry.OrganisationID,
			LastEntryID:        entry.ID,
			LastHash:           entry.Hash,
			ChainLength:        1,
			Version:            1,
			VerificationStatus: StatusPending,
		}
		if err := a.store.CreateChainHead(ctx, newHead); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				// Another writer created the head first — same as losing
				// the CAS race.
				return nil, fmt.Errorf("chain head created concurrently: %w", ErrHeadConflict)
			}
			return nil, fmt.Errorf("creating chain head for %s: %w", entry.OrganisationID, err)
		}
		return newHead, nil
	}

	newHead, err := a.store.CompareAndSwapChainHead(ctx, entry.OrganisationID, expectedVersion, HeadPatch{
		LastEntryID: entry.ID,
		LastHash:    entry.Hash,
		ChainLength: head.ChainLength + 1,
	})
	if err != nil {
		return nil, err
	}
	return newHead, nil
}

// HeadPatch is the new cursor state applied by a successful head
// compare-and-swap. Version is advanced by the store itself.
type HeadPatch struct {
	LastEntryID string
	LastHash    string
	ChainLength int64
}

// conflictWithOrphan wraps a head conflict whose losing entry could not
// be compensated away.
type conflictWithOrphan struct{ cause error }

func (c *conflictWithOrphan) Error() string { return c.cause.Error() + " (unlinked entry left behind)" }
func (c *conflictWithOrphan) Unwrap() error { return c.cause }

func entryLeftBehind(err error) bool {
	var cwo *conflictWithOrphan
	return errors.As(err, &cwo)
}

// buildEntry assembles the immutable fields of a new entry from a
// request. Severity, outcome, and framework default to the common case
// so thin domain loggers can omit them.
func buildEntry(req Request, correlationID string) *Entry {
	e := &Entry{
		ID:                  NewEntryID(),
		OrganisationID:      req.OrganisationID,
		UserID:              req.UserID,
		AdminID:             req.AdminID,
		Action:              req.Action,
		Resource:            req.Resource,
		ResourceID:          req.ResourceID,
		Category:            req.Category,
		Severity:            req.Severity,
		Outcome:             req.Outcome,
		Details:             req.Details,
		LegalBasis:          req.LegalBasis,
		BusinessContext:     req.BusinessContext,
		ComplianceFramework: req.ComplianceFramework,
		IPAddress:           req.IPAddress,
		UserAgent:           req.UserAgent,
		SessionID:           req.SessionID,
		RequestID:           req.RequestID,
		CorrelationID:       correlationID,
		Timestamp:           time.Now().UTC(),
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.ComplianceFramework == "" {
		e.ComplianceFramework = "gdpr"
	}
	return e
}

// resolveCorrelation picks the correlation id for a new entry: the
// request's explicit id, else the innermost id on the context stack,
// else a fresh one.
func resolveCorrelation(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if id, ok := CurrentCorrelation(ctx); ok {
		return id
	}
	return NewCorrelationID()
}

func validateRequest(req *Request) error {
	if req.OrganisationID == "" {
		return fmt.Errorf("audit: request missing organisationId")
	}
	if req.Action == "" {
		return fmt.Errorf("audit: request missing action")
	}
	if req.Resource == "" {
		return fmt.Errorf("audit: request missing resource")
	}
	if !validCategory(req.Category) {
		return fmt.Errorf("audit: unknown category %q", req.Category)
	}
	// Severity and outcome are optional (they default), but a value that
	// is present must be a known constant — it gets hashed into the
	// immutable payload.
	if req.Severity != "" && !validSeverity(req.Severity) {
		return fmt.Errorf("audit: unknown severity %q", req.Severity)
	}
	if req.Outcome != "" && !validOutcome(req.Outcome) {
		return fmt.Errorf("audit: unknown outcome %q", req.Outcome)
	}
	return nil
}
