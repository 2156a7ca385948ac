package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// FindingKind classifies what a chain verification walk discovered.
// Hash mismatches and broken linkage are tamper evidence; head findings
// and orphaned entries usually indicate a crash-interrupted append and
// are reported as a distinct, non-tamper cause.
type FindingKind string

const (
	FindingHashMismatch  FindingKind = "hash_mismatch"
	FindingLinkageBroken FindingKind = "linkage_broken"
	FindingHeadMismatch  FindingKind = "head_mismatch"
	FindingOrphanedEntry FindingKind = "orphaned_entry"
)

// Finding is one verification discovery. Inconsistencies are data, not
// errors: the verifier only returns a Go error on infrastructure
// failures (storage unreachable).
type Finding struct {
	Kind     FindingKind `json:"kind"`
	EntryID  string      `json:"entryId,omitempty"`
	Expected string      `json:"expected,omitempty"`
	Actual   string      `json:"actual,omitempty"`
	Detail   string      `json:"detail"`
}

// EntryResult is the outcome of verifying a single entry's stored hash
// against a recomputation from its stored canonical payload.
type EntryResult struct {
	EntryID      string `json:"entryId"`
	Valid        bool   `json:"valid"`
	ExpectedHash string `json:"expectedHash"`
	ActualHash   string `json:"actualHash"`
}

// ChainReport is the aggregate result of a chain walk.
//
// Valid means no tamper evidence (hash or linkage) was found.
// HeadConsistent is tracked separately: a lagging or mismatched head is
// its own finding kind, since it may indicate a crash-orphaned append
// rather than tampering.
type ChainReport struct {
	OrganisationID string        `json:"organisationId"`
	Valid          bool          `json:"valid"`
	HeadConsistent bool          `json:"headConsistent"`
	EntriesChecked int           `json:"entriesChecked"`
	ChainLength    int64         `json:"chainLength"`
	BrokenAt       string        `json:"brokenAt,omitempty"`
	Findings       []Finding     `json:"findings,omitempty"`
	Results        []EntryResult `json:"results,omitempty"`
	VerifiedAt     time.Time     `json:"verifiedAt"`
}

// Verifier walks persisted chains recomputing hashes and validating
// linkage. It never mutates entries; the only writes it performs are to
// the head's verification status fields, through the store's
// non-version-bumping path.
type Verifier struct {
	store Store
}

// NewVerifier creates a Verifier over the given store.
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// VerifyEntry reloads one entry and recomputes its hash from the stored
// canonical payload and stored previousHash. A mismatch means the
// entry's content or recorded hash was tampered with or corrupted.
func (v *Verifier) VerifyEntry(ctx context.Context, id string) (EntryResult, error) {
	e, err := v.store.GetEntry(ctx, id)
	if err != nil {
		return EntryResult{}, fmt.Errorf("loading entry %s: %w", id, err)
	}
	return verifyEntry(e), nil
}

func verifyEntry(e *Entry) EntryResult {
	expected := ChainHash(e.CanonicalPayload, e.PreviousHash)
	return EntryResult{
		EntryID:      e.ID,
		Valid:        expected == e.Hash,
		ExpectedHash: expected,
		ActualHash:   e.Hash,
	}
}

// VerifyChain walks an organisation's entries in ascending creation
// order, recomputing every hash and validating linkage against a running
// previousHash, then cross-checks the chain head. Any failure is
// recorded and the walk continues, producing a complete report.
//
// An entry whose previousHash does not continue the running chain and
// whose hash no later entry references is classified as orphaned — a
// data-integrity warning, not a hash failure — because a crash between
// entry persist and head advancement legitimately strands entries.
//
// A full walk (zero Range) also updates the head's verification status:
// pending|valid -> broken on tamper evidence, pending -> valid on a
// clean walk. A broken head is never promoted back to valid here; that
// takes an explicit Reverify after remediation.
func (v *Verifier) VerifyChain(ctx context.Context, organisationID string, rng ListOptions) (*ChainReport, error) {
	report, err := v.walk(ctx, organisationID, rng)
	if err != nil {
		return nil, err
	}

	if fullWalk(rng) {
		if err := v.recordStatus(ctx, organisationID, report, false); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// Reverify re-runs a full chain verification and, when the walk is
// clean, promotes the head back to valid even from broken. Call it only
// after remediation of a previously reported break.
func (v *Verifier) Reverify(ctx context.Context, organisationID string) (*ChainReport, error) {
	report, err := v.walk(ctx, organisationID, ListOptions{})
	if err != nil {
		return nil, err
	}
	if err := v.recordStatus(ctx, organisationID, report, true); err != nil {
		return nil, err
	}
	return report, nil
}

func fullWalk(rng ListOptions) bool {
	return rng.From == nil && rng.To == nil && rng.Limit == 0
}

func (v *Verifier) walk(ctx context.Context, organisationID string, rng ListOptions) (*ChainReport, error) {
	entries, err := v.store.ListEntries(ctx, organisationID, rng)
	if err != nil {
		return nil, fmt.Errorf("listing entries for %s: %w", organisationID, err)
	}

	head, err := v.store.GetChainHead(ctx, organisationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading chain head for %s: %w", organisationID, err)
	}

	report := &ChainReport{
		OrganisationID: organisationID,
		Valid:          true,
		HeadConsistent: true,
		EntriesChecked: len(entries),
		VerifiedAt:     time.Now().UTC(),
	}
	if head != nil {
		report.ChainLength = head.ChainLength
	}
	if len(entries) == 0 {
		if head != nil && head.ChainLength != 0 {
			report.HeadConsistent = false
			report.Findings = append(report.Findings, Finding{
				Kind:   FindingHeadMismatch,
				Detail: fmt.Sprintf("head reports chain length %d but no entries exist", head.ChainLength),
			})
		}
		return report, nil
	}

	// Hashes referenced as someone's previousHash. Used to classify
	// unlinked entries when no head path is available.
	referenced := make(map[string]bool, len(entries))
	for i := range entries {
		if entries[i].PreviousHash != "" {
			referenced[entries[i].PreviousHash] = true
		}
	}

	// The authoritative chain is the previousHash path ending at the
	// head. Entries off that path are orphans even when they happen to
	// continue the running hash: a lost-race loser persisted before the
	// winner claims the same predecessor, and absorbing it would make
	// the legitimately head-linked winner look broken.
	reachable, claimed := headReachable(head, entries)

	// For a partial range the chain does not start at null; seed the
	// running hash from the first entry's stored link.
	runningPrev := ""
	if !fullWalk(rng) {
		runningPrev = entries[0].PreviousHash
	}

	var lastLinked *Entry
	linked := make(map[string]bool, len(entries))
	var linkedCount int64

	for i := range entries {
		e := &entries[i]
		res := verifyEntry(e)
		report.Results = append(report.Results, res)

		if !res.Valid {
			report.Valid = false
			if report.BrokenAt == "" {
				report.BrokenAt = e.ID
			}
			report.Findings = append(report.Findings, Finding{
				Kind:     FindingHashMismatch,
				EntryID:  e.ID,
				Expected: res.ExpectedHash,
				Actual:   res.ActualHash,
				Detail:   "stored hash does not match recomputation from canonical payload",
			})
		}

		if e.PreviousHash != runningPrev {
			orphan := false
			if reachable != nil {
				orphan = !reachable[e.ID]
			} else {
				orphan = !referenced[e.Hash] && (head == nil || head.LastEntryID != e.ID)
			}
			if orphan {
				report.Findings = append(report.Findings, Finding{
					Kind:    FindingOrphanedEntry,
					EntryID: e.ID,
					Detail:  "entry is not reachable from the chain head (possible crash-interrupted append)",
				})
				continue
			}
			report.Valid = false
			if report.BrokenAt == "" {
				report.BrokenAt = e.ID
			}
			report.Findings = append(report.Findings, Finding{
				Kind:     FindingLinkageBroken,
				EntryID:  e.ID,
				Expected: runningPrev,
				Actual:   e.PreviousHash,
				Detail:   "previousHash does not match the prior entry's hash",
			})
		} else if reachable != nil && !reachable[e.ID] {
			if claimant, ok := claimed[e.PreviousHash]; ok && claimant != e.ID {
				// A head-linked entry claims the same predecessor: this
				// one lost the race and was left behind.
				report.Findings = append(report.Findings, Finding{
					Kind:    FindingOrphanedEntry,
					EntryID: e.ID,
					Detail:  "entry is not reachable from the chain head (possible crash-interrupted append)",
				})
				continue
			}
		}

		runningPrev = e.Hash
		lastLinked = e
		linked[e.ID] = true
		linkedCount++
	}

	if fullWalk(rng) {
		v.checkHead(report, head, entries, lastLinked, linked, linkedCount)
	}
	return report, nil
}

// headReachable follows previousHash links backward from the head and
// returns the set of entry ids on that path, plus which entry on the
// path claims each previousHash value. Both are nil when there is no
// head or its hash matches no entry — callers then fall back to the
// reference heuristic.
func headReachable(head *ChainHead, entries []Entry) (map[string]bool, map[string]string) {
	if head == nil {
		return nil, nil
	}
	byHash := make(map[string]*Entry, len(entries))
	for i := range entries {
		byHash[entries[i].Hash] = &entries[i]
	}
	cur, ok := byHash[head.LastHash]
	if !ok || cur.ID != head.LastEntryID {
		return nil, nil
	}

	reachable := make(map[string]bool, len(entries))
	claimed := make(map[string]string, len(entries))
	for cur != nil && !reachable[cur.ID] {
		reachable[cur.ID] = true
		claimed[cur.PreviousHash] = cur.ID
		if cur.PreviousHash == "" {
			break
		}
		cur = byHash[cur.PreviousHash]
	}
	return reachable, claimed
}

// checkHead cross-checks the head row against the walked entries. A
// head pointing at an earlier linked entry means later entries were
// persisted without the head advancing — the crash-orphan signature —
// which is reported as head inconsistency plus per-entry orphan
// warnings, distinct from tamper evidence.
func (v *Verifier) checkHead(report *ChainReport, head *ChainHead, entries []Entry, lastLinked *Entry, linked map[string]bool, linkedCount int64) {
	if head == nil {
		report.HeadConsistent = false
		report.Findings = append(report.Findings, Finding{
			Kind:   FindingHeadMismatch,
			Detail: "entries exist but no chain head record",
		})
		return
	}
	if lastLinked != nil && head.LastEntryID == lastLinked.ID && head.LastHash == lastLinked.Hash {
		if head.ChainLength != linkedCount {
			report.HeadConsistent = false
			report.Findings = append(report.Findings, Finding{
				Kind:     FindingHeadMismatch,
				Expected: fmt.Sprintf("%d", linkedCount),
				Actual:   fmt.Sprintf("%d", head.ChainLength),
				Detail:   "head chain length disagrees with linked entry count",
			})
		}
		return
	}

	report.HeadConsistent = false

	// Does the head point at some earlier entry of the linked chain?
	// If so the tail beyond it is orphaned, not tampered.
	var headAt int = -1
	for i := range entries {
		if entries[i].ID == head.LastEntryID && entries[i].Hash == head.LastHash && linked[entries[i].ID] {
			headAt = i
			break
		}
	}
	if headAt >= 0 {
		report.Findings = append(report.Findings, Finding{
			Kind:     FindingHeadMismatch,
			EntryID:  head.LastEntryID,
			Expected: lastLinked.ID,
			Actual:   head.LastEntryID,
			Detail:   "head lags behind the latest entry (possible crash-orphaned append)",
		})
		for i := headAt + 1; i < len(entries); i++ {
			if !linked[entries[i].ID] {
				continue
			}
			report.Findings = append(report.Findings, Finding{
				Kind:    FindingOrphanedEntry,
				EntryID: entries[i].ID,
				Detail:  "entry persisted after the head's last entry but never linked by the head",
			})
		}
		return
	}

	expected := ""
	if lastLinked != nil {
		expected = lastLinked.Hash
	}
	report.Findings = append(report.Findings, Finding{
		Kind:     FindingHeadMismatch,
		EntryID:  head.LastEntryID,
		Expected: expected,
		Actual:   head.LastHash,
		Detail:   "head does not match any persisted entry",
	})
}

// recordStatus applies the verification state machine to the head.
func (v *Verifier) recordStatus(ctx context.Context, organisationID string, report *ChainReport, force bool) error {
	head, err := v.store.GetChainHead(ctx, organisationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading chain head for %s: %w", organisationID, err)
	}

	switch {
	case !report.Valid:
		if err := v.store.SetVerificationStatus(ctx, organisationID, StatusBroken, report.BrokenAt); err != nil {
			return fmt.Errorf("recording broken chain for %s: %w", organisationID, err)
		}
		slog.Warn("audit chain broken",
			"organisation", organisationID, "brokenAt", report.BrokenAt,
			"findings", len(report.Findings))

	case head.VerificationStatus == StatusBroken && !force:
		// broken -> valid never happens automatically.

	default:
		if err := v.store.SetVerificationStatus(ctx, organisationID, StatusValid, ""); err != nil {
			return fmt.Errorf("recording valid chain for %s: %w", organisationID, err)
		}
	}
	return nil
}
