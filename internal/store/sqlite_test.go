package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/brightbeamsuk/inteLMS-sub002/internal/audit"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeEntry(org, id string) *audit.Entry {
	canonical := []byte(fmt.Sprintf(`{"id":%q}`, id))
	return &audit.Entry{
		ID:                  id,
		OrganisationID:      org,
		UserID:              "user-1",
		Action:              "data.export",
		Resource:            "user_data",
		Category:            audit.CategoryDataProcessing,
		Severity:            audit.SeverityInfo,
		Outcome:             audit.OutcomeSuccess,
		ComplianceFramework: "gdpr",
		CorrelationID:       "corr-1",
		Hash:                audit.ChainHash(canonical, ""),
		CanonicalPayload:    canonical,
		Timestamp:           time.Now().UTC(),
	}
}

func TestCreateAndGetEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := makeEntry("org-1", "entry-1")
	e.Details = map[string]any{"purpose": "portability", "items": float64(3)}
	e.IPAddress = "203.0.113.9"
	retention := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	e.RetentionUntil = &retention

	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	got, err := s.GetEntry(ctx, "entry-1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.OrganisationID != "org-1" || got.Action != "data.export" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.Details["purpose"] != "portability" || got.Details["items"] != float64(3) {
		t.Errorf("details mismatch: %+v", got.Details)
	}
	if string(got.CanonicalPayload) != string(e.CanonicalPayload) {
		t.Error("canonical payload not stored verbatim")
	}
	if got.Hash != e.Hash || got.PreviousHash != "" {
		t.Error("hash linkage mismatch")
	}
	if got.RetentionUntil == nil || !got.RetentionUntil.Equal(retention) {
		t.Errorf("retention mismatch: %v", got.RetentionUntil)
	}
}

func TestCreateEntry_DuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateEntry(ctx, makeEntry("org-1", "entry-1")); err != nil {
		t.Fatal(err)
	}
	err := s.CreateEntry(ctx, makeEntry("org-1", "entry-1"))
	if !errors.Is(err, audit.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetEntry_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetEntry(context.Background(), "missing")
	if !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListEntries_CreationOrderNotTimestampOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Insert with deliberately regressing timestamps (clock skew). The
	// chain walk order must stay insertion order.
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, skew := range []time.Duration{0, -time.Hour, 30 * time.Minute} {
		e := makeEntry("org-1", fmt.Sprintf("entry-%d", i))
		e.Timestamp = base.Add(skew)
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.ListEntries(ctx, "org-1", audit.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.ID != fmt.Sprintf("entry-%d", i) {
			t.Errorf("position %d: expected entry-%d, got %s", i, i, e.ID)
		}
	}
}

func TestListEntries_RangeAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := makeEntry("org-1", fmt.Sprintf("entry-%d", i))
		e.Timestamp = base.AddDate(0, 0, i)
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	from := base.AddDate(0, 0, 1)
	to := base.AddDate(0, 0, 3)
	entries, err := s.ListEntries(ctx, "org-1", audit.ListOptions{From: &from, To: &to})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("range filter: expected 3 entries, got %d", len(entries))
	}

	entries, err = s.ListEntries(ctx, "org-1", audit.ListOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != "entry-0" {
		t.Errorf("limit: expected first 2 entries, got %+v", entries)
	}

	// Other organisations never leak in.
	if err := s.CreateEntry(ctx, makeEntry("org-2", "foreign")); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.ListEntries(ctx, "org-1", audit.ListOptions{})
	for _, e := range entries {
		if e.OrganisationID != "org-1" {
			t.Errorf("foreign entry leaked: %s", e.ID)
		}
	}
}

func TestChainHead_CreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetChainHead(ctx, "org-1"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	head := &audit.ChainHead{
		OrganisationID:     "org-1",
		LastEntryID:        "entry-1",
		LastHash:           "sha256:abc",
		ChainLength:        1,
		Version:            1,
		VerificationStatus: audit.StatusPending,
	}
	if err := s.CreateChainHead(ctx, head); err != nil {
		t.Fatalf("CreateChainHead: %v", err)
	}

	got, err := s.GetChainHead(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastEntryID != "entry-1" || got.Version != 1 || got.VerificationStatus != audit.StatusPending {
		t.Errorf("head mismatch: %+v", got)
	}

	// A concurrent first append surfaces as ErrAlreadyExists.
	if err := s.CreateChainHead(ctx, head); !errors.Is(err, audit.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCompareAndSwapChainHead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	head := &audit.ChainHead{
		OrganisationID:     "org-1",
		LastEntryID:        "entry-1",
		LastHash:           "sha256:aaa",
		ChainLength:        1,
		Version:            1,
		VerificationStatus: audit.StatusPending,
	}
	if err := s.CreateChainHead(ctx, head); err != nil {
		t.Fatal(err)
	}

	// Matching version advances the cursor and bumps the version.
	updated, err := s.CompareAndSwapChainHead(ctx, "org-1", 1, audit.HeadPatch{
		LastEntryID: "entry-2",
		LastHash:    "sha256:bbb",
		ChainLength: 2,
	})
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if updated.Version != 2 || updated.LastEntryID != "entry-2" || updated.ChainLength != 2 {
		t.Errorf("CAS result mismatch: %+v", updated)
	}

	// Stale version loses the race.
	_, err = s.CompareAndSwapChainHead(ctx, "org-1", 1, audit.HeadPatch{
		LastEntryID: "entry-3",
		LastHash:    "sha256:ccc",
		ChainLength: 3,
	})
	if !errors.Is(err, audit.ErrHeadConflict) {
		t.Errorf("expected ErrHeadConflict, got %v", err)
	}

	// The losing write changed nothing.
	got, _ := s.GetChainHead(ctx, "org-1")
	if got.LastEntryID != "entry-2" || got.Version != 2 {
		t.Errorf("losing CAS mutated the head: %+v", got)
	}

	// Missing organisation is not a conflict.
	_, err = s.CompareAndSwapChainHead(ctx, "org-none", 1, audit.HeadPatch{})
	if !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCompareAndSwapChainHead_ReturnsInstalledState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateChainHead(ctx, &audit.ChainHead{
		OrganisationID:     "org-1",
		LastEntryID:        "entry-1",
		LastHash:           "sha256:aaa",
		ChainLength:        1,
		Version:            1,
		VerificationStatus: audit.StatusPending,
	}); err != nil {
		t.Fatal(err)
	}

	// The returned head must be the state this call installed — not a
	// re-read of the row, which a concurrent append could advance first.
	updated, err := s.CompareAndSwapChainHead(ctx, "org-1", 1, audit.HeadPatch{
		LastEntryID: "entry-2",
		LastHash:    "sha256:bbb",
		ChainLength: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.LastEntryID != "entry-2" || updated.LastHash != "sha256:bbb" ||
		updated.ChainLength != 2 || updated.Version != 2 {
		t.Errorf("CAS result is not the installed state: %+v", updated)
	}
	// Row-only fields are not part of the swap and stay unset; their
	// presence would mean the head was re-read.
	if updated.VerificationStatus != "" {
		t.Errorf("CAS result carries re-read row state: %+v", updated)
	}
}

func TestCompareAndSwapChainHead_CorruptRowIsNotAConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A head row whose chain_length cannot scan: the zero-row update's
	// disambiguating re-read fails, and that failure must surface as an
	// infrastructure error rather than a lost race.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chain_heads (organisation_id, last_entry_id, last_hash, chain_length, version, verification_status)
		 VALUES ('org-bad', 'entry-1', 'sha256:aaa', 'not-a-number', 1, 'pending')`); err != nil {
		t.Fatal(err)
	}

	_, err := s.CompareAndSwapChainHead(ctx, "org-bad", 99, audit.HeadPatch{
		LastEntryID: "entry-2", LastHash: "sha256:bbb", ChainLength: 2,
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, audit.ErrHeadConflict) {
		t.Errorf("storage failure misreported as a lost race: %v", err)
	}
	if errors.Is(err, audit.ErrNotFound) {
		t.Errorf("storage failure misreported as a missing head: %v", err)
	}
}

func TestSetVerificationStatus_DoesNotBumpVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	head := &audit.ChainHead{
		OrganisationID:     "org-1",
		LastEntryID:        "entry-1",
		LastHash:           "sha256:aaa",
		ChainLength:        1,
		Version:            1,
		VerificationStatus: audit.StatusPending,
	}
	if err := s.CreateChainHead(ctx, head); err != nil {
		t.Fatal(err)
	}

	if err := s.SetVerificationStatus(ctx, "org-1", audit.StatusBroken, "entry-1"); err != nil {
		t.Fatalf("SetVerificationStatus: %v", err)
	}

	got, _ := s.GetChainHead(ctx, "org-1")
	if got.VerificationStatus != audit.StatusBroken || got.BrokenAtEntryID != "entry-1" {
		t.Errorf("status not recorded: %+v", got)
	}
	if got.LastVerified == nil {
		t.Error("lastVerified should be set")
	}
	if got.Version != 1 {
		t.Errorf("verification must not bump the version: got %d", got.Version)
	}

	// An appender holding the pre-verification version still wins.
	if _, err := s.CompareAndSwapChainHead(ctx, "org-1", 1, audit.HeadPatch{
		LastEntryID: "entry-2", LastHash: "sha256:bbb", ChainLength: 2,
	}); err != nil {
		t.Errorf("CAS after verification should succeed: %v", err)
	}
}

func TestDeleteUnlinkedEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	linked := makeEntry("org-1", "entry-linked")
	orphan := makeEntry("org-1", "entry-orphan")
	if err := s.CreateEntry(ctx, linked); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateEntry(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateChainHead(ctx, &audit.ChainHead{
		OrganisationID:     "org-1",
		LastEntryID:        "entry-linked",
		LastHash:           linked.Hash,
		ChainLength:        1,
		Version:            1,
		VerificationStatus: audit.StatusPending,
	}); err != nil {
		t.Fatal(err)
	}

	// The orphan goes away.
	if err := s.DeleteUnlinkedEntry(ctx, "entry-orphan"); err != nil {
		t.Fatalf("DeleteUnlinkedEntry: %v", err)
	}
	if _, err := s.GetEntry(ctx, "entry-orphan"); !errors.Is(err, audit.ErrNotFound) {
		t.Error("orphan should be gone")
	}

	// The head-referenced entry is protected.
	if err := s.DeleteUnlinkedEntry(ctx, "entry-linked"); err == nil {
		t.Error("deleting a head-referenced entry must fail")
	}
	if _, err := s.GetEntry(ctx, "entry-linked"); err != nil {
		t.Errorf("linked entry should survive: %v", err)
	}

	if err := s.DeleteUnlinkedEntry(ctx, "missing"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetEntry_CorruptTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateEntry(ctx, makeEntry("org-1", "entry-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE entries SET ts = 'garbage' WHERE id = 'entry-1'`); err != nil {
		t.Fatal(err)
	}

	// A row that no longer parses must fail loudly, never scan to a
	// zero timestamp.
	if _, err := s.GetEntry(ctx, "entry-1"); err == nil {
		t.Error("expected error for corrupted timestamp")
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE entries SET ts = ?, archive_date = 'also-garbage' WHERE id = 'entry-1'`,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetEntry(ctx, "entry-1"); err == nil {
		t.Error("expected error for corrupted archive date")
	}
}

func TestQuery_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := []struct {
		id       string
		category audit.Category
		outcome  audit.Outcome
		resource string
		corr     string
	}{
		{"e1", audit.CategoryConsent, audit.OutcomeSuccess, "consent_record", "corr-a"},
		{"e2", audit.CategoryDataProcessing, audit.OutcomeDenied, "document/report", "corr-a"},
		{"e3", audit.CategoryDataProcessing, audit.OutcomeSuccess, "document/invoice", "corr-b"},
		{"e4", audit.CategorySystemAccess, audit.OutcomeFailure, "admin_panel", "corr-b"},
	}
	for _, sd := range seed {
		e := makeEntry("org-1", sd.id)
		e.Category = sd.category
		e.Outcome = sd.outcome
		e.Resource = sd.resource
		e.CorrelationID = sd.corr
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		params QueryParams
		want   []string
	}{
		{"by category", QueryParams{Category: "data_processing"}, []string{"e3", "e2"}},
		{"by outcome", QueryParams{Outcome: "denied"}, []string{"e2"}},
		{"by correlation", QueryParams{CorrelationID: "corr-b"}, []string{"e4", "e3"}},
		{"by resource glob", QueryParams{Resource: "document/*"}, []string{"e3", "e2"}},
		{"glob with outcome", QueryParams{Resource: "document/*", Outcome: "success"}, []string{"e3"}},
		{"limit", QueryParams{Limit: 2}, []string{"e4", "e3"}},
		{"no matches", QueryParams{Category: "rights_request"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, "org-1", tt.params)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestQuery_InvalidGlob(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Query(context.Background(), "org-1", QueryParams{Resource: "document/["})
	if err == nil {
		t.Error("expected error for invalid glob pattern")
	}
}

func TestOrganisations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, org := range []string{"org-b", "org-a"} {
		if err := s.CreateChainHead(ctx, &audit.ChainHead{
			OrganisationID:     org,
			LastEntryID:        "e",
			LastHash:           "sha256:x",
			ChainLength:        1,
			Version:            1,
			VerificationStatus: audit.StatusPending,
		}); err != nil {
			t.Fatal(err)
		}
	}

	orgs, err := s.Organisations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(orgs) != 2 || orgs[0] != "org-a" || orgs[1] != "org-b" {
		t.Errorf("expected sorted [org-a org-b], got %v", orgs)
	}
}

func TestOpen_ReopensExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.CreateEntry(ctx, makeEntry("org-1", "entry-1")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetEntry(ctx, "entry-1"); err != nil {
		t.Errorf("entry lost across reopen: %v", err)
	}
}
